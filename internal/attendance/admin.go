package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/model"
)

// Finalize writes an explicit absent record for every enrolled student who
// has none, once the session window is closed. It returns how many absences
// were written and is safe to call repeatedly.
func (s *Service) Finalize(ctx context.Context, sessionID string, now time.Time) (int, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !session.Closed(now) {
		return 0, model.NewError(model.KindOutsideWindow, fmt.Sprintf("session %s is still open", sessionID))
	}

	roster, err := s.repos.Enrollment.ListStudents(ctx, session.CourseID)
	if err != nil {
		return 0, fmt.Errorf("list students of %s: %w", session.CourseID, err)
	}

	written := 0
	for _, st := range roster {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := s.recordAbsence(ctx, sessionID, st.ID, now)
		if err != nil {
			s.log.Error("Failed to record absence",
				zap.Error(err),
				zap.String("session_id", sessionID),
				zap.String("student_id", st.ID),
			)
			return written, err
		}
		if ok {
			written++
		}
	}

	s.metrics.AddFinalizedAbsences(written)
	s.log.Info("Session finalized",
		zap.String("session_id", sessionID),
		zap.Int("roster", len(roster)),
		zap.Int("absences", written),
	)
	return written, nil
}

func (s *Service) recordAbsence(ctx context.Context, sessionID, studentID string, now time.Time) (bool, error) {
	unlock := s.locks.Lock(pairKey(sessionID, studentID))
	defer unlock()

	existing, err := s.repos.Records.GetRecord(ctx, sessionID, studentID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	rec := &model.AttendanceRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: studentID,
		Status:    model.StatusAbsent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repos.Records.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, model.ErrAlreadyRecorded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// OverrideRequest is an instructor or admin correction of one record.
type OverrideRequest struct {
	SessionID string
	StudentID string
	Status    model.Status
	ActorID   string
	Reason    string
}

// Override sets the status of a pair's record, creating it if needed, and
// marks it manual. It is the only path that changes an existing record.
// The student is notified fire-and-forget.
func (s *Service) Override(ctx context.Context, req OverrideRequest, now time.Time) (*model.AttendanceRecord, error) {
	if req.SessionID == "" || req.StudentID == "" {
		return nil, fmt.Errorf("%w: session and student required", ErrInvalidRequest)
	}
	if !req.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidRequest, req.Status)
	}
	session, err := s.Session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	enrolled, err := s.repos.Enrollment.IsEnrolled(ctx, req.StudentID, session.CourseID)
	if err != nil {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}
	if !enrolled {
		return nil, model.NewError(model.KindNotEnrolled,
			fmt.Sprintf("student %s is not enrolled in course %s", req.StudentID, session.CourseID))
	}

	unlock := s.locks.Lock(pairKey(req.SessionID, req.StudentID))
	defer unlock()

	existing, err := s.repos.Records.GetRecord(ctx, req.SessionID, req.StudentID)
	if err != nil {
		return nil, fmt.Errorf("lookup record: %w", err)
	}

	var previous model.Status
	rec := existing
	if rec == nil {
		rec = &model.AttendanceRecord{
			ID:        uuid.NewString(),
			SessionID: req.SessionID,
			StudentID: req.StudentID,
			CreatedAt: now,
		}
	} else {
		previous = rec.Status
	}
	rec.Status = req.Status
	rec.Manual = true
	rec.UpdatedAt = now

	if err := s.repos.Records.OverrideRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("override record: %w", err)
	}
	s.metrics.IncOverrides()
	s.log.Info("Attendance overridden",
		zap.String("session_id", req.SessionID),
		zap.String("student_id", req.StudentID),
		zap.String("actor_id", req.ActorID),
		zap.String("previous", string(previous)),
		zap.String("status", string(req.Status)),
	)

	if s.notifier != nil {
		n := Notification{
			Type:      NotificationOverride,
			SessionID: req.SessionID,
			StudentID: req.StudentID,
			ActorID:   req.ActorID,
			Status:    req.Status,
			Previous:  previous,
			Reason:    req.Reason,
			At:        now,
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.Warn("Override notification dropped", zap.Error(err), zap.String("session_id", req.SessionID))
		}
	}
	return rec, nil
}

// ScheduleRequest describes a new session in civil time of the canonical
// zone.
type ScheduleRequest struct {
	ID           string
	CourseID     string
	InstructorID string
	Date         string
	Start        string
	End          string
	Method       model.Method
	Geofence     *model.GeofenceConfig
	Network      *model.NetworkConfig
}

// Schedule validates req and stores it as an active session.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*model.Session, error) {
	if s.repos.Sessions == nil {
		return nil, errors.New("session writer not configured")
	}
	startsAt, endsAt, err := model.ParseSchedule(req.Date, req.Start, req.End, s.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	session := &model.Session{
		ID:           id,
		CourseID:     req.CourseID,
		InstructorID: req.InstructorID,
		StartsAt:     startsAt,
		EndsAt:       endsAt,
		Method:       req.Method,
		Geofence:     req.Geofence,
		Network:      req.Network,
		Active:       true,
	}
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.repos.Sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.log.Info("Session scheduled",
		zap.String("session_id", id),
		zap.String("course_id", req.CourseID),
		zap.String("method", string(req.Method)),
		zap.Time("starts_at", startsAt),
	)
	return session, nil
}
