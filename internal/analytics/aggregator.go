// Package analytics derives attendance statistics from committed records.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/model"
)

// Filter narrows the sessions and students counted. Zero values do not
// filter. From and To bound session start inclusively.
type Filter struct {
	SessionID    string
	CourseID     string
	InstructorID string
	Department   string
	StudentID    string
	From         time.Time
	To           time.Time
}

// Report is an aggregate over the sessions matched by a filter.
type Report struct {
	model.Stat
	Sessions int `json:"sessions"`
}

// Aggregator computes attendance statistics. It only reads.
type Aggregator struct {
	repos attendance.Repositories
	log   *zap.Logger
}

func NewAggregator(repos attendance.Repositories, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{repos: repos, log: log.With(zap.String("service", "analytics"))}
}

// Stats counts present, late and absent outcomes for f as of now. An
// enrolled student without a record in a session that is closed at now
// counts as absent; open sessions only count what is recorded.
func (a *Aggregator) Stats(ctx context.Context, f Filter, now time.Time) (Report, error) {
	sessions, err := a.sessions(ctx, f)
	if err != nil {
		return Report{}, err
	}

	var (
		rep      Report
		students = map[string]*model.Student{}
	)
	for i := range sessions {
		s := &sessions[i]
		if err := a.countSession(ctx, s, f, now, students, &rep.Stat); err != nil {
			return Report{}, err
		}
		rep.Sessions++
	}
	rep.Rate = Rate(rep.Present+rep.Late, rep.Total)

	a.log.Debug("Stats computed",
		zap.String("session_id", f.SessionID),
		zap.String("course_id", f.CourseID),
		zap.String("department", f.Department),
		zap.Int("sessions", rep.Sessions),
		zap.Int("total", rep.Total),
	)
	return rep, nil
}

// Rate is attended/total as a rounded percentage, 0 when total is 0.
func Rate(attended, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(attended) * 100 / float64(total)))
}

func (a *Aggregator) sessions(ctx context.Context, f Filter) ([]model.Session, error) {
	q := attendance.SessionQuery{
		SessionID:    f.SessionID,
		CourseID:     f.CourseID,
		InstructorID: f.InstructorID,
		From:         f.From,
		To:           f.To,
	}
	if f.StudentID == "" || q.SessionID != "" || q.CourseID != "" {
		out, err := a.repos.Catalog.ListSessions(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		return out, nil
	}

	// A student filter alone only needs the student's courses.
	enrollments, err := a.repos.Enrollment.ListEnrollments(ctx, f.StudentID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	var out []model.Session
	for _, e := range enrollments {
		q.CourseID = e.CourseID
		part, err := a.repos.Catalog.ListSessions(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("list sessions of %s: %w", e.CourseID, err)
		}
		out = append(out, part...)
	}
	return out, nil
}

func (a *Aggregator) countSession(ctx context.Context, s *model.Session, f Filter, now time.Time, students map[string]*model.Student, st *model.Stat) error {
	roster, err := a.repos.Enrollment.ListStudents(ctx, s.CourseID)
	if err != nil {
		return fmt.Errorf("list students of %s: %w", s.CourseID, err)
	}
	for i := range roster {
		students[roster[i].ID] = &roster[i]
	}
	records, err := a.repos.Records.ListRecords(ctx, attendance.RecordQuery{SessionID: s.ID, StudentID: f.StudentID})
	if err != nil {
		return fmt.Errorf("list records of %s: %w", s.ID, err)
	}

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.StudentID] = struct{}{}
		ok, err := a.matches(ctx, rec.StudentID, f, students)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		add(st, rec.Status)
	}

	if !s.Closed(now) {
		return nil
	}
	for _, member := range roster {
		if _, ok := seen[member.ID]; ok {
			continue
		}
		if f.StudentID != "" && member.ID != f.StudentID {
			continue
		}
		if f.Department != "" && member.Department != f.Department {
			continue
		}
		add(st, model.StatusAbsent)
	}
	return nil
}

func (a *Aggregator) matches(ctx context.Context, studentID string, f Filter, students map[string]*model.Student) (bool, error) {
	if f.StudentID != "" && studentID != f.StudentID {
		return false, nil
	}
	if f.Department == "" {
		return true, nil
	}
	st, ok := students[studentID]
	if !ok {
		found, err := a.repos.Enrollment.GetStudent(ctx, studentID)
		if err != nil {
			return false, fmt.Errorf("get student %s: %w", studentID, err)
		}
		students[studentID] = found
		st = found
	}
	return st != nil && st.Department == f.Department, nil
}

func add(st *model.Stat, status model.Status) {
	switch status {
	case model.StatusPresent:
		st.Present++
	case model.StatusLate:
		st.Late++
	case model.StatusAbsent:
		st.Absent++
	default:
		return
	}
	st.Total++
}
