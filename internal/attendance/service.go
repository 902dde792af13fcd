package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/verify"
	"classattend/internal/window"
)

// Service coordinates check-ins: it resolves the session, enforces one
// record per (session, student), runs the matching verification strategy
// and persists the outcome.
type Service struct {
	repos    Repositories
	policy   window.Policy
	verifier *verify.Set
	locks    *KeyLock
	log      *zap.Logger
	loc      *time.Location

	locator         Locator
	locationTimeout time.Duration
	notifier        Notifier
	metrics         *metrics.Metrics
}

// Option configures optional collaborators.
type Option func(*Service)

// WithLocator lets geofence evidence reference a location fix that is
// resolved under timeout.
func WithLocator(l Locator, timeout time.Duration) Option {
	return func(s *Service) {
		s.locator = l
		if timeout > 0 {
			s.locationTimeout = timeout
		}
	}
}

// WithZone sets the canonical zone used for civil dates. Defaults to UTC.
func WithZone(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a coordinator over repos.
func NewService(repos Repositories, policy window.Policy, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		repos:           repos,
		policy:          policy,
		verifier:        verify.NewSet(),
		locks:           NewKeyLock(),
		log:             log.With(zap.String("service", "checkin")),
		loc:             time.UTC,
		locationTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the window policy in force.
func (s *Service) Policy() window.Policy { return s.policy }

// Zone returns the canonical zone.
func (s *Service) Zone() *time.Location { return s.loc }

// CheckIn attempts to record studentID at sessionID with the given evidence
// at instant now. On any error nothing is written. A second attempt for the
// same pair fails with model.ErrAlreadyRecorded and leaves the first record
// untouched.
func (s *Service) CheckIn(ctx context.Context, studentID, sessionID string, ev model.Evidence, now time.Time) (*model.AttendanceRecord, error) {
	started := time.Now()
	rec, err := s.checkIn(ctx, studentID, sessionID, ev, now)
	s.metrics.ObserveCheckIn(outcome(rec, err), time.Since(started))

	log := s.log.With(
		zap.String("session_id", sessionID),
		zap.String("student_id", studentID),
		zap.String("method", string(ev.Method)),
	)
	switch kind := model.KindOf(err); {
	case err == nil:
		log.Info("Check-in recorded", zap.String("status", string(rec.Status)))
	case kind != "":
		log.Info("Check-in rejected", zap.String("kind", string(kind)), zap.Error(err))
	default:
		log.Error("Check-in failed", zap.Error(err))
	}
	return rec, err
}

func (s *Service) checkIn(ctx context.Context, studentID, sessionID string, ev model.Evidence, now time.Time) (*model.AttendanceRecord, error) {
	if studentID == "" || sessionID == "" {
		return nil, errors.New("student and session required")
	}

	session, err := s.activeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	enrolled, err := s.repos.Enrollment.IsEnrolled(ctx, studentID, session.CourseID)
	if err != nil {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}
	if !enrolled {
		return nil, model.NewError(model.KindNotEnrolled,
			fmt.Sprintf("student %s is not enrolled in course %s", studentID, session.CourseID))
	}

	// Everything from the existence check to the insert runs under the
	// pair's lock; the store's uniqueness check covers other processes.
	unlock := s.locks.Lock(pairKey(sessionID, studentID))
	defer unlock()

	existing, err := s.repos.Records.GetRecord(ctx, sessionID, studentID)
	if err != nil {
		return nil, fmt.Errorf("lookup record: %w", err)
	}
	if existing != nil {
		return nil, model.NewError(model.KindAlreadyRecorded,
			fmt.Sprintf("already recorded as %s", existing.Status))
	}

	res := s.policy.Evaluate(session, now)
	status, ok := res.Status()
	if !ok {
		return nil, model.NewError(model.KindOutsideWindow, string(res.Phase))
	}

	ev, err = s.prepareEvidence(ctx, session, ev)
	if err != nil {
		return nil, err
	}

	match, err := s.verifier.Verify(session, ev, now)
	if errors.Is(err, model.ErrTokenMismatch) && session.Method == model.MethodToken {
		err = s.reclassifyToken(ctx, sessionID, ev.Token, err)
	}
	if err != nil {
		return nil, err
	}

	// Abandoned attempts stop here with nothing written.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	checkedIn := now
	rec := &model.AttendanceRecord{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		StudentID:   studentID,
		Status:      status,
		CheckedInAt: &checkedIn,
		Method:      match.Method,
		Evidence:    match.Snapshot,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repos.Records.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, model.ErrAlreadyRecorded) {
			return nil, err
		}
		return nil, fmt.Errorf("create record: %w", err)
	}
	return rec, nil
}

// reclassifyToken reports a token this session issued, but which has
// dropped out of the hot history, as expired rather than foreign.
func (s *Service) reclassifyToken(ctx context.Context, sessionID, token string, mismatch error) error {
	if token == "" {
		return mismatch
	}
	issued, err := s.repos.Tokens.TokenAudit(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read token audit: %w", err)
	}
	for _, tok := range issued {
		if tok.Value == token {
			return model.NewError(model.KindTokenExpired, "token superseded")
		}
	}
	return mismatch
}

// activeSession resolves id and returns a private copy the caller may
// decorate with token state.
func (s *Service) activeSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return nil, model.NewError(model.KindSessionInactive, fmt.Sprintf("session %s is not active", id))
	}
	return session, nil
}

// Session resolves id to a private copy of the session.
func (s *Service) Session(ctx context.Context, id string) (*model.Session, error) {
	found, err := s.repos.Catalog.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if found == nil {
		return nil, model.NewError(model.KindSessionNotFound, fmt.Sprintf("session %s not found", id))
	}
	cp := *found
	return &cp, nil
}

// prepareEvidence loads what a strategy needs beyond the submitted evidence:
// the token state for token sessions, and coordinates for geofence evidence
// that only carries a fix reference.
func (s *Service) prepareEvidence(ctx context.Context, session *model.Session, ev model.Evidence) (model.Evidence, error) {
	switch session.Method {
	case model.MethodToken:
		state, err := s.repos.Tokens.TokenState(ctx, session.ID)
		if err != nil {
			return ev, fmt.Errorf("read token state: %w", err)
		}
		session.Tokens = &state

	case model.MethodGeofence:
		if ev.Latitude != nil && ev.Longitude != nil {
			return ev, nil
		}
		if ev.FixID == "" || s.locator == nil {
			return ev, nil
		}
		lat, lng, err := s.resolveFix(ctx, ev.FixID)
		if err != nil {
			return ev, err
		}
		ev.Latitude, ev.Longitude = &lat, &lng
	}
	return ev, nil
}

func (s *Service) resolveFix(ctx context.Context, fixID string) (float64, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.locationTimeout)
	defer cancel()

	lat, lng, err := s.locator.Resolve(ctx, fixID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, 0, model.NewError(model.KindLocationUnavailable, "location fix timed out")
		}
		if errors.Is(err, context.Canceled) {
			return 0, 0, err
		}
		return 0, 0, model.NewError(model.KindLocationUnavailable, err.Error())
	}
	return lat, lng, nil
}

// Record returns the stored record of a pair, or nil.
func (s *Service) Record(ctx context.Context, sessionID, studentID string) (*model.AttendanceRecord, error) {
	return s.repos.Records.GetRecord(ctx, sessionID, studentID)
}

// SessionRecords lists the records of one session.
func (s *Service) SessionRecords(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repos.Records.ListRecords(ctx, RecordQuery{SessionID: sessionID})
}

func outcome(rec *model.AttendanceRecord, err error) string {
	if err == nil && rec != nil {
		return string(rec.Status)
	}
	if kind := model.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
