package attendance

import (
	"context"
	"errors"
	"time"

	"classattend/internal/model"
)

var (
	// ErrSessionExists is returned by SessionWriter for a taken session id.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidRequest marks malformed administrative input.
	ErrInvalidRequest = errors.New("invalid request")
)

// SessionCatalog is the read-only view of scheduled sessions. GetSession
// returns nil, nil for an unknown id. Dates are canonical-zone civil dates
// (model.DateLayout).
type SessionCatalog interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListActiveSessionsForCourse(ctx context.Context, courseID, date string) ([]model.Session, error)
	ListSessionsForDate(ctx context.Context, date string) ([]model.Session, error)
	ListSessions(ctx context.Context, q SessionQuery) ([]model.Session, error)
}

// SessionWriter stores newly scheduled sessions. CreateSession fails when
// the id is taken.
type SessionWriter interface {
	CreateSession(ctx context.Context, s *model.Session) error
}

// SessionQuery filters ListSessions. Zero values do not filter; From and To
// bound StartsAt inclusively.
type SessionQuery struct {
	SessionID    string
	CourseID     string
	InstructorID string
	From         time.Time
	To           time.Time
}

// EnrollmentRegistry answers who takes which course. GetStudent returns nil,
// nil for an unknown id.
type EnrollmentRegistry interface {
	IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error)
	ListEnrollments(ctx context.Context, studentID string) ([]model.Enrollment, error)
	ListStudents(ctx context.Context, courseID string) ([]model.Student, error)
	GetStudent(ctx context.Context, id string) (*model.Student, error)
}

// RecordStore persists attendance records with a uniqueness guarantee on
// (session, student).
type RecordStore interface {
	// GetRecord returns nil, nil when the pair has no record.
	GetRecord(ctx context.Context, sessionID, studentID string) (*model.AttendanceRecord, error)
	// CreateRecord inserts rec, failing with model.ErrAlreadyRecorded when
	// the pair already has a record. It never overwrites.
	CreateRecord(ctx context.Context, rec *model.AttendanceRecord) error
	// OverrideRecord inserts or replaces the pair's record.
	OverrideRecord(ctx context.Context, rec *model.AttendanceRecord) error
	ListRecords(ctx context.Context, q RecordQuery) ([]model.AttendanceRecord, error)
}

// RecordQuery filters ListRecords. Empty fields do not filter.
type RecordQuery struct {
	SessionID string
	StudentID string
}

// TokenStore owns the rotating token state of every token session.
type TokenStore interface {
	// TokenState reads current and recently superseded tokens in one atomic
	// read. A session without tokens yields an empty state.
	TokenState(ctx context.Context, sessionID string) (model.TokenState, error)
	// Rotate makes tok the current token of tok.SessionID and supersedes
	// the previous one. Superseded tokens stay in the audit trail.
	Rotate(ctx context.Context, tok model.SessionToken) error
	// TokenAudit lists every token issued for the session, oldest first.
	TokenAudit(ctx context.Context, sessionID string) ([]model.SessionToken, error)
}

// Locator resolves a location fix reference into coordinates.
type Locator interface {
	Resolve(ctx context.Context, fixID string) (lat, lng float64, err error)
}

// Notification is a one-way event for the messaging collaborator.
type Notification struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	StudentID string       `json:"student_id"`
	ActorID   string       `json:"actor_id,omitempty"`
	Status    model.Status `json:"status"`
	Previous  model.Status `json:"previous,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

const NotificationOverride = "attendance.override"

// Notifier delivers notifications fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Repositories groups the boundary collaborators the core reads and writes.
type Repositories struct {
	Catalog    SessionCatalog
	Sessions   SessionWriter
	Enrollment EnrollmentRegistry
	Records    RecordStore
	Tokens     TokenStore
}
