package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/model"
)

const pgUniqueViolation = "23505"

// Postgres implements the catalog, enrollment and record ports on top of
// the tables in schema.sql. Token state lives in PostgresTokens.
type Postgres struct {
	db  *sql.DB
	loc *time.Location
	log *zap.Logger
}

// NewPostgres creates the repositories. loc is the canonical zone used for
// session dates.
func NewPostgres(db *DB, loc *time.Location, log *zap.Logger) *Postgres {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: db.Client, loc: loc, log: log.With(zap.String("repository", "postgres"))}
}

// methodConfig is the JSONB payload of class_sessions.method_config.
type methodConfig struct {
	Geofence *model.GeofenceConfig `json:"geofence,omitempty"`
	Network  *model.NetworkConfig  `json:"network,omitempty"`
}

const sessionColumns = `id, course_id, instructor_id, starts_at, ends_at, method, method_config, active, closed_at`

func (p *Postgres) CreateSession(ctx context.Context, s *model.Session) error {
	cfg, err := json.Marshal(methodConfig{Geofence: s.Geofence, Network: s.Network})
	if err != nil {
		return fmt.Errorf("encode method config: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO class_sessions (id, course_id, instructor_id, session_date, starts_at, ends_at, method, method_config, active, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.CourseID, s.InstructorID, s.Date(p.loc), s.StartsAt, s.EndsAt, string(s.Method), cfg, s.Active, s.ClosedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return attendance.ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) ListActiveSessionsForCourse(ctx context.Context, courseID, date string) ([]model.Session, error) {
	return p.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM class_sessions
		WHERE course_id = $1 AND session_date = $2 AND active
		ORDER BY starts_at, id
	`, courseID, date)
}

func (p *Postgres) ListSessionsForDate(ctx context.Context, date string) ([]model.Session, error) {
	return p.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM class_sessions
		WHERE session_date = $1
		ORDER BY starts_at, id
	`, date)
}

func (p *Postgres) ListSessions(ctx context.Context, q attendance.SessionQuery) ([]model.Session, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.SessionID != "" {
		add("id = $%d", q.SessionID)
	}
	if q.CourseID != "" {
		add("course_id = $%d", q.CourseID)
	}
	if q.InstructorID != "" {
		add("instructor_id = $%d", q.InstructorID)
	}
	if !q.From.IsZero() {
		add("starts_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("starts_at <= $%d", q.To)
	}
	query := `SELECT ` + sessionColumns + ` FROM class_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY starts_at, id`
	return p.querySessions(ctx, query, args...)
}

func (p *Postgres) querySessions(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var (
		s        model.Session
		method   string
		cfg      []byte
		closedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.CourseID, &s.InstructorID, &s.StartsAt, &s.EndsAt, &method, &cfg, &s.Active, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("scan session: %w", err)
	}
	s.Method = model.Method(method)
	if closedAt.Valid {
		t := closedAt.Time
		s.ClosedAt = &t
	}
	if len(cfg) > 0 {
		var mc methodConfig
		if err := json.Unmarshal(cfg, &mc); err != nil {
			return s, fmt.Errorf("decode method config of %s: %w", s.ID, err)
		}
		s.Geofence, s.Network = mc.Geofence, mc.Network
	}
	return s, nil
}

func (p *Postgres) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2)
	`, studentID, courseID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return ok, nil
}

func (p *Postgres) ListEnrollments(ctx context.Context, studentID string) ([]model.Enrollment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT student_id, course_id FROM enrollments WHERE student_id = $1 ORDER BY course_id
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var out []model.Enrollment
	for rows.Next() {
		var e model.Enrollment
		if err := rows.Scan(&e.StudentID, &e.CourseID); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) ListStudents(ctx context.Context, courseID string) ([]model.Student, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.department
		FROM enrollments e JOIN students s ON s.id = e.student_id
		WHERE e.course_id = $1
		ORDER BY s.id
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer rows.Close()

	var out []model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.Department); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *Postgres) GetStudent(ctx context.Context, id string) (*model.Student, error) {
	var st model.Student
	err := p.db.QueryRowContext(ctx, `SELECT id, name, department FROM students WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.Department)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	return &st, nil
}

const recordColumns = `id, session_id, student_id, status, checked_in_at, method, evidence, manual, created_at, updated_at`

func (p *Postgres) GetRecord(ctx context.Context, sessionID, studentID string) (*model.AttendanceRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecord relies on UNIQUE (session_id, student_id): a conflicting
// insert affects no rows and the existing record is left as is.
func (p *Postgres) CreateRecord(ctx context.Context, rec *model.AttendanceRecord) error {
	ev, err := json.Marshal(rec.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, string(rec.Status), rec.CheckedInAt, string(rec.Method), ev, rec.Manual, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if n == 0 {
		p.log.Debug("Record insert lost race",
			zap.String("session_id", rec.SessionID),
			zap.String("student_id", rec.StudentID),
		)
		return model.ErrAlreadyRecorded
	}
	return nil
}

func (p *Postgres) OverrideRecord(ctx context.Context, rec *model.AttendanceRecord) error {
	ev, err := json.Marshal(rec.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, student_id) DO UPDATE
		SET status = EXCLUDED.status, manual = EXCLUDED.manual, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, rec.ID, rec.SessionID, rec.StudentID, string(rec.Status), rec.CheckedInAt, string(rec.Method), ev, rec.Manual, rec.CreatedAt, rec.UpdatedAt)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (p *Postgres) ListRecords(ctx context.Context, q attendance.RecordQuery) ([]model.AttendanceRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		args = append(args, q.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if q.StudentID != "" {
		args = append(args, q.StudentID)
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)))
	}
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY session_id, student_id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []model.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row scanner) (model.AttendanceRecord, error) {
	var (
		rec       model.AttendanceRecord
		status    string
		method    string
		ev        []byte
		checkedIn sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &status, &checkedIn, &method, &ev, &rec.Manual, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan record: %w", err)
	}
	rec.Status = model.Status(status)
	rec.Method = model.Method(method)
	if checkedIn.Valid {
		t := checkedIn.Time
		rec.CheckedInAt = &t
	}
	if len(ev) > 0 {
		if err := json.Unmarshal(ev, &rec.Evidence); err != nil {
			return rec, fmt.Errorf("decode evidence of %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}
