package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/model"
)

// Memory implements every attendance port in process. It backs tests and
// the single-node dev mode.
type Memory struct {
	mu      sync.RWMutex
	loc     *time.Location
	history int

	sessions    map[string]model.Session
	students    map[string]model.Student
	enrollments map[string]map[string]struct{} // course -> students
	records     map[string]model.AttendanceRecord
	tokens      map[string]model.TokenState
	audit       map[string][]model.SessionToken
}

// NewMemory creates an empty store. Session dates are computed in loc and
// history superseded tokens are kept per session.
func NewMemory(loc *time.Location, history int) *Memory {
	if loc == nil {
		loc = time.UTC
	}
	return &Memory{
		loc:         loc,
		history:     history,
		sessions:    make(map[string]model.Session),
		students:    make(map[string]model.Student),
		enrollments: make(map[string]map[string]struct{}),
		records:     make(map[string]model.AttendanceRecord),
		tokens:      make(map[string]model.TokenState),
		audit:       make(map[string][]model.SessionToken),
	}
}

// Repositories exposes m through every port.
func (m *Memory) Repositories() attendance.Repositories {
	return attendance.Repositories{
		Catalog:    m,
		Sessions:   m,
		Enrollment: m,
		Records:    m,
		Tokens:     m,
	}
}

// PutSession inserts or replaces a session.
func (m *Memory) PutSession(s model.Session) {
	s.Tokens = nil
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// PutStudent inserts or replaces a student.
func (m *Memory) PutStudent(st model.Student) {
	m.mu.Lock()
	m.students[st.ID] = st
	m.mu.Unlock()
}

// Enroll adds studentID to courseID, creating the student if unknown.
func (m *Memory) Enroll(studentID, courseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[studentID]; !ok {
		m.students[studentID] = model.Student{ID: studentID}
	}
	set, ok := m.enrollments[courseID]
	if !ok {
		set = make(map[string]struct{})
		m.enrollments[courseID] = set
	}
	set[studentID] = struct{}{}
}

func (m *Memory) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return attendance.ErrSessionExists
	}
	cp := *s
	cp.Tokens = nil
	m.sessions[s.ID] = cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListActiveSessionsForCourse(_ context.Context, courseID, date string) ([]model.Session, error) {
	return m.filterSessions(func(s model.Session) bool {
		return s.Active && s.CourseID == courseID && s.Date(m.loc) == date
	}), nil
}

func (m *Memory) ListSessionsForDate(_ context.Context, date string) ([]model.Session, error) {
	return m.filterSessions(func(s model.Session) bool {
		return s.Date(m.loc) == date
	}), nil
}

func (m *Memory) ListSessions(_ context.Context, q attendance.SessionQuery) ([]model.Session, error) {
	return m.filterSessions(func(s model.Session) bool {
		if q.SessionID != "" && s.ID != q.SessionID {
			return false
		}
		if q.CourseID != "" && s.CourseID != q.CourseID {
			return false
		}
		if q.InstructorID != "" && s.InstructorID != q.InstructorID {
			return false
		}
		if !q.From.IsZero() && s.StartsAt.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && s.StartsAt.After(q.To) {
			return false
		}
		return true
	}), nil
}

func (m *Memory) filterSessions(keep func(model.Session) bool) []model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out
}

func (m *Memory) IsEnrolled(_ context.Context, studentID, courseID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.enrollments[courseID][studentID]
	return ok, nil
}

func (m *Memory) ListEnrollments(_ context.Context, studentID string) ([]model.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Enrollment
	for course, set := range m.enrollments {
		if _, ok := set[studentID]; ok {
			out = append(out, model.Enrollment{StudentID: studentID, CourseID: course})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, nil
}

func (m *Memory) ListStudents(_ context.Context, courseID string) ([]model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Student, 0, len(m.enrollments[courseID]))
	for id := range m.enrollments[courseID] {
		out = append(out, m.students[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetStudent(_ context.Context, id string) (*model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.students[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *Memory) GetRecord(_ context.Context, sessionID, studentID string) (*model.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey(sessionID, studentID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) CreateRecord(_ context.Context, rec *model.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(rec.SessionID, rec.StudentID)
	if _, ok := m.records[key]; ok {
		return model.ErrAlreadyRecorded
	}
	m.records[key] = *rec
	return nil
}

func (m *Memory) OverrideRecord(_ context.Context, rec *model.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(rec.SessionID, rec.StudentID)
	if prev, ok := m.records[key]; ok {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	}
	m.records[key] = *rec
	return nil
}

func (m *Memory) ListRecords(_ context.Context, q attendance.RecordQuery) ([]model.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AttendanceRecord
	for _, rec := range m.records {
		if q.SessionID != "" && rec.SessionID != q.SessionID {
			continue
		}
		if q.StudentID != "" && rec.StudentID != q.StudentID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID == out[j].SessionID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (m *Memory) TokenState(_ context.Context, sessionID string) (model.TokenState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneState(m.tokens[sessionID]), nil
}

func (m *Memory) Rotate(_ context.Context, tok model.SessionToken) error {
	if tok.SessionID == "" {
		return errTokenSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.SessionID] = advance(m.tokens[tok.SessionID], tok, m.history)
	m.audit[tok.SessionID] = append(m.audit[tok.SessionID], tok)
	return nil
}

// TokenAudit returns every token issued for sessionID, oldest first.
func (m *Memory) TokenAudit(_ context.Context, sessionID string) ([]model.SessionToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.SessionToken(nil), m.audit[sessionID]...), nil
}

func recordKey(sessionID, studentID string) string {
	return sessionID + "\x00" + studentID
}
