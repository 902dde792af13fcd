package model

import "time"

// Status classifies one student's attendance at one session.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent:
		return true
	}
	return false
}

// Attended reports whether s counts toward the attendance rate.
func (s Status) Attended() bool {
	return s == StatusPresent || s == StatusLate
}

// Evidence is what a student submits with a check-in attempt. Only the
// fields of the tagged method are read.
type Evidence struct {
	Method    Method   `json:"method"`
	Token     string   `json:"token,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	// FixID references a location fix held by the location relay; used when
	// the device could not attach coordinates itself.
	FixID   string `json:"fix_id,omitempty"`
	Address string `json:"address,omitempty"`
}

// Snapshot is the evidence stored on a record.
type Snapshot struct {
	Token     string   `json:"token,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Address   string   `json:"address,omitempty"`
	// DistanceMeters is set for geofence check-ins.
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
}

// MethodMatch is the result of a successful verification.
type MethodMatch struct {
	Method   Method
	Snapshot Snapshot
}

// AttendanceRecord is the outcome of one check-in for a (session, student)
// pair. There is at most one per pair.
type AttendanceRecord struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	StudentID   string     `json:"student_id"`
	Status      Status     `json:"status"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	Method      Method     `json:"method,omitempty"`
	Evidence    Snapshot   `json:"evidence"`
	Manual      bool       `json:"manual"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Student is the subset of the account record the core reads.
type Student struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Department string `json:"department,omitempty"`
}

// Enrollment binds a student to a course.
type Enrollment struct {
	StudentID string `json:"student_id"`
	CourseID  string `json:"course_id"`
}

// Stat is a derived attendance aggregate.
type Stat struct {
	Total   int `json:"total"`
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
	Rate    int `json:"rate"`
}
