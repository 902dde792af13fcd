package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Method is the verification method a session accepts check-ins with.
type Method string

const (
	MethodToken    Method = "token"
	MethodGeofence Method = "geofence"
	MethodNetwork  Method = "network"
)

// Valid reports whether m names a known verification method.
func (m Method) Valid() bool {
	switch m {
	case MethodToken, MethodGeofence, MethodNetwork:
		return true
	}
	return false
}

// GeofenceConfig is the circle a geofence session accepts check-ins from.
type GeofenceConfig struct {
	Latitude     float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude    float64 `json:"longitude" validate:"min=-180,max=180"`
	RadiusMeters float64 `json:"radius_meters" validate:"gt=0"`
}

// NetworkConfig lists the address ranges a network session accepts.
// Each entry is a CIDR prefix or a single address.
type NetworkConfig struct {
	AllowedRanges []string `json:"allowed_ranges" validate:"required,min=1,dive,cidr|ip"`
}

// Session is one scheduled class meeting.
type Session struct {
	ID           string          `json:"id" validate:"required"`
	CourseID     string          `json:"course_id" validate:"required"`
	InstructorID string          `json:"instructor_id" validate:"required"`
	StartsAt     time.Time       `json:"starts_at" validate:"required"`
	EndsAt       time.Time       `json:"ends_at" validate:"required,gtfield=StartsAt"`
	Method       Method          `json:"method" validate:"required,oneof=token geofence network"`
	Geofence     *GeofenceConfig `json:"geofence,omitempty" validate:"required_if=Method geofence"`
	Network      *NetworkConfig  `json:"network,omitempty" validate:"required_if=Method network"`
	Active       bool            `json:"active"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`

	// Tokens is hydrated from the token store right before verification.
	// Only the rotator writes token state.
	Tokens *TokenState `json:"-"`
}

var validate = validator.New()

// Validate checks the schedule and the configuration of the chosen method.
func (s *Session) Validate() error {
	if err := validate.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid session %s: %s", s.ID, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid session %s: %w", s.ID, err)
	}
	return nil
}

// Date returns the civil date of the session in loc.
func (s *Session) Date(loc *time.Location) string {
	return s.StartsAt.In(loc).Format(DateLayout)
}

// Closed reports whether the session no longer accepts attendance, either
// because its end passed or because it was closed explicitly.
func (s *Session) Closed(now time.Time) bool {
	if s.ClosedAt != nil && !now.Before(*s.ClosedAt) {
		return true
	}
	return !now.Before(s.EndsAt)
}

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// ParseSchedule combines a civil date and HH:MM start/end times into absolute
// instants in loc.
func ParseSchedule(date, start, end string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	startsAt, err := time.ParseInLocation(DateLayout+" "+ClockLayout, date+" "+start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start %q %q: %w", date, start, err)
	}
	endsAt, err := time.ParseInLocation(DateLayout+" "+ClockLayout, date+" "+end, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end %q %q: %w", date, end, err)
	}
	if !startsAt.Before(endsAt) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s must be before end %s", start, end)
	}
	return startsAt, endsAt, nil
}

// SessionToken is a short-lived check-in credential bound to one session.
type SessionToken struct {
	SessionID string    `json:"session_id"`
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token is unexpired at now.
func (t SessionToken) ValidAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// TokenState is the token view of one session, read atomically.
// Superseded is ordered newest first.
type TokenState struct {
	Current    *SessionToken  `json:"current,omitempty"`
	Superseded []SessionToken `json:"superseded,omitempty"`
}
