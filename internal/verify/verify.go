// Package verify holds the check-in evidence strategies. Strategies are pure
// predicates over session configuration and evidence; they never write.
package verify

import (
	"fmt"
	"time"

	"classattend/internal/model"
)

// Strategy validates one kind of evidence against a session.
type Strategy interface {
	Method() model.Method
	Verify(s *model.Session, ev model.Evidence, now time.Time) (model.MethodMatch, error)
}

// Set dispatches to the strategy matching the session's method.
type Set struct {
	token    Token
	geofence Geofence
	network  Network
}

// NewSet returns the full strategy set.
func NewSet() *Set {
	return &Set{}
}

// For returns the strategy for m.
func (v *Set) For(m model.Method) (Strategy, error) {
	switch m {
	case model.MethodToken:
		return v.token, nil
	case model.MethodGeofence:
		return v.geofence, nil
	case model.MethodNetwork:
		return v.network, nil
	}
	return nil, fmt.Errorf("unknown verification method %q", m)
}

// Verify runs the strategy the session is configured for. Evidence tagged
// with a different method is rejected before any strategy runs.
func (v *Set) Verify(s *model.Session, ev model.Evidence, now time.Time) (model.MethodMatch, error) {
	if ev.Method != "" && ev.Method != s.Method {
		return model.MethodMatch{}, model.NewError(model.KindMethodMismatch,
			fmt.Sprintf("session %s accepts %s, got %s", s.ID, s.Method, ev.Method))
	}
	strategy, err := v.For(s.Method)
	if err != nil {
		return model.MethodMatch{}, err
	}
	return strategy.Verify(s, ev, now)
}
