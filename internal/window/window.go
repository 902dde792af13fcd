// Package window decides where an instant falls relative to a session's
// check-in window.
package window

import (
	"time"

	"classattend/internal/model"
)

// Phase is the position of an instant relative to a session window.
type Phase string

const (
	PhaseTooEarly Phase = "too-early"
	PhaseOpen     Phase = "open"
	PhaseLate     Phase = "late"
	PhaseClosed   Phase = "closed"
)

// Result is the evaluator's answer.
type Result struct {
	Eligible bool
	Phase    Phase
}

// Status maps an eligible phase to the attendance status it earns.
func (r Result) Status() (model.Status, bool) {
	switch r.Phase {
	case PhaseOpen:
		return model.StatusPresent, true
	case PhaseLate:
		return model.StatusLate, true
	}
	return "", false
}

// Policy holds the window offsets. Both are measured from session start.
type Policy struct {
	GraceBefore time.Duration
	LateAfter   time.Duration
}

// DefaultPolicy opens 5 minutes early and turns late 15 minutes in.
func DefaultPolicy() Policy {
	return Policy{GraceBefore: 5 * time.Minute, LateAfter: 15 * time.Minute}
}

// Evaluate places now in the window of s:
//
//	[start-grace, start+late) open
//	[start+late, end)         late
//	before start-grace        too-early
//	at or after end           closed
//
// An explicit close of the session also yields closed.
func (p Policy) Evaluate(s *model.Session, now time.Time) Result {
	opens := s.StartsAt.Add(-p.GraceBefore)
	lateFrom := s.StartsAt.Add(p.LateAfter)
	if lateFrom.After(s.EndsAt) {
		lateFrom = s.EndsAt
	}

	switch {
	case s.Closed(now):
		return Result{Phase: PhaseClosed}
	case now.Before(opens):
		return Result{Phase: PhaseTooEarly}
	case now.Before(lateFrom):
		return Result{Eligible: true, Phase: PhaseOpen}
	default:
		return Result{Eligible: true, Phase: PhaseLate}
	}
}
