package store

import (
	"errors"

	"classattend/internal/model"
)

var errTokenSession = errors.New("token has no session id")

// advance makes tok current and pushes the previous current token onto the
// superseded list, keeping at most history entries.
func advance(state model.TokenState, tok model.SessionToken, history int) model.TokenState {
	next := model.TokenState{Current: &tok}
	if state.Current != nil {
		next.Superseded = append(next.Superseded, *state.Current)
	}
	next.Superseded = append(next.Superseded, state.Superseded...)
	if history < 0 {
		history = 0
	}
	if len(next.Superseded) > history {
		next.Superseded = next.Superseded[:history]
	}
	if len(next.Superseded) == 0 {
		next.Superseded = nil
	}
	return next
}

func cloneState(state model.TokenState) model.TokenState {
	out := model.TokenState{}
	if state.Current != nil {
		cur := *state.Current
		out.Current = &cur
	}
	if len(state.Superseded) > 0 {
		out.Superseded = append([]model.SessionToken(nil), state.Superseded...)
	}
	return out
}
