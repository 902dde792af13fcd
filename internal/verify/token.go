package verify

import (
	"crypto/subtle"
	"time"

	"classattend/internal/model"
)

// Token accepts the session's current, unexpired rotating token.
type Token struct{}

func (Token) Method() model.Method { return model.MethodToken }

func (Token) Verify(s *model.Session, ev model.Evidence, now time.Time) (model.MethodMatch, error) {
	if ev.Token == "" {
		return model.MethodMatch{}, model.NewError(model.KindTokenMismatch, "no token submitted")
	}
	state := s.Tokens
	if state == nil || state.Current == nil {
		return model.MethodMatch{}, model.NewError(model.KindTokenMismatch, "session has no token issued")
	}

	if equal(state.Current.Value, ev.Token) {
		if !state.Current.ValidAt(now) {
			return model.MethodMatch{}, model.NewError(model.KindTokenExpired, "token expired")
		}
		return model.MethodMatch{
			Method:   model.MethodToken,
			Snapshot: model.Snapshot{Token: ev.Token},
		}, nil
	}

	for _, old := range state.Superseded {
		if equal(old.Value, ev.Token) {
			return model.MethodMatch{}, model.NewError(model.KindTokenExpired, "token superseded")
		}
	}
	return model.MethodMatch{}, model.NewError(model.KindTokenMismatch, "token does not belong to session")
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
