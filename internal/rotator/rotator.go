// Package rotator issues the short-lived tokens token sessions check in with.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/window"
)

// Rotator replaces the token of every running token session once per
// interval. It is the only writer of token state.
type Rotator struct {
	catalog  attendance.SessionCatalog
	tokens   attendance.TokenStore
	policy   window.Policy
	interval time.Duration
	loc      *time.Location
	log      *zap.Logger
	metrics  *metrics.Metrics

	// Now and NewValue are replaceable in tests.
	Now      func() time.Time
	NewValue func() string
}

type Config struct {
	Interval time.Duration
	Policy   window.Policy
	Zone     *time.Location
}

func New(catalog attendance.SessionCatalog, tokens attendance.TokenStore, cfg Config, log *zap.Logger, m *metrics.Metrics) *Rotator {
	if cfg.Zone == nil {
		cfg.Zone = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Rotator{
		catalog:  catalog,
		tokens:   tokens,
		policy:   cfg.Policy,
		interval: cfg.Interval,
		loc:      cfg.Zone,
		log:      log.With(zap.String("service", "rotator")),
		metrics:  m,
		Now:      time.Now,
		NewValue: uuid.NewString,
	}
}

// Interval is the lifetime of each issued token.
func (r *Rotator) Interval() time.Duration { return r.interval }

// Rotate issues a fresh token for session at now. The new token never
// repeats the current value and is issued strictly after it.
func (r *Rotator) Rotate(ctx context.Context, session *model.Session, now time.Time) (model.SessionToken, error) {
	if session.Method != model.MethodToken {
		return model.SessionToken{}, fmt.Errorf("session %s uses %s, not tokens", session.ID, session.Method)
	}
	state, err := r.tokens.TokenState(ctx, session.ID)
	if err != nil {
		return model.SessionToken{}, fmt.Errorf("read token state: %w", err)
	}

	issued := now
	value := r.NewValue()
	if cur := state.Current; cur != nil {
		for value == cur.Value {
			value = r.NewValue()
		}
		if !issued.After(cur.IssuedAt) {
			issued = cur.IssuedAt.Add(time.Nanosecond)
		}
	}
	tok := model.SessionToken{
		SessionID: session.ID,
		Value:     value,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(r.interval),
	}
	if err := r.tokens.Rotate(ctx, tok); err != nil {
		return model.SessionToken{}, err
	}
	r.metrics.IncRotations()
	r.log.Debug("Token rotated",
		zap.String("session_id", session.ID),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// Current returns the session's unexpired current token, issuing one when
// there is none.
func (r *Rotator) Current(ctx context.Context, session *model.Session, now time.Time) (model.SessionToken, error) {
	state, err := r.tokens.TokenState(ctx, session.ID)
	if err != nil {
		return model.SessionToken{}, fmt.Errorf("read token state: %w", err)
	}
	if state.Current != nil && state.Current.ValidAt(now) {
		return *state.Current, nil
	}
	return r.Rotate(ctx, session, now)
}

// Audit lists every token issued for a session, oldest first.
func (r *Rotator) Audit(ctx context.Context, sessionID string) ([]model.SessionToken, error) {
	return r.tokens.TokenAudit(ctx, sessionID)
}

// Tick rotates every active token session of the current canonical date
// whose check-in window is running. It returns how many were rotated.
func (r *Rotator) Tick(ctx context.Context) (int, error) {
	now := r.Now()
	date := now.In(r.loc).Format(model.DateLayout)
	sessions, err := r.catalog.ListSessionsForDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("list sessions for %s: %w", date, err)
	}

	var (
		rotated int
		errs    []error
	)
	for i := range sessions {
		s := &sessions[i]
		if s.Method != model.MethodToken || !s.Active {
			continue
		}
		if !r.policy.Evaluate(s, now).Eligible {
			continue
		}
		if _, err := r.Rotate(ctx, s, now); err != nil {
			r.log.Error("Failed to rotate token", zap.Error(err), zap.String("session_id", s.ID))
			errs = append(errs, err)
			continue
		}
		rotated++
	}
	return rotated, errors.Join(errs...)
}

// Run calls Tick every interval until ctx is done.
func (r *Rotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("Rotator started", zap.Duration("interval", r.interval))
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("Rotation tick incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("Rotator stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
