package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"classattend/internal/model"
)

const rotateRetries = 5

// RedisTokens keeps each session's TokenState as one JSON value so readers
// see current and superseded tokens together. Every issued token is also
// appended to a per-session audit list.
type RedisTokens struct {
	r       *Redis
	history int
}

func NewRedisTokens(r *Redis, history int) *RedisTokens {
	if history < 0 {
		history = 0
	}
	return &RedisTokens{r: r, history: history}
}

func (t *RedisTokens) stateKey(sessionID string) string { return t.r.Key("token", sessionID) }
func (t *RedisTokens) auditKey(sessionID string) string { return t.r.Key("token", sessionID, "audit") }

func (t *RedisTokens) TokenState(ctx context.Context, sessionID string) (model.TokenState, error) {
	raw, err := t.r.Client.Get(ctx, t.stateKey(sessionID)).Bytes()
	return decodeState(raw, err)
}

func decodeState(raw []byte, err error) (model.TokenState, error) {
	if errors.Is(err, redis.Nil) {
		return model.TokenState{}, nil
	}
	if err != nil {
		return model.TokenState{}, fmt.Errorf("read token state: %w", err)
	}
	var state model.TokenState
	if err := json.Unmarshal(raw, &state); err != nil {
		return model.TokenState{}, fmt.Errorf("decode token state: %w", err)
	}
	return state, nil
}

// Rotate updates the state under WATCH so concurrent rotations of one
// session cannot interleave.
func (t *RedisTokens) Rotate(ctx context.Context, tok model.SessionToken) error {
	if tok.SessionID == "" {
		return errTokenSession
	}
	key := t.stateKey(tok.SessionID)
	entry, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		state, err := decodeState(tx.Get(ctx, key).Bytes())
		if err != nil {
			return err
		}
		data, err := json.Marshal(advance(state, tok, t.history))
		if err != nil {
			return fmt.Errorf("encode token state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.RPush(ctx, t.auditKey(tok.SessionID), entry)
			return nil
		})
		return err
	}

	for i := 0; i < rotateRetries; i++ {
		err := t.r.Client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("rotate token: %w", err)
		}
		return nil
	}
	return fmt.Errorf("rotate token %s: too much contention", tok.SessionID)
}

func (t *RedisTokens) TokenAudit(ctx context.Context, sessionID string) ([]model.SessionToken, error) {
	raws, err := t.r.Client.LRange(ctx, t.auditKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read token audit: %w", err)
	}
	out := make([]model.SessionToken, 0, len(raws))
	for _, raw := range raws {
		var tok model.SessionToken
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return nil, fmt.Errorf("decode token audit: %w", err)
		}
		out = append(out, tok)
	}
	return out, nil
}
