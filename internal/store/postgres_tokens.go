package store

import (
	"context"
	"database/sql"
	"fmt"

	"classattend/internal/model"
)

// PostgresTokens keeps token state in session_tokens. Superseded rows are
// never deleted, so the table doubles as the audit trail.
type PostgresTokens struct {
	db      *sql.DB
	history int
}

func NewPostgresTokens(db *DB, history int) *PostgresTokens {
	if history < 0 {
		history = 0
	}
	return &PostgresTokens{db: db.Client, history: history}
}

// TokenState reads the current token and the newest superseded ones in a
// single statement.
func (t *PostgresTokens) TokenState(ctx context.Context, sessionID string) (model.TokenState, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT session_id, value, issued_at, expires_at, superseded_at IS NULL
		FROM session_tokens
		WHERE session_id = $1
		ORDER BY issued_at DESC
		LIMIT $2
	`, sessionID, t.history+1)
	if err != nil {
		return model.TokenState{}, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var state model.TokenState
	for rows.Next() {
		var (
			tok     model.SessionToken
			current bool
		)
		if err := rows.Scan(&tok.SessionID, &tok.Value, &tok.IssuedAt, &tok.ExpiresAt, &current); err != nil {
			return model.TokenState{}, fmt.Errorf("scan token: %w", err)
		}
		if current && state.Current == nil {
			state.Current = &tok
			continue
		}
		if len(state.Superseded) < t.history {
			state.Superseded = append(state.Superseded, tok)
		}
	}
	return state, rows.Err()
}

// Rotate supersedes the current token and inserts tok in one transaction.
func (t *PostgresTokens) Rotate(ctx context.Context, tok model.SessionToken) error {
	if tok.SessionID == "" {
		return errTokenSession
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE session_tokens SET superseded_at = $2
		WHERE session_id = $1 AND superseded_at IS NULL
	`, tok.SessionID, tok.IssuedAt); err != nil {
		return fmt.Errorf("supersede token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_tokens (value, session_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, tok.Value, tok.SessionID, tok.IssuedAt, tok.ExpiresAt); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate: %w", err)
	}
	return nil
}

func (t *PostgresTokens) TokenAudit(ctx context.Context, sessionID string) ([]model.SessionToken, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT session_id, value, issued_at, expires_at
		FROM session_tokens WHERE session_id = $1
		ORDER BY issued_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query token audit: %w", err)
	}
	defer rows.Close()

	var out []model.SessionToken
	for rows.Next() {
		var tok model.SessionToken
		if err := rows.Scan(&tok.SessionID, &tok.Value, &tok.IssuedAt, &tok.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}
