package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetUserState loads the persisted bot session state for a user.
// Returns ErrNotFound when the user has no state.
func (s *Store) GetUserState(ctx context.Context, userID string, out any) error {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM telegram_user_states WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get user state: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode user state: %w", err)
	}
	return nil
}

// SaveUserState persists the state, last-writer-wins.
func (s *Store) SaveUserState(ctx context.Context, userID string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode user state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO telegram_user_states (user_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		userID, raw)
	if err != nil {
		return fmt.Errorf("save user state: %w", err)
	}
	return nil
}

// ClearUserState removes the user's session state.
func (s *Store) ClearUserState(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM telegram_user_states WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear user state: %w", err)
	}
	return nil
}

// DeleteStatesOlderThan harvests session states not touched within maxAge.
func (s *Store) DeleteStatesOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM telegram_user_states WHERE updated_at < $1`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("delete stale states: %w", err)
	}
	return tag.RowsAffected(), nil
}
