package store

import (
	"context"
	"fmt"
	"time"
)

// Subscriber is a chat-platform user. Touched on every /start.
type Subscriber struct {
	UserID       string  `json:"user_id"`
	Username     *string `json:"username"`
	FirstName    *string `json:"first_name"`
	LastName     *string `json:"last_name"`
	LanguageCode *string `json:"language_code"`
	IsActive     bool    `json:"is_active"`
}

// Subscription links a subscriber to a branch. Deactivation is soft so
// reactivation preserves row identity.
type Subscription struct {
	UserID     string    `json:"user_id"`
	BranchID   string    `json:"branch_id"`
	BranchName string    `json:"branch_name"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BranchRef is the (id, name) pair the bot confirms a subscription against.
type BranchRef struct {
	BranchID   string
	BranchName string
}

// UpsertSubscriber creates or refreshes the user row.
func (s *Store) UpsertSubscriber(ctx context.Context, u Subscriber) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO telegram_users (user_id, username, first_name, last_name, language_code, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			language_code = EXCLUDED.language_code,
			is_active = TRUE,
			updated_at = now()`,
		u.UserID, u.Username, u.FirstName, u.LastName, u.LanguageCode)
	if err != nil {
		return fmt.Errorf("upsert subscriber %s: %w", u.UserID, err)
	}
	return nil
}

// ActiveSubscriptions lists the user's active branch subscriptions.
func (s *Store) ActiveSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, branch_id, branch_name, is_active, created_at, updated_at
		FROM telegram_subscriptions
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY branch_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("active subscriptions: %w", err)
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.UserID, &sub.BranchID, &sub.BranchName, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ActiveSubscriberIDs lists user ids with an active subscription to the
// branch, for notification fan-out.
func (s *Store) ActiveSubscriberIDs(ctx context.Context, branchID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts.user_id
		FROM telegram_subscriptions ts
		JOIN telegram_users tu ON tu.user_id = ts.user_id
		WHERE ts.branch_id = $1 AND ts.is_active = TRUE AND tu.is_active = TRUE`, branchID)
	if err != nil {
		return nil, fmt.Errorf("subscribers for branch: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReconcileSubscriptions makes the user's active set equal exactly chosen:
// dropped rows are soft-deactivated, previously inactive chosen rows are
// reactivated in place, new choices are inserted.
func (s *Store) ReconcileSubscriptions(ctx context.Context, userID string, chosen []BranchRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT branch_id, is_active FROM telegram_subscriptions
		WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var branchID string
		var active bool
		if err := rows.Scan(&branchID, &active); err != nil {
			rows.Close()
			return err
		}
		existing[branchID] = active
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	chosenSet := make(map[string]BranchRef, len(chosen))
	for _, ref := range chosen {
		chosenSet[ref.BranchID] = ref
	}

	for branchID, active := range existing {
		if _, keep := chosenSet[branchID]; !keep && active {
			if _, err := tx.Exec(ctx, `
				UPDATE telegram_subscriptions SET is_active = FALSE, updated_at = now()
				WHERE user_id = $1 AND branch_id = $2`, userID, branchID); err != nil {
				return fmt.Errorf("deactivate subscription: %w", err)
			}
		}
	}
	for branchID, ref := range chosenSet {
		if active, known := existing[branchID]; known {
			if !active {
				if _, err := tx.Exec(ctx, `
					UPDATE telegram_subscriptions SET is_active = TRUE, branch_name = $3, updated_at = now()
					WHERE user_id = $1 AND branch_id = $2`, userID, branchID, ref.BranchName); err != nil {
					return fmt.Errorf("reactivate subscription: %w", err)
				}
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO telegram_subscriptions (user_id, branch_id, branch_name, is_active)
			VALUES ($1, $2, $3, TRUE)`, userID, branchID, ref.BranchName); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reconcile tx: %w", err)
	}
	return nil
}

// DeactivateAllSubscriptions soft-deactivates every active row for the user.
// Returns the number of rows flipped.
func (s *Store) DeactivateAllSubscriptions(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE telegram_subscriptions SET is_active = FALSE, updated_at = now()
		WHERE user_id = $1 AND is_active = TRUE`, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate all subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}
