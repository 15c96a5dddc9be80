package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Branch is a persisted branch row. BranchID is the upstream identifier.
type Branch struct {
	BranchID   string    `json:"branch_id"`
	BranchName string    `json:"branch_name"`
	City       *string   `json:"city"`
	Address    *string   `json:"address"`
	SteadyID   *string   `json:"id_steady"`
	IikoID     *string   `json:"id_iiko"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BranchSummary is a branch with read-path aggregates.
type BranchSummary struct {
	Branch
	TotalReviews  int64    `json:"total_reviews"`
	AverageRating *float64 `json:"average_rating"`
}

// UpsertOutcome tells the registry synchronizer what happened.
type UpsertOutcome int

const (
	BranchUnchanged UpsertOutcome = iota
	BranchCreated
	BranchUpdated
)

// UpsertBranch inserts a new branch or refreshes display fields of an
// existing one. Branches are never deleted.
func (s *Store) UpsertBranch(ctx context.Context, b Branch) (UpsertOutcome, error) {
	existing, err := s.GetBranch(ctx, b.BranchID)
	if errors.Is(err, ErrNotFound) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO branches (branch_id, branch_name, city, address, id_steady, id_iiko)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			b.BranchID, b.BranchName, b.City, b.Address, b.SteadyID, b.IikoID)
		if err != nil {
			return BranchUnchanged, fmt.Errorf("insert branch %s: %w", b.BranchID, err)
		}
		return BranchCreated, nil
	}
	if err != nil {
		return BranchUnchanged, err
	}

	if existing.BranchName == b.BranchName &&
		strPtrEq(existing.City, b.City) && strPtrEq(existing.Address, b.Address) &&
		strPtrEq(existing.SteadyID, b.SteadyID) && strPtrEq(existing.IikoID, b.IikoID) {
		return BranchUnchanged, nil
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE branches SET branch_name = $2, city = $3, address = $4,
			id_steady = $5, id_iiko = $6, updated_at = now()
		WHERE branch_id = $1`,
		b.BranchID, b.BranchName, b.City, b.Address, b.SteadyID, b.IikoID)
	if err != nil {
		return BranchUnchanged, fmt.Errorf("update branch %s: %w", b.BranchID, err)
	}
	// Keep the denormalized branch_name on reviews in step.
	if existing.BranchName != b.BranchName {
		if _, err := s.pool.Exec(ctx,
			`UPDATE reviews SET branch_name = $2 WHERE branch_id = $1`, b.BranchID, b.BranchName); err != nil {
			return BranchUpdated, fmt.Errorf("refresh review branch_name: %w", err)
		}
	}
	return BranchUpdated, nil
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

const branchColumns = `branch_id, branch_name, city, address, id_steady, id_iiko, created_at, updated_at`

// GetBranch fetches one branch by upstream id.
func (s *Store) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	var b Branch
	err := s.pool.QueryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE branch_id = $1`, branchID).
		Scan(&b.BranchID, &b.BranchName, &b.City, &b.Address, &b.SteadyID, &b.IikoID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get branch: %w", err)
	}
	return b, nil
}

// ListBranches returns branches with review aggregates, optionally filtered
// by city.
func (s *Store) ListBranches(ctx context.Context, city string, skip, limit int) ([]BranchSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT b.branch_id, b.branch_name, b.city, b.address, b.id_steady, b.id_iiko,
			b.created_at, b.updated_at,
			COUNT(r.review_id) AS total_reviews,
			AVG(r.rating) FILTER (WHERE r.rating IS NOT NULL) AS average_rating
		FROM branches b
		LEFT JOIN reviews r ON r.branch_id = b.branch_id`
	var args []any
	if city != "" {
		args = append(args, city)
		query += ` WHERE b.city = $1`
	}
	query += ` GROUP BY b.id ORDER BY b.branch_name`
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, skip)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()
	var out []BranchSummary
	for rows.Next() {
		var b BranchSummary
		if err := rows.Scan(&b.BranchID, &b.BranchName, &b.City, &b.Address, &b.SteadyID, &b.IikoID,
			&b.CreatedAt, &b.UpdatedAt, &b.TotalReviews, &b.AverageRating); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBranchIDs returns every stored upstream branch id.
func (s *Store) ListBranchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT branch_id FROM branches ORDER BY branch_id`)
	if err != nil {
		return nil, fmt.Errorf("list branch ids: %w", err)
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

// BranchByIikoID resolves the cross-system iiko alias.
func (s *Store) BranchByIikoID(ctx context.Context, iikoID string) (Branch, error) {
	var b Branch
	err := s.pool.QueryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE id_iiko = $1`, iikoID).
		Scan(&b.BranchID, &b.BranchName, &b.City, &b.Address, &b.SteadyID, &b.IikoID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("branch by iiko id: %w", err)
	}
	return b, nil
}

// CountBranches reports the branch row count for health output.
func (s *Store) CountBranches(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM branches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count branches: %w", err)
	}
	return n, nil
}
