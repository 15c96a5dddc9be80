package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aqniet/reviews-radar/internal/upstream"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("store: not found")

// Review is a persisted review row.
type Review struct {
	ReviewID       string     `json:"review_id"`
	BranchID       string     `json:"branch_id"`
	BranchName     string     `json:"branch_name"`
	UserName       string     `json:"user_name"`
	Rating         *int       `json:"rating"`
	Text           string     `json:"text"`
	DateCreated    *time.Time `json:"date_created"`
	DateEdited     *time.Time `json:"date_edited"`
	IsVerified     bool       `json:"is_verified"`
	LikesCount     int        `json:"likes_count"`
	CommentsCount  int        `json:"comments_count"`
	PhotosCount    int        `json:"photos_count"`
	PhotosURLs     []string   `json:"photos_urls"`
	SentToTelegram bool       `json:"sent_to_telegram"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ReviewFilter narrows ListReviews.
type ReviewFilter struct {
	BranchID     string
	Rating       *int
	VerifiedOnly bool
	DateFrom     *time.Time
	DateTo       *time.Time
	Search       string
	SortBy       string // date_created | rating | likes_count
	Order        string // asc | desc
	Skip         int
	Limit        int
}

const reviewColumns = `review_id, branch_id, branch_name, user_name, rating, text,
	date_created, date_edited, is_verified, likes_count, comments_count,
	photos_count, photos_urls, sent_to_telegram, created_at`

func scanReview(row pgx.Row) (Review, error) {
	var r Review
	var photos []byte
	err := row.Scan(&r.ReviewID, &r.BranchID, &r.BranchName, &r.UserName, &r.Rating, &r.Text,
		&r.DateCreated, &r.DateEdited, &r.IsVerified, &r.LikesCount, &r.CommentsCount,
		&r.PhotosCount, &photos, &r.SentToTelegram, &r.CreatedAt)
	if err != nil {
		return Review{}, err
	}
	if len(photos) > 0 {
		if err := json.Unmarshal(photos, &r.PhotosURLs); err != nil {
			return Review{}, fmt.Errorf("decode photos_urls for %s: %w", r.ReviewID, err)
		}
	}
	return r, nil
}

func collectReviews(rows pgx.Rows) ([]Review, error) {
	defer rows.Close()
	var out []Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertReviewsIgnoringDuplicates appends reviews whose review_id is not yet
// present. Existing rows are untouched. Returns the number actually inserted.
// Safe under concurrent writers: the unique constraint arbitrates.
func (s *Store) InsertReviewsIgnoringDuplicates(ctx context.Context, branchID, branchName string, reviews []upstream.Review) (int, error) {
	if len(reviews) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, rv := range reviews {
		if rv.ReviewID == "" {
			continue
		}
		photos, err := json.Marshal(urlsOrEmpty(rv.PhotosURLs))
		if err != nil {
			return 0, fmt.Errorf("encode photos_urls: %w", err)
		}
		var dateCreated *time.Time
		if !rv.DateCreated.IsZero() {
			t := rv.DateCreated
			dateCreated = &t
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO reviews (review_id, branch_id, branch_name, user_name, rating, text,
				date_created, date_edited, is_verified, likes_count, comments_count,
				photos_count, photos_urls)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (review_id) DO NOTHING`,
			rv.ReviewID, branchID, branchName, rv.UserName, rv.Rating, rv.Text,
			dateCreated, rv.DateEdited, rv.IsVerified, rv.LikesCount, rv.CommentsCount,
			rv.PhotosCount, photos)
		if err != nil {
			return 0, fmt.Errorf("insert review %s: %w", rv.ReviewID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert tx: %w", err)
	}
	return inserted, nil
}

func urlsOrEmpty(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}

// ListExistingReviewIDs returns the set of known review ids for a branch.
func (s *Store) ListExistingReviewIDs(ctx context.Context, branchID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT review_id FROM reviews WHERE branch_id = $1`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list review ids: %w", err)
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// LatestReviewTimestamp is informational; the scheduler does not diff on it.
func (s *Store) LatestReviewTimestamp(ctx context.Context, branchID string) (*time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(date_created) FROM reviews WHERE branch_id = $1`, branchID).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("latest review timestamp: %w", err)
	}
	return ts, nil
}

// ListUnsentReviews returns reviews not yet dispatched, newest first.
func (s *Store) ListUnsentReviews(ctx context.Context, limit int) ([]Review, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+reviewColumns+`
		FROM reviews WHERE sent_to_telegram = FALSE
		ORDER BY date_created DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsent reviews: %w", err)
	}
	return collectReviews(rows)
}

// MarkReviewSent flips sent_to_telegram for one review. Idempotent: the
// WHERE guard makes a second flip (or a concurrent dispatcher) a no-op.
// Returns whether this call performed the flip.
func (s *Store) MarkReviewSent(ctx context.Context, reviewID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reviews SET sent_to_telegram = TRUE
		WHERE review_id = $1 AND sent_to_telegram = FALSE`, reviewID)
	if err != nil {
		return false, fmt.Errorf("mark review sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetReview fetches a single review by its upstream id.
func (s *Store) GetReview(ctx context.Context, reviewID string) (Review, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE review_id = $1`, reviewID)
	r, err := scanReview(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Review{}, ErrNotFound
	}
	if err != nil {
		return Review{}, fmt.Errorf("get review: %w", err)
	}
	return r, nil
}

// ListReviews applies the filter with sort and pagination.
func (s *Store) ListReviews(ctx context.Context, f ReviewFilter) ([]Review, error) {
	query, args := buildReviewQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	return collectReviews(rows)
}

func buildReviewQuery(f ReviewFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.BranchID != "" {
		conds = append(conds, "branch_id = "+arg(f.BranchID))
	}
	if f.Rating != nil {
		conds = append(conds, "rating = "+arg(*f.Rating))
	}
	if f.VerifiedOnly {
		conds = append(conds, "is_verified = TRUE")
	}
	if f.DateFrom != nil {
		conds = append(conds, "date_created >= "+arg(*f.DateFrom))
	}
	if f.DateTo != nil {
		conds = append(conds, "date_created <= "+arg(*f.DateTo))
	}
	if f.Search != "" {
		conds = append(conds, "text ILIKE "+arg("%"+f.Search+"%"))
	}

	query := `SELECT ` + reviewColumns + ` FROM reviews`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + reviewSortColumn(f.SortBy) + " " + sortOrder(f.Order) + " NULLS LAST"

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if f.Skip > 0 {
		query += " OFFSET " + arg(f.Skip)
	}
	return query, args
}

// LatestBranchReviews returns the newest count reviews for a branch.
func (s *Store) LatestBranchReviews(ctx context.Context, branchID string, count int) ([]Review, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reviewColumns+`
		FROM reviews WHERE branch_id = $1
		ORDER BY date_created DESC NULLS LAST LIMIT $2`, branchID, count)
	if err != nil {
		return nil, fmt.Errorf("latest branch reviews: %w", err)
	}
	return collectReviews(rows)
}

// CountReviews reports the total row count for health output.
func (s *Store) CountReviews(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reviews`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reviews: %w", err)
	}
	return n, nil
}

// reviewSortColumn whitelists sortable columns; anything else falls back to
// date_created.
func reviewSortColumn(v string) string {
	switch v {
	case "rating", "likes_count", "date_created":
		return v
	default:
		return "date_created"
	}
}

func sortOrder(v string) string {
	if strings.EqualFold(v, "asc") {
		return "ASC"
	}
	return "DESC"
}
