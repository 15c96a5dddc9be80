package store

import (
	"context"
	"fmt"
	"time"
)

// BranchStats aggregates one branch. Null-rating rows count toward
// TotalReviews but are excluded from the mean and the histogram.
type BranchStats struct {
	BranchID        string         `json:"branch_id"`
	BranchName      string         `json:"branch_name"`
	TotalReviews    int64          `json:"total_reviews"`
	AverageRating   *float64       `json:"average_rating"`
	RatingHistogram map[string]int `json:"rating_distribution"`
	VerifiedCount   int64          `json:"verified_count"`
	LastReviewDate  *time.Time     `json:"last_review_date"`
}

// GlobalStats aggregates the whole store.
type GlobalStats struct {
	TotalReviews    int64          `json:"total_reviews"`
	TotalBranches   int64          `json:"total_branches"`
	AverageRating   *float64       `json:"average_rating"`
	RatingHistogram map[string]int `json:"rating_distribution"`
	ReviewsByMonth  map[string]int `json:"reviews_by_month"`
}

// DayStat is one day in the recent-activity window.
type DayStat struct {
	Date          string   `json:"date"`
	ReviewCount   int64    `json:"review_count"`
	AverageRating *float64 `json:"average_rating"`
}

func emptyHistogram() map[string]int {
	return map[string]int{"1": 0, "2": 0, "3": 0, "4": 0, "5": 0}
}

// BranchStats computes per-branch aggregates.
func (s *Store) BranchStats(ctx context.Context, branchID string) (BranchStats, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return BranchStats{}, err
	}
	stats := BranchStats{
		BranchID:        branch.BranchID,
		BranchName:      branch.BranchName,
		RatingHistogram: emptyHistogram(),
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			AVG(rating) FILTER (WHERE rating IS NOT NULL),
			COUNT(*) FILTER (WHERE is_verified),
			MAX(date_created)
		FROM reviews WHERE branch_id = $1`, branchID).
		Scan(&stats.TotalReviews, &stats.AverageRating, &stats.VerifiedCount, &stats.LastReviewDate)
	if err != nil {
		return BranchStats{}, fmt.Errorf("branch stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT rating, COUNT(*) FROM reviews
		WHERE branch_id = $1 AND rating BETWEEN 1 AND 5
		GROUP BY rating`, branchID)
	if err != nil {
		return BranchStats{}, fmt.Errorf("branch histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rating, count int
		if err := rows.Scan(&rating, &count); err != nil {
			return BranchStats{}, err
		}
		stats.RatingHistogram[fmt.Sprintf("%d", rating)] = count
	}
	return stats, rows.Err()
}

// GlobalStats computes store-wide totals plus a 12-month window keyed YYYY-MM.
func (s *Store) GlobalStats(ctx context.Context) (GlobalStats, error) {
	stats := GlobalStats{
		RatingHistogram: emptyHistogram(),
		ReviewsByMonth:  map[string]int{},
	}
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM reviews),
			(SELECT COUNT(*) FROM branches),
			(SELECT AVG(rating) FROM reviews WHERE rating IS NOT NULL)`).
		Scan(&stats.TotalReviews, &stats.TotalBranches, &stats.AverageRating)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("global stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT rating, COUNT(*) FROM reviews
		WHERE rating BETWEEN 1 AND 5 GROUP BY rating`)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("global histogram: %w", err)
	}
	for rows.Next() {
		var rating, count int
		if err := rows.Scan(&rating, &count); err != nil {
			rows.Close()
			return GlobalStats{}, err
		}
		stats.RatingHistogram[fmt.Sprintf("%d", rating)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return GlobalStats{}, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT to_char(date_trunc('month', date_created), 'YYYY-MM') AS month, COUNT(*)
		FROM reviews
		WHERE date_created >= date_trunc('month', now()) - INTERVAL '11 months'
		GROUP BY month ORDER BY month`)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("reviews by month: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var month string
		var count int
		if err := rows.Scan(&month, &count); err != nil {
			return GlobalStats{}, err
		}
		stats.ReviewsByMonth[month] = count
	}
	return stats, rows.Err()
}

// RecentStats returns per-day counts and mean rating for the last days days.
func (s *Store) RecentStats(ctx context.Context, days int) ([]DayStat, error) {
	if days < 1 {
		days = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(date_created::date, 'YYYY-MM-DD') AS day,
			COUNT(*),
			AVG(rating) FILTER (WHERE rating IS NOT NULL)
		FROM reviews
		WHERE date_created >= now() - make_interval(days => $1)
		GROUP BY day ORDER BY day DESC`, days)
	if err != nil {
		return nil, fmt.Errorf("recent stats: %w", err)
	}
	defer rows.Close()
	var out []DayStat
	for rows.Next() {
		var d DayStat
		if err := rows.Scan(&d.Date, &d.ReviewCount, &d.AverageRating); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
