package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ParseReport summarizes one ingestion run. Append-only.
type ParseReport struct {
	ParseDate          time.Time `json:"parse_date"`
	TotalBranches      int       `json:"total_branches"`
	SuccessfulBranches int       `json:"successful_branches"`
	FailedBranches     int       `json:"failed_branches"`
	TotalReviews       int       `json:"total_reviews"`
	NewReviews         int       `json:"new_reviews"`
	UpdatedReviews     int       `json:"updated_reviews"`
	DurationSeconds    float64   `json:"duration_seconds"`
	Errors             string    `json:"errors,omitempty"`
}

// InsertParseReport records the outcome of one scheduler tick.
func (s *Store) InsertParseReport(ctx context.Context, r ParseReport) error {
	if r.ParseDate.IsZero() {
		r.ParseDate = time.Now().UTC()
	}
	var errs *string
	if r.Errors != "" {
		errs = &r.Errors
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO parse_reports (parse_date, total_branches, successful_branches,
			failed_branches, total_reviews, new_reviews, updated_reviews,
			duration_seconds, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ParseDate, r.TotalBranches, r.SuccessfulBranches, r.FailedBranches,
		r.TotalReviews, r.NewReviews, r.UpdatedReviews, r.DurationSeconds, errs)
	if err != nil {
		return fmt.Errorf("insert parse report: %w", err)
	}
	return nil
}

// LatestParseReport returns the most recent run summary, or ErrNotFound.
func (s *Store) LatestParseReport(ctx context.Context) (ParseReport, error) {
	var r ParseReport
	var errs *string
	err := s.pool.QueryRow(ctx, `
		SELECT parse_date, total_branches, successful_branches, failed_branches,
			total_reviews, new_reviews, updated_reviews, duration_seconds, errors
		FROM parse_reports ORDER BY parse_date DESC LIMIT 1`).
		Scan(&r.ParseDate, &r.TotalBranches, &r.SuccessfulBranches, &r.FailedBranches,
			&r.TotalReviews, &r.NewReviews, &r.UpdatedReviews, &r.DurationSeconds, &errs)
	if errors.Is(err, pgx.ErrNoRows) {
		return ParseReport{}, ErrNotFound
	}
	if err != nil {
		return ParseReport{}, fmt.Errorf("latest parse report: %w", err)
	}
	if errs != nil {
		r.Errors = *errs
	}
	return r, nil
}
