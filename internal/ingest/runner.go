// Package ingest drives periodic incremental parse runs over the roster and
// reconciles the stored branch set against it.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/aqniet/reviews-radar/internal/otel"
	"github.com/aqniet/reviews-radar/internal/roster"
	"github.com/aqniet/reviews-radar/internal/store"
	"github.com/aqniet/reviews-radar/internal/upstream"
)

// rosterSource is the branch registry slice the runner needs.
type rosterSource interface {
	ListBranches(ctx context.Context) ([]roster.Branch, error)
}

// fetcher is the upstream client slice the runner needs.
type fetcher interface {
	FetchAll(ctx context.Context, branchID, branchName string) ([]upstream.Review, error)
}

// ingestStore is the store slice the runner and synchronizer need.
type ingestStore interface {
	ListExistingReviewIDs(ctx context.Context, branchID string) (map[string]struct{}, error)
	InsertReviewsIgnoringDuplicates(ctx context.Context, branchID, branchName string, reviews []upstream.Review) (int, error)
	InsertParseReport(ctx context.Context, r store.ParseReport) error
	UpsertBranch(ctx context.Context, b store.Branch) (store.UpsertOutcome, error)
}

// dispatcher triggers notification fan-out after new reviews land.
type dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

// cacheInvalidator drops read-path cache entries.
type cacheInvalidator interface {
	InvalidateBranch(ctx context.Context, branchID string)
	InvalidateAll(ctx context.Context) int
}

// Config holds the dependencies for the ingestion runner.
type Config struct {
	Roster     rosterSource
	Fetcher    fetcher
	Store      ingestStore
	Cache      cacheInvalidator
	Dispatcher dispatcher
	Logger     *slog.Logger
	Tracer     trace.Tracer
	// Workers bounds branch-level parallelism. Default 1.
	Workers int
	// BranchDelay is the politeness pause after each branch. Default 2s.
	BranchDelay time.Duration
}

// Runner executes one incremental parse over all roster branches.
type Runner struct {
	roster      rosterSource
	fetcher     fetcher
	store       ingestStore
	cache       cacheInvalidator
	dispatcher  dispatcher
	logger      *slog.Logger
	tracer      trace.Tracer
	workers     int
	branchDelay time.Duration
}

func NewRunner(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Workers > 4 {
		cfg.Workers = 4
	}
	if cfg.BranchDelay < 0 {
		cfg.BranchDelay = 2 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	return &Runner{
		roster:      cfg.Roster,
		fetcher:     cfg.Fetcher,
		store:       cfg.Store,
		cache:       cfg.Cache,
		dispatcher:  cfg.Dispatcher,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		workers:     cfg.Workers,
		branchDelay: cfg.BranchDelay,
	}
}

type branchFailure struct {
	BranchID   string `json:"branch_id"`
	BranchName string `json:"branch_name"`
	Error      string `json:"error"`
}

type branchResult struct {
	branch roster.Branch
	seen   int
	added  int
	err    error
}

// RunOnce performs a full incremental parse: every roster branch is fetched,
// diffed against the store and appended. Branch failures never abort the
// run; they are captured in the report. Returns the recorded report.
func (r *Runner) RunOnce(ctx context.Context) (store.ParseReport, error) {
	ctx, span := otelPkg.StartSpan(ctx, r.tracer, "ingest.run")
	defer span.End()

	started := time.Now()
	branches, err := r.roster.ListBranches(ctx)
	if err != nil {
		return store.ParseReport{}, err
	}
	r.logger.Info("parse run started", "branches", len(branches), "workers", r.workers)

	jobs := make(chan roster.Branch)
	results := make(chan branchResult)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				seen, added, err := r.parseBranch(ctx, b)
				results <- branchResult{branch: b, seen: seen, added: added, err: err}
				if r.branchDelay > 0 {
					select {
					case <-ctx.Done():
					case <-time.After(r.branchDelay):
					}
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, b := range branches {
			select {
			case <-ctx.Done():
				return
			case jobs <- b:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	report := store.ParseReport{ParseDate: started.UTC(), TotalBranches: len(branches)}
	var failures []branchFailure
	var touched []string
	for res := range results {
		if res.err != nil {
			report.FailedBranches++
			failures = append(failures, branchFailure{
				BranchID:   res.branch.TwoGISID,
				BranchName: res.branch.Name,
				Error:      res.err.Error(),
			})
			r.logger.Error("branch parse failed", "branch_id", res.branch.TwoGISID, "branch_name", res.branch.Name, "error", res.err)
			continue
		}
		report.SuccessfulBranches++
		report.TotalReviews += res.seen
		report.NewReviews += res.added
		if res.added > 0 {
			touched = append(touched, res.branch.TwoGISID)
		}
	}
	report.DurationSeconds = time.Since(started).Seconds()
	span.SetAttributes(otelPkg.AttrNewReviews.Int(report.NewReviews))
	if len(failures) > 0 {
		if raw, err := json.Marshal(failures); err == nil {
			report.Errors = string(raw)
		}
	}

	if err := r.store.InsertParseReport(ctx, report); err != nil {
		r.logger.Error("parse report write failed", "error", err)
	}

	for _, branchID := range touched {
		r.cache.InvalidateBranch(ctx, branchID)
	}
	if report.NewReviews > 0 && r.dispatcher != nil {
		if _, err := r.dispatcher.Dispatch(ctx); err != nil {
			r.logger.Error("notification dispatch failed", "error", err)
		}
	}

	r.logger.Info("parse run finished",
		"duration", time.Since(started).String(),
		"successful", report.SuccessfulBranches,
		"failed", report.FailedBranches,
		"total_reviews", report.TotalReviews,
		"new_reviews", report.NewReviews,
	)
	return report, nil
}

// parseBranch ingests one branch: prune against known ids, append the rest.
func (r *Runner) parseBranch(ctx context.Context, b roster.Branch) (seen, added int, err error) {
	existing, err := r.store.ListExistingReviewIDs(ctx, b.TwoGISID)
	if err != nil {
		return 0, 0, err
	}
	all, err := r.fetcher.FetchAll(ctx, b.TwoGISID, b.Name)
	if err != nil {
		return 0, 0, err
	}
	var fresh []upstream.Review
	for _, rv := range all {
		if rv.ReviewID == "" {
			continue
		}
		if _, known := existing[rv.ReviewID]; known {
			continue
		}
		fresh = append(fresh, rv)
	}
	added, err = r.store.InsertReviewsIgnoringDuplicates(ctx, b.TwoGISID, b.Name, fresh)
	if err != nil {
		return len(all), 0, err
	}
	return len(all), added, nil
}
