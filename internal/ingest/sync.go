package ingest

import (
	"context"
	"fmt"

	"github.com/aqniet/reviews-radar/internal/roster"
	"github.com/aqniet/reviews-radar/internal/store"
)

// SyncReport summarizes one reconcile of the stored branch set against the
// roster.
type SyncReport struct {
	Created    int
	Updated    int
	NewReviews int
}

// SyncBranches reconciles the store with the roster: new roster entries are
// inserted and immediately fully parsed so their backfill flows through the
// usual dispatch path; changed display fields are updated; branches missing
// from the roster are left intact.
func (r *Runner) SyncBranches(ctx context.Context) (SyncReport, error) {
	branches, err := r.roster.ListBranches(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("load roster: %w", err)
	}

	var report SyncReport
	changed := false
	for _, b := range branches {
		outcome, err := r.store.UpsertBranch(ctx, toStoreBranch(b))
		if err != nil {
			r.logger.Error("branch upsert failed", "branch_id", b.TwoGISID, "error", err)
			continue
		}
		switch outcome {
		case store.BranchCreated:
			report.Created++
			changed = true
			r.logger.Info("new branch discovered, running initial parse", "branch_id", b.TwoGISID, "branch_name", b.Name)
			seen, added, err := r.parseBranch(ctx, b)
			if err != nil {
				r.logger.Error("initial parse failed", "branch_id", b.TwoGISID, "error", err)
				continue
			}
			report.NewReviews += added
			r.logger.Info("initial parse finished", "branch_id", b.TwoGISID, "seen", seen, "new", added)
			r.cache.InvalidateBranch(ctx, b.TwoGISID)
		case store.BranchUpdated:
			report.Updated++
			changed = true
			r.cache.InvalidateBranch(ctx, b.TwoGISID)
		}
	}

	if changed {
		r.cache.InvalidateAll(ctx)
	}
	if report.NewReviews > 0 && r.dispatcher != nil {
		if _, err := r.dispatcher.Dispatch(ctx); err != nil {
			r.logger.Error("notification dispatch failed", "error", err)
		}
	}
	r.logger.Info("branch sync finished", "created", report.Created, "updated", report.Updated, "new_reviews", report.NewReviews)
	return report, nil
}

func toStoreBranch(b roster.Branch) store.Branch {
	sb := store.Branch{BranchID: b.TwoGISID, BranchName: b.Name}
	if b.SteadyID != "" {
		v := b.SteadyID
		sb.SteadyID = &v
	}
	if b.IikoID != "" {
		v := b.IikoID
		sb.IikoID = &v
	}
	return sb
}
