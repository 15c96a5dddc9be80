// Package notify turns freshly stored reviews into queued chat tasks, one
// per (review, active subscriber) pair.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aqniet/reviews-radar/internal/queue"
	"github.com/aqniet/reviews-radar/internal/store"
)

// reviewSource is the store slice the dispatcher needs.
type reviewSource interface {
	ListUnsentReviews(ctx context.Context, limit int) ([]store.Review, error)
	ActiveSubscriberIDs(ctx context.Context, branchID string) ([]string, error)
	MarkReviewSent(ctx context.Context, reviewID string) (bool, error)
}

// enqueuer is the queue slice the dispatcher needs.
type enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// invalidator drops cache entries made stale by the dispatch flag flip.
type invalidator interface {
	InvalidateBranch(ctx context.Context, branchID string)
}

// Dispatcher drains unsent reviews in bounded batches. Safe to invoke
// concurrently: the sent flag flip is the fence, and pre-flip double
// enqueues are accepted at-least-once behavior.
type Dispatcher struct {
	store     reviewSource
	queue     enqueuer
	cache     invalidator
	logger    *slog.Logger
	batchSize int
}

func NewDispatcher(src reviewSource, q enqueuer, cache invalidator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: src, queue: q, cache: cache, logger: logger, batchSize: 200}
}

// Dispatch fans out every unsent review to the branch's active subscribers,
// flipping the sent flag per review after its tasks are enqueued. Returns
// the number of tasks enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	reviews, err := d.store.ListUnsentReviews(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unsent reviews: %w", err)
	}
	if len(reviews) == 0 {
		return 0, nil
	}

	// Group by branch so subscriber lookups happen once per branch.
	byBranch := make(map[string][]store.Review)
	var branchOrder []string
	for _, r := range reviews {
		if _, seen := byBranch[r.BranchID]; !seen {
			branchOrder = append(branchOrder, r.BranchID)
		}
		byBranch[r.BranchID] = append(byBranch[r.BranchID], r)
	}

	enqueued := 0
	for _, branchID := range branchOrder {
		subscribers, err := d.store.ActiveSubscriberIDs(ctx, branchID)
		if err != nil {
			d.logger.Error("subscriber lookup failed, skipping branch", "branch_id", branchID, "error", err)
			continue
		}
		flipped := 0
		for _, review := range byBranch[branchID] {
			n, err := d.dispatchReview(ctx, review, subscribers)
			if err != nil {
				d.logger.Error("review dispatch failed", "review_id", review.ReviewID, "error", err)
				continue
			}
			enqueued += n
			flipped++
		}
		if flipped > 0 {
			d.cache.InvalidateBranch(ctx, branchID)
		}
	}
	d.logger.Info("dispatch complete", "reviews", len(reviews), "tasks_enqueued", enqueued)
	return enqueued, nil
}

// dispatchReview enqueues one task per subscriber, then flips the flag.
// Committing per review keeps a crash mid-batch from re-sending already
// enqueued tasks.
func (d *Dispatcher) dispatchReview(ctx context.Context, review store.Review, subscribers []string) (int, error) {
	text := FormatReview(review, true)
	enqueued := 0
	for _, userID := range subscribers {
		chatID, err := strconv.ParseInt(userID, 10, 64)
		if err != nil {
			d.logger.Warn("subscriber id is not a chat id, skipping", "user_id", userID)
			continue
		}
		task := queue.Task{
			ChatID:   chatID,
			Text:     text,
			Photos:   review.PhotosURLs,
			Priority: queue.PriorityNormal,
		}
		if err := d.queue.Enqueue(ctx, task); err != nil {
			return enqueued, fmt.Errorf("enqueue for %s: %w", userID, err)
		}
		enqueued++
	}
	if _, err := d.store.MarkReviewSent(ctx, review.ReviewID); err != nil {
		return enqueued, err
	}
	return enqueued, nil
}
