// Package queue is the persistent notification queue: a Redis stream with a
// consumer group, a global dispatch rate limit and bounded retries. One task
// is one chat message.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/aqniet/reviews-radar/internal/otel"
)

const (
	// StreamName is the single queue both lanes drain.
	StreamName = "telegram_notifications"
	// retryLane holds tasks waiting for their backoff, scored by ready-time.
	retryLane = StreamName + ":retry"
	// consumerGroup is the stream consumer group for the workers.
	consumerGroup = "notifiers"

	// claimIdle is how long a pending entry may sit with a dead consumer
	// before another worker claims it.
	claimIdle = 60 * time.Second

	baseRetryDelay = 60 * time.Second

	PriorityNormal = "normal"
	PriorityHigh   = "high"

	maxAttemptsNormal = 3
	maxAttemptsHigh   = 5
)

// Task is one pending chat message. Photos beyond 10 are truncated at
// dispatch time.
type Task struct {
	ID       string   `json:"id"`
	ChatID   int64    `json:"chat_id"`
	Text     string   `json:"text"`
	Photos   []string `json:"photos,omitempty"`
	Priority string   `json:"priority"`
	Attempt  int      `json:"attempt"`
}

// DeliveryError classifies a failed dispatch for the retry policy.
type DeliveryError struct {
	// Forbidden means the recipient blocked the bot: terminal, no retry.
	Forbidden bool
	// RetryAfter is the platform's suggested delay, honored verbatim.
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Sender performs the actual platform dispatch for one task.
type Sender interface {
	Send(ctx context.Context, task Task) error
}

// Config for the queue.
type Config struct {
	Client *redis.Client
	Sender Sender
	Logger *slog.Logger
	// Workers is the number of consumers, each prefetching exactly one task.
	Workers int
	// RatePerSecond is the global dispatch limit across all workers.
	RatePerSecond int
	// ConsumerPrefix distinguishes processes sharing the group. Defaults to
	// hostname plus a random suffix; stalled-entry claiming skips a worker's
	// own consumer name, so two processes must never share one.
	ConsumerPrefix string
	Tracer         trace.Tracer
}

// Queue manages enqueue and the worker pool.
type Queue struct {
	client  *redis.Client
	sender  Sender
	logger  *slog.Logger
	limiter *rateLimiter
	tracer  trace.Tracer
	workers int
	prefix  string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the queue. A nil client is refused: the queue cannot run
// without its broker.
func New(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, errors.New("queue: broker required, refusing to start without one")
	}
	if cfg.Sender == nil {
		return nil, errors.New("queue: sender required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 30
	}
	if cfg.ConsumerPrefix == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.ConsumerPrefix = host + "-" + uuid.NewString()[:8]
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	return &Queue{
		client:  cfg.Client,
		sender:  cfg.Sender,
		logger:  cfg.Logger,
		limiter: newRateLimiter(cfg.Client, StreamName+":rate", cfg.RatePerSecond),
		tracer:  cfg.Tracer,
		workers: cfg.Workers,
		prefix:  cfg.ConsumerPrefix,
	}, nil
}

// Enqueue appends a task to the stream. The task id is assigned when empty.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]any{"payload": payload},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Start creates the consumer group and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamName, consumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		consumer := fmt.Sprintf("%s-%d", q.prefix, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run(ctx, consumer)
		}()
	}
	q.logger.Info("notification queue started", "workers", q.workers, "stream", StreamName)
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (q *Queue) run(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		q.pumpRetryLane(ctx)
		q.claimStalled(ctx, consumer)

		// Prefetch exactly one task per worker.
		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{StreamName, ">"},
			Count:    1,
			Block:    2 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				q.process(ctx, msg)
			}
		}
	}
}

// pumpRetryLane moves tasks whose backoff has elapsed back into the stream.
func (q *Queue) pumpRetryLane(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	entries, err := q.client.ZRangeByScore(ctx, retryLane, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', 0, 64), Count: 16,
	}).Result()
	if err != nil || len(entries) == 0 {
		return
	}
	for _, payload := range entries {
		removed, err := q.client.ZRem(ctx, retryLane, payload).Result()
		if err != nil || removed == 0 {
			// Another worker already took it.
			continue
		}
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamName,
			Values: map[string]any{"payload": payload},
		}).Err(); err != nil {
			q.logger.Error("retry requeue failed", "error", err)
		}
	}
}

// claimStalled takes over entries stuck with a crashed consumer.
func (q *Queue) claimStalled(ctx context.Context, consumer string) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamName,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  8,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}
	for _, p := range pending {
		if p.Idle < claimIdle || p.Consumer == consumer {
			continue
		}
		msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   StreamName,
			Group:    consumerGroup,
			Consumer: consumer,
			MinIdle:  claimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			q.logger.Warn("claimed stalled task", "entry_id", msg.ID, "previous_consumer", p.Consumer)
			q.process(ctx, msg)
		}
	}
}

func (q *Queue) process(ctx context.Context, msg redis.XMessage) {
	ack := func() {
		if err := q.client.XAck(ctx, StreamName, consumerGroup, msg.ID).Err(); err != nil {
			q.logger.Error("ack failed", "entry_id", msg.ID, "error", err)
		}
		q.client.XDel(ctx, StreamName, msg.ID)
	}

	raw, _ := msg.Values["payload"].(string)
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		q.logger.Error("malformed task dropped", "entry_id", msg.ID, "error", err)
		ack()
		return
	}

	ctx, span := otelPkg.StartSpan(ctx, q.tracer, "queue.dispatch",
		otelPkg.AttrTaskID.String(task.ID),
		otelPkg.AttrChatID.Int64(task.ChatID),
		otelPkg.AttrQueueLane.String(task.Priority),
	)
	defer span.End()

	if err := q.limiter.Wait(ctx); err != nil {
		// Shutdown while waiting for a token: leave the entry pending so
		// another worker claims it.
		return
	}

	err := q.sender.Send(ctx, task)
	if err == nil {
		q.logger.Info("notification delivered", "task_id", task.ID, "chat_id", task.ChatID, "attempt", task.Attempt+1)
		ack()
		return
	}

	span.RecordError(err)
	var de *DeliveryError
	if errors.As(err, &de) && de.Forbidden {
		// Recipient blocked the bot: terminal outcome, single attempt.
		q.logger.Info("notification blocked by recipient", "task_id", task.ID, "chat_id", task.ChatID)
		ack()
		return
	}

	delay, attempt := q.nextRetry(task, err)
	if attempt < 0 {
		q.logger.Warn("notification dead: retries exhausted", "task_id", task.ID, "chat_id", task.ChatID, "attempts", task.Attempt+1, "error", err)
		ack()
		return
	}
	task.Attempt = attempt
	if scheduleErr := q.scheduleRetry(ctx, task, delay); scheduleErr != nil {
		q.logger.Error("retry schedule failed, leaving task pending", "task_id", task.ID, "error", scheduleErr)
		return
	}
	q.logger.Warn("notification retry scheduled", "task_id", task.ID, "chat_id", task.ChatID, "attempt", attempt, "delay", delay.String(), "error", err)
	ack()
}

// nextRetry returns the backoff delay and next attempt counter, or a
// negative attempt when the budget is exhausted. A platform-suggested
// retry-after is honored verbatim and does not consume the budget.
func (q *Queue) nextRetry(task Task, err error) (time.Duration, int) {
	var de *DeliveryError
	if errors.As(err, &de) && de.RetryAfter > 0 {
		return de.RetryAfter, task.Attempt
	}

	next := task.Attempt + 1
	switch task.Priority {
	case PriorityHigh:
		if next >= maxAttemptsHigh {
			return 0, -1
		}
		return time.Duration(float64(baseRetryDelay) * math.Pow(2, float64(next-1))), next
	default:
		if next >= maxAttemptsNormal {
			return 0, -1
		}
		return baseRetryDelay, next
	}
}

func (q *Queue) scheduleRetry(ctx context.Context, task Task, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode retry task: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, retryLane, redis.Z{Score: readyAt, Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// Depth reports stream plus retry-lane backlog for health output.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	streamLen, err := q.client.XLen(ctx, StreamName).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	retryLen, err := q.client.ZCard(ctx, retryLane).Result()
	if err != nil {
		return 0, fmt.Errorf("retry lane depth: %w", err)
	}
	return streamLen + retryLen, nil
}
