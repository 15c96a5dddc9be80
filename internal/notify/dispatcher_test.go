package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aqniet/reviews-radar/internal/queue"
	"github.com/aqniet/reviews-radar/internal/store"
)

type fakeStore struct {
	unsent      []store.Review
	subscribers map[string][]string
	marked      []string
	subErr      error
}

func (f *fakeStore) ListUnsentReviews(_ context.Context, _ int) ([]store.Review, error) {
	return f.unsent, nil
}

func (f *fakeStore) ActiveSubscriberIDs(_ context.Context, branchID string) ([]string, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.subscribers[branchID], nil
}

func (f *fakeStore) MarkReviewSent(_ context.Context, reviewID string) (bool, error) {
	f.marked = append(f.marked, reviewID)
	return true, nil
}

type fakeQueue struct {
	tasks []queue.Task
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, task queue.Task) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) InvalidateBranch(_ context.Context, branchID string) {
	f.invalidated = append(f.invalidated, branchID)
}

func rating(n int) *int { return &n }

func testReview(id, branchID string) store.Review {
	created := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	return store.Review{
		ReviewID:    id,
		BranchID:    branchID,
		BranchName:  "Sandyq Центральный",
		UserName:    "Айгерим",
		Rating:      rating(5),
		Text:        "Очень вкусно",
		DateCreated: &created,
		IsVerified:  true,
	}
}

func newTestDispatcher(fs *fakeStore, fq *fakeQueue, fc *fakeCache) *Dispatcher {
	return NewDispatcher(fs, fq, fc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatchFansOutPerSubscriber(t *testing.T) {
	fs := &fakeStore{
		unsent:      []store.Review{testReview("X", "b1")},
		subscribers: map[string][]string{"b1": {"100", "200"}},
	}
	fq := &fakeQueue{}
	fc := &fakeCache{}
	d := newTestDispatcher(fs, fq, fc)

	n, err := d.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 2 {
		t.Errorf("enqueued = %d, want 2", n)
	}
	if len(fq.tasks) != 2 || fq.tasks[0].ChatID != 100 || fq.tasks[1].ChatID != 200 {
		t.Errorf("tasks = %+v", fq.tasks)
	}
	if len(fs.marked) != 1 || fs.marked[0] != "X" {
		t.Errorf("marked = %v", fs.marked)
	}
	if len(fc.invalidated) != 1 || fc.invalidated[0] != "b1" {
		t.Errorf("invalidated = %v", fc.invalidated)
	}
}

func TestDispatchMessageBody(t *testing.T) {
	fs := &fakeStore{
		unsent:      []store.Review{testReview("X", "b1")},
		subscribers: map[string][]string{"b1": {"100"}},
	}
	fq := &fakeQueue{}
	d := newTestDispatcher(fs, fq, &fakeCache{})
	if _, err := d.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	body := fq.tasks[0].Text
	for _, line := range []string{
		"📢 Новый отзыв для филиала Sandyq Центральный:",
		"👤 Автор: Айгерим",
		"⭐ Рейтинг: ⭐⭐⭐⭐⭐ (5/5)",
		"📝 Текст: Очень вкусно",
		"📅 Дата: 15.03.2024 10:30",
		"✅ Подтвержденный отзыв",
	} {
		if !strings.Contains(body, line) {
			t.Errorf("body missing %q:\n%s", line, body)
		}
	}
}

func TestDispatchNoSubscribersStillFlips(t *testing.T) {
	fs := &fakeStore{
		unsent:      []store.Review{testReview("X", "b1")},
		subscribers: map[string][]string{},
	}
	fq := &fakeQueue{}
	fc := &fakeCache{}
	d := newTestDispatcher(fs, fq, fc)

	n, err := d.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 0 || len(fq.tasks) != 0 {
		t.Errorf("no tasks expected, got %d", len(fq.tasks))
	}
	if len(fs.marked) != 1 {
		t.Errorf("review must still be flipped with zero subscribers, marked = %v", fs.marked)
	}
	if len(fc.invalidated) != 1 {
		t.Errorf("cache invalidation expected after flip")
	}
}

func TestDispatchEnqueueFailureLeavesFlagAlone(t *testing.T) {
	fs := &fakeStore{
		unsent:      []store.Review{testReview("X", "b1")},
		subscribers: map[string][]string{"b1": {"100"}},
	}
	fq := &fakeQueue{err: errors.New("broker down")}
	d := newTestDispatcher(fs, fq, &fakeCache{})

	if _, err := d.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch should swallow per-review errors: %v", err)
	}
	if len(fs.marked) != 0 {
		t.Errorf("flag must not flip when enqueue failed, marked = %v", fs.marked)
	}
}

func TestDispatchSubscriberLookupFailureSkipsBranch(t *testing.T) {
	fs := &fakeStore{
		unsent: []store.Review{testReview("X", "b1")},
		subErr: errors.New("db flake"),
	}
	fq := &fakeQueue{}
	fc := &fakeCache{}
	d := newTestDispatcher(fs, fq, fc)

	n, err := d.Dispatch(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Dispatch = %d, %v", n, err)
	}
	if len(fs.marked) != 0 || len(fc.invalidated) != 0 {
		t.Error("failed branch must be left untouched for the next run")
	}
}

func TestFormatReviewDefaultsAndBrowseMode(t *testing.T) {
	r := store.Review{BranchName: "Филиал", UserName: "", Text: ""}
	body := FormatReview(r, false)
	if strings.Contains(body, "📢") {
		t.Error("browse mode must omit the branch prefix")
	}
	for _, line := range []string{"👤 Автор: Аноним", "📝 Текст: Без текста", "📅 Дата: Неизвестно", "⭐ Рейтинг: нет оценки"} {
		if !strings.Contains(body, line) {
			t.Errorf("body missing %q:\n%s", line, body)
		}
	}
	if strings.Contains(body, "✅") {
		t.Error("unverified review must not carry the verified line")
	}
}
