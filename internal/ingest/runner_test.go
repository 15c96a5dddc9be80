package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aqniet/reviews-radar/internal/roster"
	"github.com/aqniet/reviews-radar/internal/store"
	"github.com/aqniet/reviews-radar/internal/upstream"
)

type fakeRoster struct {
	branches []roster.Branch
	err      error
}

func (f *fakeRoster) ListBranches(_ context.Context) ([]roster.Branch, error) {
	return f.branches, f.err
}

type fakeFetcher struct {
	pages map[string][]upstream.Review
	errs  map[string]error
}

func (f *fakeFetcher) FetchAll(_ context.Context, branchID, _ string) ([]upstream.Review, error) {
	if err := f.errs[branchID]; err != nil {
		return nil, err
	}
	return f.pages[branchID], nil
}

type fakeIngestStore struct {
	existing map[string]map[string]struct{}
	inserted map[string][]upstream.Review
	reports  []store.ParseReport
	upserts  map[string]store.UpsertOutcome
}

func newFakeIngestStore() *fakeIngestStore {
	return &fakeIngestStore{
		existing: map[string]map[string]struct{}{},
		inserted: map[string][]upstream.Review{},
		upserts:  map[string]store.UpsertOutcome{},
	}
}

func (f *fakeIngestStore) ListExistingReviewIDs(_ context.Context, branchID string) (map[string]struct{}, error) {
	ids := map[string]struct{}{}
	for id := range f.existing[branchID] {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (f *fakeIngestStore) InsertReviewsIgnoringDuplicates(_ context.Context, branchID, _ string, reviews []upstream.Review) (int, error) {
	added := 0
	if f.existing[branchID] == nil {
		f.existing[branchID] = map[string]struct{}{}
	}
	for _, r := range reviews {
		if _, dup := f.existing[branchID][r.ReviewID]; dup {
			continue
		}
		f.existing[branchID][r.ReviewID] = struct{}{}
		f.inserted[branchID] = append(f.inserted[branchID], r)
		added++
	}
	return added, nil
}

func (f *fakeIngestStore) InsertParseReport(_ context.Context, r store.ParseReport) error {
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeIngestStore) UpsertBranch(_ context.Context, b store.Branch) (store.UpsertOutcome, error) {
	if outcome, ok := f.upserts[b.BranchID]; ok {
		return outcome, nil
	}
	return store.BranchUnchanged, nil
}

type fakeDispatcher struct {
	calls int
}

func (f *fakeDispatcher) Dispatch(_ context.Context) (int, error) {
	f.calls++
	return 0, nil
}

type fakeInvalidator struct {
	branches []string
	all      int
}

func (f *fakeInvalidator) InvalidateBranch(_ context.Context, branchID string) {
	f.branches = append(f.branches, branchID)
}

func (f *fakeInvalidator) InvalidateAll(_ context.Context) int {
	f.all++
	return 0
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reviews(prefix string, n int) []upstream.Review {
	out := make([]upstream.Review, n)
	for i := range out {
		out[i] = upstream.Review{ReviewID: fmt.Sprintf("%s-%d", prefix, i), UserName: "Аноним"}
	}
	return out
}

func newTestRunner(rs *fakeRoster, ff *fakeFetcher, fs *fakeIngestStore, fd *fakeDispatcher, fi *fakeInvalidator) *Runner {
	return NewRunner(Config{
		Roster:      rs,
		Fetcher:     ff,
		Store:       fs,
		Cache:       fi,
		Dispatcher:  fd,
		Logger:      discard(),
		Workers:     2,
		BranchDelay: 0,
	})
}

func TestRunOnceFreshIngest(t *testing.T) {
	rs := &fakeRoster{branches: []roster.Branch{{Name: "Sandyq", TwoGISID: "70000001"}}}
	ff := &fakeFetcher{pages: map[string][]upstream.Review{"70000001": reviews("r", 75)}}
	fs := newFakeIngestStore()
	fd := &fakeDispatcher{}
	fi := &fakeInvalidator{}
	r := newTestRunner(rs, ff, fs, fd, fi)

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.TotalBranches != 1 || report.SuccessfulBranches != 1 || report.FailedBranches != 0 {
		t.Errorf("branch counts = %d/%d/%d", report.TotalBranches, report.SuccessfulBranches, report.FailedBranches)
	}
	if report.TotalReviews != 75 || report.NewReviews != 75 {
		t.Errorf("reviews = %d total, %d new, want 75/75", report.TotalReviews, report.NewReviews)
	}
	if len(fs.reports) != 1 {
		t.Fatalf("reports recorded = %d, want 1", len(fs.reports))
	}
	if fd.calls != 1 {
		t.Errorf("dispatch calls = %d, want 1", fd.calls)
	}
	if len(fi.branches) != 1 || fi.branches[0] != "70000001" {
		t.Errorf("invalidated = %v", fi.branches)
	}
}

func TestRunOnceIdempotentReRun(t *testing.T) {
	rs := &fakeRoster{branches: []roster.Branch{{Name: "Sandyq", TwoGISID: "70000001"}}}
	ff := &fakeFetcher{pages: map[string][]upstream.Review{"70000001": reviews("r", 40)}}
	fs := newFakeIngestStore()
	fd := &fakeDispatcher{}
	r := newTestRunner(rs, ff, fs, fd, &fakeInvalidator{})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.NewReviews != 0 {
		t.Errorf("second run new reviews = %d, want 0", report.NewReviews)
	}
	if report.TotalReviews != 40 {
		t.Errorf("second run total reviews = %d, want 40", report.TotalReviews)
	}
	if fd.calls != 1 {
		t.Errorf("dispatch must not fire on a run with no new reviews, calls = %d", fd.calls)
	}
}

func TestRunOnceBranchFailureRecorded(t *testing.T) {
	rs := &fakeRoster{branches: []roster.Branch{
		{Name: "Ok", TwoGISID: "1"},
		{Name: "Broken", TwoGISID: "2"},
	}}
	ff := &fakeFetcher{
		pages: map[string][]upstream.Review{"1": reviews("a", 3)},
		errs:  map[string]error{"2": errors.New("upstream status 502")},
	}
	fs := newFakeIngestStore()
	r := newTestRunner(rs, ff, fs, &fakeDispatcher{}, &fakeInvalidator{})

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.SuccessfulBranches != 1 || report.FailedBranches != 1 {
		t.Errorf("successful/failed = %d/%d, want 1/1", report.SuccessfulBranches, report.FailedBranches)
	}
	if report.NewReviews != 3 {
		t.Errorf("new reviews = %d, want 3", report.NewReviews)
	}
	var failures []branchFailure
	if err := json.Unmarshal([]byte(report.Errors), &failures); err != nil {
		t.Fatalf("errors field not valid JSON: %v (%q)", err, report.Errors)
	}
	if len(failures) != 1 || failures[0].BranchID != "2" || !strings.Contains(failures[0].Error, "502") {
		t.Errorf("failures = %+v", failures)
	}
}

func TestRunOnceRosterFailureAborts(t *testing.T) {
	rs := &fakeRoster{err: errors.New("no source")}
	fs := newFakeIngestStore()
	r := newTestRunner(rs, &fakeFetcher{}, fs, &fakeDispatcher{}, &fakeInvalidator{})

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error when the roster is unavailable")
	}
	if len(fs.reports) != 0 {
		t.Errorf("no report should be recorded on an aborted run")
	}
}

func TestRunOnceSkipsKnownReviews(t *testing.T) {
	rs := &fakeRoster{branches: []roster.Branch{{Name: "Sandyq", TwoGISID: "1"}}}
	ff := &fakeFetcher{pages: map[string][]upstream.Review{"1": reviews("r", 10)}}
	fs := newFakeIngestStore()
	fs.existing["1"] = map[string]struct{}{"r-0": {}, "r-1": {}, "r-2": {}}
	r := newTestRunner(rs, ff, fs, &fakeDispatcher{}, &fakeInvalidator{})

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.TotalReviews != 10 || report.NewReviews != 7 {
		t.Errorf("reviews = %d total, %d new, want 10/7", report.TotalReviews, report.NewReviews)
	}
}

func TestRunOnceEmitsRunSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	rs := &fakeRoster{branches: []roster.Branch{{Name: "Sandyq", TwoGISID: "1"}}}
	ff := &fakeFetcher{pages: map[string][]upstream.Review{"1": reviews("r", 4)}}
	r := NewRunner(Config{
		Roster:  rs,
		Fetcher: ff,
		Store:   newFakeIngestStore(),
		Cache:   &fakeInvalidator{},
		Logger:  discard(),
		Tracer:  tp.Tracer("test"),
		Workers: 1,
	})

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "ingest.run" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "reviewsd.ingest.new_reviews" {
			found = true
			if kv.Value.AsInt64() != 4 {
				t.Errorf("new_reviews attribute = %d, want 4", kv.Value.AsInt64())
			}
		}
	}
	if !found {
		t.Error("run span is missing the new_reviews attribute")
	}
}

func TestSyncBranchesInitialParse(t *testing.T) {
	rs := &fakeRoster{branches: []roster.Branch{
		{Name: "Old", TwoGISID: "1"},
		{Name: "Fresh", TwoGISID: "2", IikoID: "abc"},
	}}
	ff := &fakeFetcher{pages: map[string][]upstream.Review{"2": reviews("n", 12)}}
	fs := newFakeIngestStore()
	fs.upserts["2"] = store.BranchCreated
	fd := &fakeDispatcher{}
	fi := &fakeInvalidator{}
	r := newTestRunner(rs, ff, fs, fd, fi)

	report, err := r.SyncBranches(context.Background())
	if err != nil {
		t.Fatalf("SyncBranches: %v", err)
	}
	if report.Created != 1 || report.Updated != 0 {
		t.Errorf("created/updated = %d/%d, want 1/0", report.Created, report.Updated)
	}
	if report.NewReviews != 12 {
		t.Errorf("new reviews = %d, want 12", report.NewReviews)
	}
	if len(fs.inserted["2"]) != 12 {
		t.Errorf("inserted for new branch = %d, want 12", len(fs.inserted["2"]))
	}
	if fd.calls != 1 {
		t.Errorf("dispatch calls = %d, want 1", fd.calls)
	}
	if fi.all != 1 {
		t.Errorf("full invalidation expected after roster change, got %d", fi.all)
	}
}

func TestSyncBranchesUpdatedInvalidates(t *testing.T) {
	rs := &fakeRoster{branches: []roster.Branch{{Name: "Renamed", TwoGISID: "1"}}}
	fs := newFakeIngestStore()
	fs.upserts["1"] = store.BranchUpdated
	fd := &fakeDispatcher{}
	fi := &fakeInvalidator{}
	r := newTestRunner(rs, &fakeFetcher{}, fs, fd, fi)

	report, err := r.SyncBranches(context.Background())
	if err != nil {
		t.Fatalf("SyncBranches: %v", err)
	}
	if report.Created != 0 || report.Updated != 1 || report.NewReviews != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(fi.branches) != 1 || fi.branches[0] != "1" {
		t.Errorf("invalidated = %v", fi.branches)
	}
	if fd.calls != 0 {
		t.Errorf("no dispatch expected without new reviews")
	}
}

func TestSyncBranchesUnchangedIsQuiet(t *testing.T) {
	rs := &fakeRoster{branches: []roster.Branch{{Name: "Same", TwoGISID: "1"}}}
	fi := &fakeInvalidator{}
	r := newTestRunner(rs, &fakeFetcher{}, newFakeIngestStore(), &fakeDispatcher{}, fi)

	report, err := r.SyncBranches(context.Background())
	if err != nil {
		t.Fatalf("SyncBranches: %v", err)
	}
	if report.Created != 0 || report.Updated != 0 {
		t.Errorf("report = %+v", report)
	}
	if fi.all != 0 || len(fi.branches) != 0 {
		t.Error("unchanged roster must not touch the cache")
	}
}

func TestToStoreBranchOptionalIDs(t *testing.T) {
	sb := toStoreBranch(roster.Branch{Name: "N", TwoGISID: "1", SteadyID: "s", IikoID: ""})
	if sb.SteadyID == nil || *sb.SteadyID != "s" {
		t.Errorf("steady id = %v", sb.SteadyID)
	}
	if sb.IikoID != nil {
		t.Errorf("empty iiko id must stay nil, got %v", *sb.IikoID)
	}
}
