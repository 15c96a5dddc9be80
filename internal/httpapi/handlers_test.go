package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqniet/reviews-radar/internal/cache"
	otelPkg "github.com/aqniet/reviews-radar/internal/otel"
	"github.com/aqniet/reviews-radar/internal/store"
)

type fakeStore struct {
	pingErr       error
	reviews       []store.Review
	branches      []store.BranchSummary
	branchStats   map[string]store.BranchStats
	iiko          map[string]store.Branch
	listCalls     int
	latestCalls   int
	reviewsByID   map[string]store.Review
	recent        []store.DayStat
	globalStats   store.GlobalStats
	reviewsCount  int64
	branchesCount int64
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) CountReviews(context.Context) (int64, error) { return f.reviewsCount, nil }

func (f *fakeStore) CountBranches(context.Context) (int64, error) { return f.branchesCount, nil }

func (f *fakeStore) ListBranches(_ context.Context, _ string, _, _ int) ([]store.BranchSummary, error) {
	f.listCalls++
	return f.branches, nil
}

func (f *fakeStore) BranchStats(_ context.Context, branchID string) (store.BranchStats, error) {
	s, ok := f.branchStats[branchID]
	if !ok {
		return store.BranchStats{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ListReviews(_ context.Context, _ store.ReviewFilter) ([]store.Review, error) {
	return f.reviews, nil
}

func (f *fakeStore) GetReview(_ context.Context, reviewID string) (store.Review, error) {
	r, ok := f.reviewsByID[reviewID]
	if !ok {
		return store.Review{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) GlobalStats(context.Context) (store.GlobalStats, error) {
	return f.globalStats, nil
}

func (f *fakeStore) RecentStats(_ context.Context, _ int) ([]store.DayStat, error) {
	return f.recent, nil
}

func (f *fakeStore) LatestBranchReviews(_ context.Context, _ string, count int) ([]store.Review, error) {
	f.latestCalls++
	if count < len(f.reviews) {
		return f.reviews[:count], nil
	}
	return f.reviews, nil
}

func (f *fakeStore) BranchByIikoID(_ context.Context, iikoID string) (store.Branch, error) {
	b, ok := f.iiko[iikoID]
	if !ok {
		return store.Branch{}, store.ErrNotFound
	}
	return b, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(t *testing.T, fs *fakeStore, withCache bool) http.Handler {
	t.Helper()
	var c *cache.Cache
	if withCache {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		c = cache.NewWithClient(client, discard())
	} else {
		c = cache.NewWithClient(nil, discard())
	}
	a := &api{store: fs, cache: c, logger: discard(), tracer: otelPkg.NoopTracer()}
	return a.router([]string{"https://reviews.aqniet.site"})
}

func TestRequestsEmitServerSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	a := &api{
		store:  &fakeStore{},
		cache:  cache.NewWithClient(nil, discard()),
		logger: discard(),
		tracer: tp.Tracer("test"),
	}
	h := a.router([]string{"https://reviews.aqniet.site"})

	doGet(t, h, "/health")

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "GET /health" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", spans[0].SpanKind())
	}
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthOK(t *testing.T) {
	fs := &fakeStore{reviewsCount: 42, branchesCount: 3}
	h := newTestAPI(t, fs, false)

	rec := doGet(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Database != "connected" || resp.Cache != "disabled" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ReviewsCount != 42 || resp.BranchesCount != 3 {
		t.Errorf("counts = %d/%d", resp.ReviewsCount, resp.BranchesCount)
	}
}

func TestHealthDatabaseOutage(t *testing.T) {
	fs := &fakeStore{pingErr: errors.New("connection refused")}
	h := newTestAPI(t, fs, false)

	rec := doGet(t, h, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Database != "disconnected" || resp.Status != "degraded" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestBranchesListUsesCache(t *testing.T) {
	fs := &fakeStore{branches: []store.BranchSummary{
		{Branch: store.Branch{BranchID: "1", BranchName: "Центральный"}, TotalReviews: 10},
	}}
	h := newTestAPI(t, fs, true)

	if rec := doGet(t, h, "/api/v1/branches"); rec.Code != http.StatusOK {
		t.Fatalf("first call = %d", rec.Code)
	}
	if rec := doGet(t, h, "/api/v1/branches"); rec.Code != http.StatusOK {
		t.Fatalf("second call = %d", rec.Code)
	}
	if fs.listCalls != 1 {
		t.Errorf("store hit %d times, want 1 (second served from cache)", fs.listCalls)
	}
}

func TestBranchesListFilteredSkipsCache(t *testing.T) {
	fs := &fakeStore{}
	h := newTestAPI(t, fs, true)

	doGet(t, h, "/api/v1/branches?city=Almaty")
	doGet(t, h, "/api/v1/branches?city=Almaty")
	if fs.listCalls != 2 {
		t.Errorf("filtered listing must bypass the shared cache entry, calls = %d", fs.listCalls)
	}
}

func TestBranchStatsNotFound(t *testing.T) {
	h := newTestAPI(t, &fakeStore{branchStats: map[string]store.BranchStats{}}, false)
	if rec := doGet(t, h, "/api/v1/branches/999/stats"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestReviewLookup(t *testing.T) {
	fs := &fakeStore{reviewsByID: map[string]store.Review{
		"abc": {ReviewID: "abc", BranchID: "1", Text: "Отлично"},
	}}
	h := newTestAPI(t, fs, false)

	rec := doGet(t, h, "/api/v1/reviews/abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var r store.Review
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.ReviewID != "abc" || r.Text != "Отлично" {
		t.Errorf("review = %+v", r)
	}

	if rec := doGet(t, h, "/api/v1/reviews/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing review = %d, want 404", rec.Code)
	}
}

func TestReviewsFilterValidation(t *testing.T) {
	h := newTestAPI(t, &fakeStore{}, false)
	for _, path := range []string{
		"/api/v1/reviews?rating=6",
		"/api/v1/reviews?rating=abc",
		"/api/v1/reviews?verified_only=maybe",
		"/api/v1/reviews?date_from=not-a-date",
	} {
		if rec := doGet(t, h, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, rec.Code)
		}
	}
	if rec := doGet(t, h, "/api/v1/reviews?rating=5&verified_only=true&date_from=2024-01-01"); rec.Code != http.StatusOK {
		t.Errorf("valid filters = %d", rec.Code)
	}
}

func TestRecentStatsDaysValidation(t *testing.T) {
	h := newTestAPI(t, &fakeStore{}, false)
	for _, path := range []string{"/api/v1/stats/recent?days=0", "/api/v1/stats/recent?days=91"} {
		if rec := doGet(t, h, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, rec.Code)
		}
	}
	if rec := doGet(t, h, "/api/v1/stats/recent?days=30"); rec.Code != http.StatusOK {
		t.Errorf("days=30 = %d", rec.Code)
	}
}

func TestLatestReviewsCountBounds(t *testing.T) {
	h := newTestAPI(t, &fakeStore{}, false)
	for _, path := range []string{"/api/v1/70000001/0", "/api/v1/70000001/1001", "/api/v1/70000001/abc"} {
		if rec := doGet(t, h, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, rec.Code)
		}
	}
	if rec := doGet(t, h, "/api/v1/70000001/10"); rec.Code != http.StatusOK {
		t.Errorf("count=10 = %d", rec.Code)
	}
}

func TestLatestReviewsCachedSecondRead(t *testing.T) {
	created := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	fs := &fakeStore{reviews: []store.Review{
		{ReviewID: "a", BranchID: "70000001", DateCreated: &created},
	}}
	h := newTestAPI(t, fs, true)

	doGet(t, h, "/api/v1/70000001/5")
	doGet(t, h, "/api/v1/70000001/5")
	if fs.latestCalls != 1 {
		t.Errorf("store hit %d times, want 1", fs.latestCalls)
	}
}

func TestLatestByIiko(t *testing.T) {
	fs := &fakeStore{
		iiko:    map[string]store.Branch{"rk-7": {BranchID: "70000001", BranchName: "Центральный"}},
		reviews: []store.Review{{ReviewID: "a", BranchID: "70000001"}},
	}
	h := newTestAPI(t, fs, false)

	if rec := doGet(t, h, "/api/v1/by-iiko/rk-7/5"); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec := doGet(t, h, "/api/v1/by-iiko/unknown/5"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown iiko = %d, want 404", rec.Code)
	}
	if rec := doGet(t, h, "/api/v1/by-iiko/rk-7/2000"); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized count = %d, want 400", rec.Code)
	}
}

func TestCacheOperatorEndpoints(t *testing.T) {
	h := newTestAPI(t, &fakeStore{}, true)

	rec := doGet(t, h, "/api/v1/cache/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("cache stats = %d", rec.Code)
	}
	var stats cache.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if !stats.Enabled || !stats.Available {
		t.Errorf("stats = %+v", stats)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cache/clear", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("cache clear = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/cache/clear/70000001", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("branch cache clear = %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestAPI(t, &fakeStore{}, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/branches", nil)
	req.Header.Set("Origin", "https://reviews.aqniet.site")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://reviews.aqniet.site" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("allow-credentials = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/branches", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin must not be allowed, got %q", got)
	}
}
