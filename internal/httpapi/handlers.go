package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aqniet/reviews-radar/internal/cache"
	"github.com/aqniet/reviews-radar/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryDate accepts plain dates and full RFC 3339 timestamps.
func queryDate(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type healthResponse struct {
	Status        string    `json:"status"`
	Database      string    `json:"database"`
	Cache         string    `json:"cache"`
	ReviewsCount  int64     `json:"reviews_count"`
	BranchesCount int64     `json:"branches_count"`
	Timestamp     time.Time `json:"timestamp"`
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{Status: "ok", Database: "connected", Timestamp: time.Now().UTC()}

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Error("health db probe failed", "error", err)
		resp.Status = "degraded"
		resp.Database = "disconnected"
		resp.Cache = a.cacheStatus(r)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if n, err := a.store.CountReviews(ctx); err == nil {
		resp.ReviewsCount = n
	}
	if n, err := a.store.CountBranches(ctx); err == nil {
		resp.BranchesCount = n
	}
	resp.Cache = a.cacheStatus(r)
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) cacheStatus(r *http.Request) string {
	switch {
	case !a.cache.Enabled():
		return "disabled"
	case a.cache.Available(r.Context()):
		return "connected"
	default:
		return "unavailable"
	}
}

func (a *api) handleListBranches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	city := r.URL.Query().Get("city")
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 100)

	// Only the unfiltered default listing shares the cached entry.
	cacheable := city == "" && skip == 0 && limit == 100
	if cacheable {
		var cached []store.BranchSummary
		if a.cache.Get(ctx, cache.BranchesListKey, &cached) {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	branches, err := a.store.ListBranches(ctx, city, skip, limit)
	if err != nil {
		a.logger.Error("list branches failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list branches")
		return
	}
	if branches == nil {
		branches = []store.BranchSummary{}
	}
	if cacheable {
		a.cache.Set(ctx, cache.BranchesListKey, branches, cache.TTLBranchesList)
	}
	writeJSON(w, http.StatusOK, branches)
}

func (a *api) handleBranchStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	branchID := chi.URLParam(r, "branchID")

	var cached store.BranchStats
	if a.cache.Get(ctx, cache.BranchStatsKey(branchID), &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	stats, err := a.store.BranchStats(ctx, branchID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}
	if err != nil {
		a.logger.Error("branch stats failed", "branch_id", branchID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute branch stats")
		return
	}
	a.cache.Set(ctx, cache.BranchStatsKey(branchID), stats, cache.TTLBranchStats)
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleListReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	f := store.ReviewFilter{
		BranchID: q.Get("branch_id"),
		Search:   q.Get("search"),
		SortBy:   q.Get("sort_by"),
		Order:    q.Get("order"),
		Skip:     queryInt(r, "skip", 0),
		Limit:    queryInt(r, "limit", 100),
	}
	if raw := q.Get("rating"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 5 {
			writeError(w, http.StatusBadRequest, "rating must be 1..5")
			return
		}
		f.Rating = &n
	}
	if raw := q.Get("verified_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "verified_only must be a boolean")
			return
		}
		f.VerifiedOnly = v
	}
	var err error
	if f.DateFrom, err = queryDate(r, "date_from"); err != nil {
		writeError(w, http.StatusBadRequest, "date_from must be a date")
		return
	}
	if f.DateTo, err = queryDate(r, "date_to"); err != nil {
		writeError(w, http.StatusBadRequest, "date_to must be a date")
		return
	}

	reviews, err := a.store.ListReviews(ctx, f)
	if err != nil {
		a.logger.Error("list reviews failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reviews")
		return
	}
	if reviews == nil {
		reviews = []store.Review{}
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (a *api) handleGetReview(w http.ResponseWriter, r *http.Request) {
	reviewID := chi.URLParam(r, "reviewID")
	review, err := a.store.GetReview(r.Context(), reviewID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "review not found")
		return
	}
	if err != nil {
		a.logger.Error("get review failed", "review_id", reviewID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load review")
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (a *api) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cached store.GlobalStats
	if a.cache.Get(ctx, cache.GeneralStatsKey, &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	stats, err := a.store.GlobalStats(ctx)
	if err != nil {
		a.logger.Error("global stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	a.cache.Set(ctx, cache.GeneralStatsKey, stats, cache.TTLGeneralStats)
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleRecentStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days := queryInt(r, "days", 7)
	if days < 1 || days > 90 {
		writeError(w, http.StatusBadRequest, "days must be 1..90")
		return
	}

	var cached []store.DayStat
	if a.cache.Get(ctx, cache.RecentReviewsKey(days), &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	stats, err := a.store.RecentStats(ctx, days)
	if err != nil {
		a.logger.Error("recent stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute recent stats")
		return
	}
	if stats == nil {
		stats = []store.DayStat{}
	}
	a.cache.Set(ctx, cache.RecentReviewsKey(days), stats, cache.TTLRecentReviews)
	writeJSON(w, http.StatusOK, stats)
}

func parseCount(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		return 0, false
	}
	return n, true
}

func (a *api) latestReviews(w http.ResponseWriter, r *http.Request, branchID string, count int) {
	ctx := r.Context()
	key := cache.ReviewsKey(branchID, count, 0)

	var cached []store.Review
	if a.cache.Get(ctx, key, &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	reviews, err := a.store.LatestBranchReviews(ctx, branchID, count)
	if err != nil {
		a.logger.Error("latest reviews failed", "branch_id", branchID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load reviews")
		return
	}
	if reviews == nil {
		reviews = []store.Review{}
	}
	a.cache.Set(ctx, key, reviews, cache.TTLReviews)
	writeJSON(w, http.StatusOK, reviews)
}

func (a *api) handleLatestByBranch(w http.ResponseWriter, r *http.Request) {
	count, ok := parseCount(chi.URLParam(r, "count"))
	if !ok {
		writeError(w, http.StatusBadRequest, "count must be 1..1000")
		return
	}
	a.latestReviews(w, r, chi.URLParam(r, "branchID"), count)
}

func (a *api) handleLatestByIiko(w http.ResponseWriter, r *http.Request) {
	count, ok := parseCount(chi.URLParam(r, "count"))
	if !ok {
		writeError(w, http.StatusBadRequest, "count must be 1..1000")
		return
	}
	iikoID := chi.URLParam(r, "iikoID")
	branch, err := a.store.BranchByIikoID(r.Context(), iikoID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "branch not found for iiko id")
		return
	}
	if err != nil {
		a.logger.Error("iiko lookup failed", "id_iiko", iikoID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve branch")
		return
	}
	a.latestReviews(w, r, branch.BranchID, count)
}

func (a *api) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cache.Stats(r.Context()))
}

func (a *api) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n := a.cache.InvalidateAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (a *api) handleCacheClearBranch(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchID")
	a.cache.InvalidateBranch(r.Context(), branchID)
	writeJSON(w, http.StatusOK, map[string]any{"branch_id": branchID, "status": "cleared"})
}
