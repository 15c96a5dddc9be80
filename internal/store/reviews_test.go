package store

import (
	"strings"
	"testing"
	"time"
)

func TestBuildReviewQueryDefaults(t *testing.T) {
	query, args := buildReviewQuery(ReviewFilter{})
	if strings.Contains(query, "WHERE") {
		t.Errorf("empty filter should have no WHERE clause: %s", query)
	}
	if !strings.Contains(query, "ORDER BY date_created DESC") {
		t.Errorf("default sort should be date_created DESC: %s", query)
	}
	if len(args) != 1 || args[0] != 100 {
		t.Errorf("default limit args = %v, want [100]", args)
	}
}

func TestBuildReviewQueryAllFilters(t *testing.T) {
	rating := 5
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	f := ReviewFilter{
		BranchID:     "b1",
		Rating:       &rating,
		VerifiedOnly: true,
		DateFrom:     &from,
		DateTo:       &to,
		Search:       "вкусно",
		SortBy:       "rating",
		Order:        "asc",
		Skip:         10,
		Limit:        20,
	}
	query, args := buildReviewQuery(f)
	for _, want := range []string{
		"branch_id = $1",
		"rating = $2",
		"is_verified = TRUE",
		"date_created >= $3",
		"date_created <= $4",
		"text ILIKE $5",
		"ORDER BY rating ASC",
		"LIMIT $6",
		"OFFSET $7",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q: %s", want, query)
		}
	}
	if len(args) != 7 {
		t.Fatalf("args = %v, want 7 values", args)
	}
	if args[4] != "%вкусно%" {
		t.Errorf("search arg = %v", args[4])
	}
}

func TestBuildReviewQueryRejectsUnknownSortColumn(t *testing.T) {
	query, _ := buildReviewQuery(ReviewFilter{SortBy: "photos_urls; DROP TABLE reviews", Order: "evil"})
	if !strings.Contains(query, "ORDER BY date_created DESC") {
		t.Errorf("unknown sort column must fall back to date_created DESC: %s", query)
	}
}

func TestBuildReviewQueryClampsLimit(t *testing.T) {
	_, args := buildReviewQuery(ReviewFilter{Limit: 100000})
	if args[len(args)-1] != 100 {
		t.Errorf("oversized limit should clamp to 100, args = %v", args)
	}
}

func TestReviewSortColumn(t *testing.T) {
	cases := map[string]string{
		"rating":       "rating",
		"likes_count":  "likes_count",
		"date_created": "date_created",
		"":             "date_created",
		"user_name":    "date_created",
	}
	for in, want := range cases {
		if got := reviewSortColumn(in); got != want {
			t.Errorf("reviewSortColumn(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestURLsOrEmpty(t *testing.T) {
	if got := urlsOrEmpty(nil); got == nil || len(got) != 0 {
		t.Errorf("nil slice should become empty slice for JSON encoding")
	}
	urls := []string{"https://img/a.jpg"}
	if got := urlsOrEmpty(urls); len(got) != 1 {
		t.Errorf("non-nil slice must pass through, got %v", got)
	}
}

func TestEmptyHistogramCoversAllRatings(t *testing.T) {
	h := emptyHistogram()
	for _, key := range []string{"1", "2", "3", "4", "5"} {
		if _, ok := h[key]; !ok {
			t.Errorf("histogram missing key %s", key)
		}
	}
	if len(h) != 5 {
		t.Errorf("histogram has %d keys, want 5", len(h))
	}
}

func TestStrPtrEq(t *testing.T) {
	a, b := "x", "x"
	c := "y"
	if !strPtrEq(nil, nil) || !strPtrEq(&a, &b) {
		t.Error("equal cases failed")
	}
	if strPtrEq(&a, nil) || strPtrEq(nil, &a) || strPtrEq(&a, &c) {
		t.Error("unequal cases failed")
	}
}
