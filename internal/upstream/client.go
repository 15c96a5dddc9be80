// Package upstream is the paginated client for the 2GIS public reviews API.
// Raw upstream payloads are normalized into Review at this boundary; the
// rest of the system never sees the provider's JSON shape.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBaseURL  = "https://public-api.reviews.2gis.com/2.0"
	defaultPageSize = 50
	browserUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	fieldsParam     = "meta.providers,meta.branch_rating,meta.branch_reviews_count,meta.total_count,reviews.hiding_reason,reviews.is_verified"
)

// Review is a normalized review record.
type Review struct {
	ReviewID      string
	UserName      string
	Rating        *int
	Text          string
	DateCreated   time.Time
	DateEdited    *time.Time
	IsVerified    bool
	LikesCount    int
	CommentsCount int
	PhotosCount   int
	PhotosURLs    []string
}

// Page is one window of upstream results.
type Page struct {
	Reviews    []Review
	TotalCount int
}

// Config for the client.
type Config struct {
	BaseURL string
	APIKey  string
	Locale  string
	// PageSize is the pagination window. Default 50.
	PageSize int
	// PageDelay is the politeness pause between pages. Default 1s.
	PageDelay time.Duration
	// RequestTimeout bounds one HTTP call. Default 30s.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client fetches reviews for one branch at a time. It never issues
// concurrent requests for the same branch.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Locale == "" {
		cfg.Locale = "ru_KZ"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.PageDelay == 0 {
		cfg.PageDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{cfg: cfg, client: client, logger: cfg.Logger}
}

type rawPage struct {
	Meta struct {
		TotalCount int `json:"total_count"`
	} `json:"meta"`
	Reviews []rawReview `json:"reviews"`
}

type rawReview struct {
	ID   string `json:"id"`
	User struct {
		Name string `json:"name"`
	} `json:"user"`
	Rating        json.Number `json:"rating"`
	Text          string      `json:"text"`
	DateCreated   string      `json:"date_created"`
	DateEdited    string      `json:"date_edited"`
	IsVerified    bool        `json:"is_verified"`
	LikesCount    int         `json:"likes_count"`
	CommentsCount int         `json:"comments_count"`
	Photos        []struct {
		PreviewURLs map[string]string `json:"preview_urls"`
	} `json:"photos"`
}

// FetchPage retrieves one window of reviews for the branch.
func (c *Client) FetchPage(ctx context.Context, branchID string, offset, limit int) (Page, error) {
	q := url.Values{}
	q.Set("is_advertiser", "false")
	q.Set("fields", fieldsParam)
	q.Set("without_my_first_review", "false")
	q.Set("rated", "true")
	q.Set("sort_by", "date_edited")
	q.Set("locale", c.cfg.Locale)
	q.Set("key", c.cfg.APIKey)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	endpoint := fmt.Sprintf("%s/branches/%s/reviews?%s", c.cfg.BaseURL, url.PathEscape(branchID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", browserUA)

	resp, err := c.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch reviews page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, fmt.Errorf("fetch reviews page: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Page{}, fmt.Errorf("read reviews page: %w", err)
	}
	var raw rawPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Page{}, fmt.Errorf("decode reviews page: %w", err)
	}

	page := Page{TotalCount: raw.Meta.TotalCount}
	for _, rr := range raw.Reviews {
		review, ok := c.normalize(branchID, rr)
		if !ok {
			continue
		}
		page.Reviews = append(page.Reviews, review)
	}
	return page, nil
}

// FetchAll drives pagination for a branch until the upstream total is
// exhausted or a page comes back empty.
func (c *Client) FetchAll(ctx context.Context, branchID, branchName string) ([]Review, error) {
	var all []Review
	offset := 0
	for {
		page, err := c.FetchPage(ctx, branchID, offset, c.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("branch %s (%s): %w", branchID, branchName, err)
		}
		all = append(all, page.Reviews...)
		offset += c.cfg.PageSize
		if len(page.Reviews) == 0 || offset >= page.TotalCount {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PageDelay):
		}
	}
	c.logger.Debug("fetched branch reviews", "branch_id", branchID, "count", len(all))
	return all, nil
}

func (c *Client) normalize(branchID string, rr rawReview) (Review, bool) {
	if rr.ID == "" {
		c.logger.Warn("review dropped: missing id", "branch_id", branchID)
		return Review{}, false
	}
	review := Review{
		ReviewID:      rr.ID,
		UserName:      rr.User.Name,
		Text:          rr.Text,
		IsVerified:    rr.IsVerified,
		LikesCount:    rr.LikesCount,
		CommentsCount: rr.CommentsCount,
	}
	if review.UserName == "" {
		review.UserName = "Аноним"
	}
	if rr.Rating != "" {
		if f, err := rr.Rating.Float64(); err == nil {
			v := int(f)
			review.Rating = &v
		}
	}
	if t, ok := parseUpstreamTime(rr.DateCreated); ok {
		review.DateCreated = t
	} else if rr.DateCreated != "" {
		c.logger.Warn("review has unparseable date_created", "review_id", rr.ID, "value", rr.DateCreated)
	}
	if t, ok := parseUpstreamTime(rr.DateEdited); ok {
		review.DateEdited = &t
	}
	for _, p := range rr.Photos {
		if u := pickPreviewURL(p.PreviewURLs); u != "" {
			review.PhotosURLs = append(review.PhotosURLs, u)
		}
	}
	review.PhotosCount = len(review.PhotosURLs)
	return review, true
}

func parseUpstreamTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-07:00", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// pickPreviewURL prefers the largest preview dimension, falling back to the
// smallest one present. Keys look like "640x", "320x", "1920x".
func pickPreviewURL(urls map[string]string) string {
	bestURL, bestDim := "", -1
	worstURL, worstDim := "", int(^uint(0)>>1)
	for key, u := range urls {
		if u == "" {
			continue
		}
		dim := previewDim(key)
		if dim > bestDim {
			bestDim, bestURL = dim, u
		}
		if dim < worstDim {
			worstDim, worstURL = dim, u
		}
	}
	if bestURL != "" {
		return bestURL
	}
	return worstURL
}

func previewDim(key string) int {
	digits := ""
	for _, r := range key {
		if r >= '0' && r <= '9' {
			digits += string(r)
		} else {
			break
		}
	}
	n, _ := strconv.Atoi(digits)
	return n
}
