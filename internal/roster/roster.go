// Package roster loads the authoritative branch list from a remote
// spreadsheet with a local CSV fallback, fronted by a short-TTL cache.
package roster

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Branch is one roster entry. TwoGISID is the upstream branch identifier;
// SteadyID and IikoID are cross-system aliases.
type Branch struct {
	Name     string
	TwoGISID string
	SteadyID string
	IikoID   string
}

// ErrNoSource means neither the remote spreadsheet nor the fallback file
// produced a roster and no previously cached roster exists.
var ErrNoSource = errors.New("roster: no source available")

const (
	headerName   = "Название точки"
	headerTwoGIS = "ИД 2gist"
	headerSteady = "ИД steady"
	headerIiko   = "id_iiko"
)

// Config for the registry.
type Config struct {
	// SpreadsheetKey identifies the remote document. Empty disables the
	// remote source and the fallback file becomes primary.
	SpreadsheetKey string
	// FallbackFile is a ;-separated CSV with the same header row.
	FallbackFile string
	// CacheTTL is how long a loaded roster stays fresh. Default 5 minutes.
	CacheTTL time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
	// FetchURL overrides the computed spreadsheet export URL (tests).
	FetchURL string
	Logger   *slog.Logger
}

// Registry caches the branch roster.
type Registry struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	cached    []Branch
	fetchedAt time.Time
	everOK    bool
}

func New(cfg Config) *Registry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Registry{cfg: cfg, client: client, logger: cfg.Logger}
}

// ListBranches returns the roster, refreshing it when the cache has expired.
// On refresh failure a stale cache is returned with a warning.
func (r *Registry) ListBranches(ctx context.Context) ([]Branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.everOK && time.Since(r.fetchedAt) < r.cfg.CacheTTL {
		return r.cached, nil
	}

	branches, err := r.load(ctx)
	if err != nil {
		if r.everOK {
			r.logger.Warn("roster refresh failed, serving stale cache", "error", err, "age", time.Since(r.fetchedAt).String())
			return r.cached, nil
		}
		return nil, err
	}
	r.cached = branches
	r.fetchedAt = time.Now()
	r.everOK = true
	return branches, nil
}

// LookupByTwoGISID finds a branch by its upstream id.
func (r *Registry) LookupByTwoGISID(ctx context.Context, id string) (Branch, bool, error) {
	branches, err := r.ListBranches(ctx)
	if err != nil {
		return Branch{}, false, err
	}
	for _, b := range branches {
		if b.TwoGISID == id {
			return b, true, nil
		}
	}
	return Branch{}, false, nil
}

// LookupByIikoID finds a branch by its iiko alias.
func (r *Registry) LookupByIikoID(ctx context.Context, id string) (Branch, bool, error) {
	branches, err := r.ListBranches(ctx)
	if err != nil {
		return Branch{}, false, err
	}
	for _, b := range branches {
		if b.IikoID == id {
			return b, true, nil
		}
	}
	return Branch{}, false, nil
}

// Invalidate forces a refetch on the next call.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	if r.everOK {
		// Keep the stale copy as a fallback for failed refreshes.
		r.fetchedAt = time.Now().Add(-r.cfg.CacheTTL)
	}
	r.mu.Unlock()
}

func (r *Registry) load(ctx context.Context) ([]Branch, error) {
	if url := r.exportURL(); url != "" {
		branches, err := r.fetchRemote(ctx, url)
		if err == nil {
			return branches, nil
		}
		r.logger.Warn("roster spreadsheet fetch failed, trying fallback file", "error", err)
	}
	branches, err := r.loadFallback()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSource, err)
	}
	return branches, nil
}

func (r *Registry) exportURL() string {
	if r.cfg.FetchURL != "" {
		return r.cfg.FetchURL
	}
	if r.cfg.SpreadsheetKey == "" {
		return ""
	}
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/gviz/tq?tqx=out:csv&gid=0", r.cfg.SpreadsheetKey)
}

func (r *Registry) fetchRemote(ctx context.Context, url string) ([]Branch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch roster: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch roster: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read roster body: %w", err)
	}
	return r.parse(data)
}

func (r *Registry) loadFallback() ([]Branch, error) {
	if r.cfg.FallbackFile == "" {
		return nil, errors.New("no fallback file configured")
	}
	data, err := os.ReadFile(r.cfg.FallbackFile)
	if err != nil {
		return nil, fmt.Errorf("read fallback roster: %w", err)
	}
	return r.parse(data)
}

// parse accepts both the spreadsheet export (comma) and the local
// fallback (semicolon) dialect, tolerating a UTF-8 BOM.
func (r *Registry) parse(data []byte) ([]Branch, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	firstLine := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		firstLine = data[:i]
	}
	comma := ','
	if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		comma = ';'
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse roster csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("roster is empty")
	}

	cols := map[string]int{}
	for i, h := range records[0] {
		cols[strings.TrimSpace(h)] = i
	}
	nameIdx, ok := cols[headerName]
	if !ok {
		return nil, fmt.Errorf("roster header missing %q", headerName)
	}
	gisIdx, ok := cols[headerTwoGIS]
	if !ok {
		return nil, fmt.Errorf("roster header missing %q", headerTwoGIS)
	}
	steadyIdx, hasSteady := cols[headerSteady]
	iikoIdx, hasIiko := cols[headerIiko]

	var branches []Branch
	for _, rec := range records[1:] {
		get := func(idx int) string {
			if idx < 0 || idx >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx])
		}
		name := get(nameIdx)
		gis := cleanID(get(gisIdx))
		if name == "" && gis == "" {
			continue
		}
		if gis == "" {
			r.logger.Warn("roster row dropped: missing upstream id", "branch_name", name)
			continue
		}
		if _, err := strconv.ParseInt(gis, 10, 64); err != nil {
			r.logger.Warn("roster row dropped: non-numeric upstream id", "branch_name", name, "value", gis)
			continue
		}
		b := Branch{Name: name, TwoGISID: gis}
		if hasSteady {
			b.SteadyID = cleanID(get(steadyIdx))
		}
		if hasIiko {
			b.IikoID = cleanID(get(iikoIdx))
		}
		branches = append(branches, b)
	}
	return branches, nil
}

// cleanID normalizes spreadsheet cell values: blank, "null" and "none" all
// mean absent.
func cleanID(v string) string {
	trimmed := strings.TrimSpace(v)
	switch strings.ToLower(trimmed) {
	case "", "null", "none":
		return ""
	}
	return trimmed
}
