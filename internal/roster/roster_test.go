package roster

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const fallbackCSV = "\xEF\xBB\xBF" +
	"Название точки;ИД 2gist;ИД steady;id_iiko\n" +
	"Sandyq Центральный;70000001018523456;st-101;iiko-1\n" +
	"Sandyq Левый берег;70000001018523789;null;iiko-2\n" +
	"Закрытая точка;null;st-103;iiko-3\n" +
	"Без ИД;;st-104;\n" +
	"Кривой ИД;abc123;st-105;none\n"

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFallback(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "branches.csv")
	if err := os.WriteFile(path, []byte(fallbackCSV), 0o644); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestFallbackParseFiltersBadIDs(t *testing.T) {
	reg := New(Config{FallbackFile: writeFallback(t), Logger: discard()})
	branches, err := reg.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("got %d branches, want 2: %+v", len(branches), branches)
	}
	if branches[0].Name != "Sandyq Центральный" || branches[0].TwoGISID != "70000001018523456" {
		t.Errorf("first branch = %+v", branches[0])
	}
	if branches[1].SteadyID != "" {
		t.Errorf("literal null should map to absent, got %q", branches[1].SteadyID)
	}
}

func TestRemoteCommaDialect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("\"Название точки\",\"ИД 2gist\",\"ИД steady\",\"id_iiko\"\n\"Точка А\",\"70000001010000001\",\"st-1\",\"ik-1\"\n"))
	}))
	defer srv.Close()

	reg := New(Config{FetchURL: srv.URL, Logger: discard()})
	branches, err := reg.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 1 || branches[0].TwoGISID != "70000001010000001" {
		t.Fatalf("branches = %+v", branches)
	}
}

func TestRemoteFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := New(Config{FetchURL: srv.URL, FallbackFile: writeFallback(t), Logger: discard()})
	branches, err := reg.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("got %d branches from fallback, want 2", len(branches))
	}
}

func TestStaleCacheOnRefreshFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("Название точки,ИД 2gist\nТочка А,70000001010000001\n"))
	}))
	defer srv.Close()

	reg := New(Config{FetchURL: srv.URL, CacheTTL: time.Nanosecond, Logger: discard()})
	if _, err := reg.ListBranches(context.Background()); err != nil {
		t.Fatalf("first load: %v", err)
	}
	fail.Store(true)
	time.Sleep(time.Millisecond)
	branches, err := reg.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("stale cache should be served, got error: %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("stale branches = %+v", branches)
	}
}

func TestNoSourceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := New(Config{FetchURL: srv.URL, FallbackFile: filepath.Join(t.TempDir(), "absent.csv"), Logger: discard()})
	if _, err := reg.ListBranches(context.Background()); err == nil {
		t.Fatal("expected error with no usable source")
	}
}

func TestLookups(t *testing.T) {
	reg := New(Config{FallbackFile: writeFallback(t), Logger: discard()})
	ctx := context.Background()

	b, ok, err := reg.LookupByTwoGISID(ctx, "70000001018523789")
	if err != nil || !ok {
		t.Fatalf("LookupByTwoGISID: ok=%v err=%v", ok, err)
	}
	if b.Name != "Sandyq Левый берег" {
		t.Errorf("branch = %+v", b)
	}

	b, ok, err = reg.LookupByIikoID(ctx, "iiko-1")
	if err != nil || !ok {
		t.Fatalf("LookupByIikoID: ok=%v err=%v", ok, err)
	}
	if b.TwoGISID != "70000001018523456" {
		t.Errorf("branch = %+v", b)
	}

	_, ok, err = reg.LookupByTwoGISID(ctx, "0")
	if err != nil || ok {
		t.Fatalf("unknown id should miss, ok=%v err=%v", ok, err)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte("Название точки,ИД 2gist\nТочка А,70000001010000001\n"))
	}))
	defer srv.Close()

	reg := New(Config{FetchURL: srv.URL, CacheTTL: time.Hour, Logger: discard()})
	ctx := context.Background()
	reg.ListBranches(ctx)
	reg.ListBranches(ctx)
	if hits.Load() != 1 {
		t.Fatalf("expected 1 fetch with warm cache, got %d", hits.Load())
	}
	reg.Invalidate()
	reg.ListBranches(ctx)
	if hits.Load() != 2 {
		t.Fatalf("expected refetch after Invalidate, got %d", hits.Load())
	}
}
