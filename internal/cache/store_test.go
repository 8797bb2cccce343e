package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// eachDriver runs fn against a fresh storage of every built-in driver.
func eachDriver(t *testing.T, fn func(t *testing.T, store Storage)) {
	t.Helper()
	for _, driver := range []string{"fs", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			store, err := OpenStorage(driver, t.TempDir())
			if err != nil {
				t.Fatalf("open %s storage: %v", driver, err)
			}
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store)
		})
	}
}

func TestStorePutAndMatch(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c, err := store.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		req := mustRequest(t, "https://app.local/app.js")
		payload := []byte("console.log('v1')")
		resp := &Response{
			URL:    "https://app.local/app.js",
			Status: http.StatusOK,
			Type:   ResponseTypeBasic,
			Header: http.Header{"Content-Type": []string{"text/javascript"}},
			Body:   payload,
		}
		if err := c.Put(ctx, req, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := c.Match(ctx, mustRequest(t, "https://app.local/app.js#ignored"))
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != string(payload) {
			t.Fatalf("cached payload mismatch: %s", string(got.Body))
		}
		if got.Status != http.StatusOK || got.Type != ResponseTypeBasic {
			t.Fatalf("unexpected status/type: %d %s", got.Status, got.Type)
		}
		if got.Header.Get("Content-Type") != "text/javascript" {
			t.Fatalf("header not preserved: %v", got.Header)
		}
		if got.StoredAt.IsZero() {
			t.Fatalf("stored_at should be recorded")
		}
	})
}

func TestStoreMatchMissing(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c, err := store.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		if _, err := c.Match(ctx, mustRequest(t, "https://app.local/missing")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStorePutRejectsNonGet(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c, err := store.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		req, _ := http.NewRequest(http.MethodPost, "https://app.local/api", nil)
		if err := c.Put(ctx, req, &Response{Status: http.StatusOK}); !errors.Is(err, ErrMethodNotCacheable) {
			t.Fatalf("expected ErrMethodNotCacheable, got %v", err)
		}
	})
}

func TestStoreEntryDelete(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c, err := store.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		req := mustRequest(t, "https://app.local/remove")
		if err := c.Put(ctx, req, &Response{Status: http.StatusOK, Body: []byte("data")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		deleted, err := c.Delete(ctx, req)
		if err != nil || !deleted {
			t.Fatalf("delete should report removal, got %v %v", deleted, err)
		}
		if _, err := c.Match(ctx, req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		if deleted, _ := c.Delete(ctx, req); deleted {
			t.Fatalf("second delete should report false")
		}
	})
}

func TestStorageKeysAndDelete(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		for _, name := range []string{"app-v1", "app/v2", ".hidden"} {
			c, err := store.Open(ctx, name)
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			if err := c.Put(ctx, mustRequest(t, "https://app.local/"), &Response{Status: http.StatusOK}); err != nil {
				t.Fatalf("put into %s: %v", name, err)
			}
		}

		keys, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 3 {
			t.Fatalf("expected 3 caches, got %v", keys)
		}

		deleted, err := store.Delete(ctx, "app/v2")
		if err != nil || !deleted {
			t.Fatalf("delete cache failed: %v %v", deleted, err)
		}
		if ok, _ := store.Has(ctx, "app/v2"); ok {
			t.Fatalf("deleted cache should be gone")
		}
		if ok, _ := store.Has(ctx, ".hidden"); !ok {
			t.Fatalf("dot-prefixed cache should still exist")
		}
		if deleted, _ := store.Delete(ctx, "never-created"); deleted {
			t.Fatalf("deleting unknown cache should report false")
		}

		keys, _ = store.Keys(ctx)
		if len(keys) != 2 {
			t.Fatalf("expected 2 caches after delete, got %v", keys)
		}
	})
}

func TestPutIntoDeletedCacheFails(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c, err := store.Open(ctx, "stale")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		if _, err := store.Delete(ctx, "stale"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		err = c.Put(ctx, mustRequest(t, "https://app.local/late"), &Response{Status: http.StatusOK})
		if !errors.Is(err, ErrCacheNotFound) {
			t.Fatalf("expected ErrCacheNotFound, got %v", err)
		}
		if ok, _ := store.Has(ctx, "stale"); ok {
			t.Fatalf("late put must not resurrect the cache")
		}
	})
}

func TestCacheKeysListsStoredURLs(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c, err := store.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		for _, raw := range []string{"https://app.local/a.css", "https://app.local/b.js"} {
			if err := c.Put(ctx, mustRequest(t, raw), &Response{Status: http.StatusOK}); err != nil {
				t.Fatalf("put error: %v", err)
			}
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("expected 2 keys, got %v", keys)
		}
	})
}

func TestFileStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c, err := store.Open(ctx, "app-v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	fc, ok := c.(*fileCache)
	if !ok {
		t.Fatalf("unexpected cache type %T", c)
	}

	req := mustRequest(t, "https://app.local/v2")
	if err := os.MkdirAll(fc.entryPath("https://app.local/v2"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := c.Match(ctx, req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestFileStoreKeysFollowCreationOrder(t *testing.T) {
	store := newTestStore(t)
	fs := store.(*fileStore)
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	fs.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := store.Open(ctx, name); err != nil {
			t.Fatalf("open error: %v", err)
		}
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
	if _, err := os.Stat(filepath.Join(fs.basePath, "zeta", createdMarker)); err != nil {
		t.Fatalf("creation marker missing: %v", err)
	}
}

func TestOpenRejectsInvalidNames(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		for _, name := range []string{"", ".", ".."} {
			if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
				t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
			}
		}
	})
}

func TestResponseCloneIsIndependent(t *testing.T) {
	original := &Response{Status: http.StatusOK, Header: http.Header{"X": []string{"1"}}, Body: []byte("abc")}
	cloned := original.Clone()
	cloned.Body[0] = 'z'
	cloned.Header.Set("X", "2")
	if string(original.Body) != "abc" || original.Header.Get("X") != "1" {
		t.Fatalf("clone must not share body or header")
	}
}

func TestOpenStorageUnknownDriver(t *testing.T) {
	if _, err := OpenStorage("redis", t.TempDir()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
	if !HasDriver("SQLite") {
		t.Fatalf("driver lookup should be case-insensitive")
	}
}

// newTestStore returns a disk Storage backed by a temporary directory.
func newTestStore(t *testing.T) Storage {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, raw, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestMatchedResponsesReportCached(t *testing.T) {
	eachDriver(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		c, err := storage.Open(ctx, "v1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		fresh := &Response{Status: 200, Type: ResponseTypeBasic, Body: []byte("x")}
		if fresh.Cached() {
			t.Fatalf("network response should not be marked cached")
		}
		req := mustRequest(t, "https://app.local/x.js")
		if err := c.Put(ctx, req, fresh); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := c.Match(ctx, req)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if !got.Cached() {
			t.Fatalf("matched response should be marked cached")
		}
		if fresh.Cached() {
			t.Fatalf("put must not mutate the caller's response")
		}
	})
}

func TestConcurrentPutsAllLand(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		c, err := store.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		const writers = 64
		errs := make(chan error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			raw := fmt.Sprintf("https://app.local/a%d.js", i)
			req := mustRequest(t, raw)
			resp := &Response{URL: raw, Status: http.StatusOK, Type: ResponseTypeBasic, Body: []byte(raw)}
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- c.Put(ctx, req, resp)
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				t.Fatalf("concurrent put failed: %v", err)
			}
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != writers {
			t.Fatalf("expected %d entries, got %d", writers, len(keys))
		}
	})
}

func TestLookupNeverCreates(t *testing.T) {
	eachDriver(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		if _, err := store.Lookup(ctx, "ghost"); !errors.Is(err, ErrCacheNotFound) {
			t.Fatalf("expected ErrCacheNotFound, got %v", err)
		}
		if ok, _ := store.Has(ctx, "ghost"); ok {
			t.Fatalf("lookup must not create the cache")
		}

		c, err := store.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		req := mustRequest(t, "https://app.local/app.js")
		if err := c.Put(ctx, req, &Response{Status: http.StatusOK, Body: []byte("js")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		found, err := store.Lookup(ctx, "app-v1")
		if err != nil {
			t.Fatalf("lookup error: %v", err)
		}
		got, err := found.Match(ctx, req)
		if err != nil || string(got.Body) != "js" {
			t.Fatalf("lookup handle should read stored entries: %v", err)
		}
	})
}
