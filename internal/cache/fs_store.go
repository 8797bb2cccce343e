package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	entrySuffix   = ".entry"
	createdMarker = ".created"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；mu 同时保护缓存目录的创建与删除。
type fileStore struct {
	basePath string
	now      func() time.Time

	dirMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileCache 是 fileStore 中单个命名缓存的句柄。
type fileCache struct {
	store *fileStore
	name  string
	dir   string
}

// entryRecord 是 .entry 文件的 JSON 结构。
type entryRecord struct {
	Key      string   `json:"key"`
	Response Response `json:"response"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	marker := filepath.Join(dir, createdMarker)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		stamp := strconv.FormatInt(s.now().UnixNano(), 10)
		if err := os.WriteFile(marker, []byte(stamp), 0o644); err != nil {
			return nil, err
		}
	}
	return &fileCache{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Lookup(ctx context.Context, name string) (Cache, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCacheNotFound
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	return &fileCache{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}

	s.dirMu.Lock()
	if _, err := os.Stat(dir); err != nil {
		s.dirMu.Unlock()
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先改名再删除，Keys 不会看到删除到一半的目录。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		s.dirMu.Unlock()
		return false, err
	}
	target := filepath.Join(trash, "cache")
	renameErr := os.Rename(dir, target)
	s.dirMu.Unlock()
	if renameErr != nil {
		os.RemoveAll(trash)
		return false, renameErr
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type namedCache struct {
		name    string
		created int64
	}
	caches := make([]namedCache, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		created := int64(0)
		if raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), createdMarker)); err == nil {
			created, _ = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		}
		caches = append(caches, namedCache{name: name, created: created})
	}
	sort.SliceStable(caches, func(i, j int) bool {
		if caches[i].created != caches[j].created {
			return caches[i].created < caches[j].created
		}
		return caches[i].name < caches[j].name
	})

	result := make([]string, len(caches))
	for i, c := range caches {
		result[i] = c.name
	}
	return result, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) cacheDir(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	escaped := url.PathEscape(name)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	dir := filepath.Join(s.basePath, escaped)
	if filepath.Dir(dir) != s.basePath {
		return "", ErrInvalidName
	}
	return dir, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, req *http.Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := RequestKey(req)
	if err != nil {
		return nil, err
	}

	record, err := readRecord(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if record.Key != key {
		return nil, ErrNotFound
	}
	resp := record.Response
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return &resp, nil
}

func (c *fileCache) Put(ctx context.Context, req *http.Request, resp *Response) error {
	key, err := checkPut(req, resp)
	if err != nil {
		return err
	}
	unlock := c.store.lockEntry(c.name + "::" + key)
	defer unlock()

	if _, err := os.Stat(c.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrCacheNotFound
		}
		return err
	}

	stored := resp.Clone()
	stored.StoredAt = c.store.now().UTC()
	payload, err := json.Marshal(entryRecord{Key: key, Response: *stored})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tempFile, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, c.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (c *fileCache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := RequestKey(req)
	if err != nil {
		return false, err
	}
	unlock := c.store.lockEntry(c.name + "::" + key)
	defer unlock()

	if err := os.Remove(c.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	records := make([]entryRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		record, err := readRecord(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Response.StoredAt.Equal(records[j].Response.StoredAt) {
			return records[i].Response.StoredAt.Before(records[j].Response.StoredAt)
		}
		return records[i].Key < records[j].Key
	})

	result := make([]string, len(records))
	for i, record := range records {
		result[i] = record.Key
	}
	return result, nil
}

func (c *fileCache) entryPath(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%016x%s", xxhash.Sum64String(key), entrySuffix))
}

func readRecord(filePath string) (entryRecord, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return entryRecord{}, err
	}
	if info.IsDir() {
		return entryRecord{}, fs.ErrNotExist
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return entryRecord{}, err
	}
	var record entryRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return entryRecord{}, fmt.Errorf("decode cache entry %s: %w", filepath.Base(filePath), err)
	}
	return record, nil
}

func copyWithContext(ctx context.Context, dst *os.File, payload []byte) (int, error) {
	const chunk = 32 * 1024
	written := 0
	for written < len(payload) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		end := written + chunk
		if end > len(payload) {
			end = len(payload)
		}
		n, err := dst.Write(payload[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
