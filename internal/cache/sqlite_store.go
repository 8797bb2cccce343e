package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "asset-cache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	cache_name  TEXT NOT NULL REFERENCES caches(name) ON DELETE CASCADE,
	request_key TEXT NOT NULL,
	url         TEXT NOT NULL,
	status      INTEGER NOT NULL,
	type        TEXT NOT NULL,
	header_json TEXT NOT NULL,
	body        BLOB,
	stored_at   INTEGER NOT NULL,
	PRIMARY KEY (cache_name, request_key)
);
`

// SQLiteStore 将全部命名缓存保存在同一个 SQLite 数据库中。
type SQLiteStore struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// NewSQLiteStore 在 basePath 下打开（或创建）asset-cache.db 并初始化表结构。
func NewSQLiteStore(basePath string) (*SQLiteStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	// 写事务以 BEGIN IMMEDIATE 开启，并发写入按 busy_timeout 排队，不会在读锁升级时直接 SQLITE_BUSY。
	dsn := filepath.Join(abs, SQLiteFileName) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the underlying SQLite connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)`,
		name, s.now().UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{store: s, name: name}, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, name string) (Cache, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCacheNotFound
	}
	return &sqliteCache{store: s, name: name}, nil
}

func (s *SQLiteStore) Has(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM caches WHERE name = ?`, name,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("lookup cache %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM caches ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqliteCache struct {
	store *SQLiteStore
	name  string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, req *http.Request) (*Response, error) {
	key, err := RequestKey(req)
	if err != nil {
		return nil, err
	}

	row := c.store.sqlDB.QueryRowContext(ctx,
		`SELECT url, status, type, header_json, body, stored_at
		 FROM entries
		 WHERE cache_name = ? AND request_key = ?`,
		c.name, key,
	)

	var (
		resp       Response
		respType   string
		headerJSON string
		storedAt   int64
	)
	if err := row.Scan(&resp.URL, &resp.Status, &respType, &headerJSON, &resp.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	resp.Type = ResponseType(respType)
	resp.StoredAt = time.Unix(0, storedAt).UTC()
	resp.Header = http.Header{}
	if err := json.Unmarshal([]byte(headerJSON), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header for %s: %w", key, err)
	}
	return &resp, nil
}

func (c *sqliteCache) Put(ctx context.Context, req *http.Request, resp *Response) error {
	key, err := checkPut(req, resp)
	if err != nil {
		return err
	}
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	tx, err := c.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM caches WHERE name = ?`, c.name).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrCacheNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (cache_name, request_key, url, status, type, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_name, request_key) DO UPDATE SET
			url = excluded.url,
			status = excluded.status,
			type = excluded.type,
			header_json = excluded.header_json,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		c.name, key, resp.URL, resp.Status, string(resp.Type), string(headerJSON), resp.Body, c.store.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return tx.Commit()
}

func (c *sqliteCache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	key, err := RequestKey(req)
	if err != nil {
		return false, err
	}
	result, err := c.store.sqlDB.ExecContext(ctx,
		`DELETE FROM entries WHERE cache_name = ? AND request_key = ?`, c.name, key,
	)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.store.sqlDB.QueryContext(ctx,
		`SELECT request_key FROM entries WHERE cache_name = ? ORDER BY stored_at, request_key`, c.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
