// Package worker implements the asset cache manager: the install, activate
// and fetch handlers of one worker version. A Manager is bound to a single
// cache version identifier and manifest for its whole lifetime; deploying a
// new identifier means building a new Manager and handing it to
// lifecycle.Registration.Update.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/asset-cache/internal/cache"
	"github.com/any-hub/asset-cache/internal/lifecycle"
	"github.com/any-hub/asset-cache/internal/logging"
	"github.com/any-hub/asset-cache/internal/network"
)

// Options 描述一个 worker 版本运行所需的全部依赖，均在启动时注入。
type Options struct {
	// Version 是缓存版本标识，同时作为命名缓存的名称。
	Version string
	// Manifest 是安装阶段需要预缓存的相对路径列表。
	Manifest []string
	// Origin 是应用源站，manifest 路径基于它解析。
	Origin  *url.URL
	Storage cache.Storage
	Network network.Fetcher
	Logger  *logrus.Logger
}

// Manager 持有单个版本的 install / activate / fetch 处理逻辑。
type Manager struct {
	version  string
	manifest []*url.URL
	origin   *url.URL
	storage  cache.Storage
	network  network.Fetcher
	logger   *logrus.Logger

	mu    sync.Mutex
	cache cache.Cache
}

// New 校验依赖并预先解析 manifest。
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("cache version is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	manifest := make([]*url.URL, 0, len(opts.Manifest))
	for _, entry := range opts.Manifest {
		resolved, err := network.ResolveURL(opts.Origin, entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		manifest = append(manifest, resolved)
	}

	return &Manager{
		version:  opts.Version,
		manifest: manifest,
		origin:   opts.Origin,
		storage:  opts.Storage,
		network:  opts.Network,
		logger:   opts.Logger,
	}, nil
}

// Version returns the cache version identifier this manager is bound to.
func (m *Manager) Version() string {
	return m.version
}

// Manifest returns the resolved manifest URLs in declaration order.
func (m *Manager) Manifest() []string {
	result := make([]string, len(m.manifest))
	for i, u := range m.manifest {
		result[i] = u.String()
	}
	return result
}

// Register 将三个处理函数绑定到事件源。
func (m *Manager) Register(src lifecycle.Source) {
	src.OnInstall(m.HandleInstall)
	src.OnActivate(m.HandleActivate)
	src.OnFetch(m.HandleFetch)
}

// HandleInstall 预缓存 manifest，成功后请求跳过等待。
func (m *Manager) HandleInstall(ev *lifecycle.InstallEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		if err := m.Precache(ctx); err != nil {
			return err
		}
		ev.SkipWaiting()
		return nil
	})
}

// HandleActivate 清理旧版本缓存，然后接管所有客户端。
func (m *Manager) HandleActivate(ev *lifecycle.ActivateEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		m.Cleanup(ctx)
		ev.Claim()
		return nil
	})
}

// HandleFetch 只处理 GET；其它方法不调用 RespondWith，保持默认网络行为。
func (m *Manager) HandleFetch(ev *lifecycle.FetchEvent) {
	req := ev.Request()
	if req == nil || req.Method != http.MethodGet {
		return
	}
	ev.RespondWith(func(ctx context.Context) (*cache.Response, error) {
		resp, _, err := m.Respond(ctx, req, ev.WaitUntil)
		return resp, err
	})
}

// Precache 并发抓取 manifest 中的全部资源；任一失败则整体失败且不写入任何条目。
func (m *Manager) Precache(ctx context.Context) error {
	started := time.Now()
	fields := logging.EventFields("install", m.version)

	responses := make([]*cache.Response, len(m.manifest))
	requests := make([]*http.Request, len(m.manifest))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, target := range m.manifest {
		group.Go(func() error {
			req, err := http.NewRequestWithContext(groupCtx, http.MethodGet, target.String(), nil)
			if err != nil {
				return err
			}
			resp, err := m.network.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", target, resp.Status)
			}
			requests[i] = req
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		m.logger.WithFields(fields).WithError(err).Error("precache_failed")
		return err
	}

	existed, err := m.storage.Has(ctx, m.version)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error("precache_failed")
		return err
	}

	// 全部资源抓取成功后才创建命名缓存，失败的安装不会留下空缓存。
	c, err := m.openCache(ctx)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error("precache_failed")
		return err
	}

	var (
		total   uint64
		written []precacheWrite
	)
	for i, req := range requests {
		previous, err := c.Match(ctx, req)
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			err = fmt.Errorf("snapshot %s: %w", req.URL, err)
		} else if err = c.Put(ctx, req, responses[i]); err != nil {
			err = fmt.Errorf("store %s: %w", req.URL, err)
		}
		if err != nil {
			m.rollback(context.WithoutCancel(ctx), c, existed, written)
			m.logger.WithFields(fields).WithError(err).Error("precache_failed")
			return err
		}
		written = append(written, precacheWrite{req: req, previous: previous})
		total += uint64(len(responses[i].Body))
	}

	fields["assets"] = len(requests)
	fields["bytes"] = humanize.Bytes(total)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	m.logger.WithFields(fields).Info("precache_complete")
	return nil
}

// precacheWrite 记录安装已写入的条目及其写入前的内容，previous 为 nil 表示原先不存在。
type precacheWrite struct {
	req      *http.Request
	previous *cache.Response
}

// rollback 撤销一次失败安装已经写入的条目：本次创建的缓存整体删除，
// 同名重装则逐条恢复原内容，仍在服务的旧条目不会与新资源混杂。
func (m *Manager) rollback(ctx context.Context, c cache.Cache, existed bool, written []precacheWrite) {
	fields := logging.EventFields("install", m.version)
	if !existed {
		m.mu.Lock()
		m.cache = nil
		m.mu.Unlock()
		if _, err := m.storage.Delete(ctx, m.version); err != nil {
			m.logger.WithFields(fields).WithError(err).Warn("precache_rollback_failed")
		}
		return
	}
	for _, w := range written {
		var err error
		if w.previous != nil {
			err = c.Put(ctx, w.req, w.previous)
		} else {
			_, err = c.Delete(ctx, w.req)
		}
		if err != nil {
			fields["url"] = w.req.URL.String()
			m.logger.WithFields(fields).WithError(err).Warn("precache_rollback_failed")
		}
	}
}

// Cleanup 删除所有名称不等于当前版本的缓存。删除并发发起、统一等待，单个失败不影响其它，
// 也不会向上返回。
func (m *Manager) Cleanup(ctx context.Context) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		m.logger.WithFields(logging.EventFields("activate", m.version)).
			WithError(err).Debug("cache_keys_failed")
		return
	}

	var wg sync.WaitGroup
	for _, name := range names {
		if name == m.version {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			fields := logging.EventFields("activate", m.version)
			fields["cache"] = name
			deleted, err := m.storage.Delete(ctx, name)
			if err != nil {
				m.logger.WithFields(fields).WithError(err).Debug("cache_delete_failed")
				return
			}
			if deleted {
				m.logger.WithFields(fields).Info("cache_deleted")
			}
		}(name)
	}
	wg.Wait()
}

// CacheStatus 标记一次 Respond 的结果来源。
type CacheStatus string

const (
	CacheHit     CacheStatus = "hit"
	CacheMiss    CacheStatus = "miss"
	CacheOffline CacheStatus = "offline"
)

// Respond 执行缓存优先策略：命中直接返回；未命中则回源，200 且同源的响应复制一份交给
// background 异步写入缓存。网络失败时返回 (nil, CacheOffline, nil)。
func (m *Manager) Respond(ctx context.Context, req *http.Request, background func(lifecycle.Task)) (*cache.Response, CacheStatus, error) {
	started := time.Now()
	c, err := m.openCache(ctx)
	if err != nil {
		m.logger.WithFields(logging.EventFields("fetch", m.version)).
			WithError(err).Warn("cache_open_failed")
	} else {
		cached, err := c.Match(ctx, req)
		switch {
		case err == nil:
			m.logResult(req, CacheHit, cached.Status, started)
			return cached, CacheHit, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			m.logger.WithFields(logging.EventFields("fetch", m.version)).
				WithError(err).Warn("cache_match_failed")
		}
	}

	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		fields := logging.RequestFields(m.version, req.Method, req.URL.String(), string(CacheOffline))
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		m.logger.WithFields(fields).WithError(err).Warn("fetch_failed_offline")
		return nil, CacheOffline, nil
	}

	if !isCacheable(resp) || c == nil {
		m.logResult(req, CacheMiss, resp.Status, started)
		return resp, CacheMiss, nil
	}

	stored := resp.Clone()
	task := func(ctx context.Context) error {
		if err := c.Put(ctx, req, stored); err != nil {
			return fmt.Errorf("cache put %s: %w", req.URL, err)
		}
		return nil
	}
	if background != nil {
		background(task)
	}
	m.logResult(req, CacheMiss, resp.Status, started)
	return resp, CacheMiss, nil
}

func (m *Manager) logResult(req *http.Request, status CacheStatus, upstreamStatus int, started time.Time) {
	fields := logging.RequestFields(m.version, req.Method, req.URL.String(), string(status))
	fields["status"] = upstreamStatus
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	m.logger.WithFields(fields).Debug("fetch_complete")
}

// openCache 懒加载当前版本的命名缓存句柄。
func (m *Manager) openCache(ctx context.Context) (cache.Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil {
		return m.cache, nil
	}
	c, err := m.storage.Open(ctx, m.version)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", m.version, err)
	}
	m.cache = c
	return c, nil
}

// isCacheable 只允许 200 且同源（basic）的响应写入缓存。
func isCacheable(resp *cache.Response) bool {
	return resp != nil && resp.Status == http.StatusOK && resp.Type == cache.ResponseTypeBasic
}
