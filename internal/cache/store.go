package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理一组按名称区分的缓存，语义对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时自动创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Lookup 返回已存在的缓存，不存在时返回 ErrCacheNotFound，不会创建。
	Lookup(ctx context.Context, name string) (Cache, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回全部缓存名称。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层资源（文件句柄、数据库连接等）。
	Close() error
}

// Cache 是单个命名缓存，仅保存 GET 请求对应的完整响应。
type Cache interface {
	Name() string

	// Match 返回与请求 URL 匹配的响应副本；未命中时返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request) (*Response, error)

	// Put 写入（或覆盖）请求对应的响应。非 GET 请求返回 ErrMethodNotCacheable。
	Put(ctx context.Context, req *http.Request, resp *Response) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, req *http.Request) (bool, error)

	// Keys 返回当前缓存中全部条目的 URL。
	Keys(ctx context.Context) ([]string, error)
}

// ResponseType 对应 Fetch 规范中的 Response.type。
type ResponseType string

const (
	// ResponseTypeBasic 表示同源响应，只有这类响应允许写入缓存。
	ResponseTypeBasic ResponseType = "basic"
	// ResponseTypeCORS 表示经过 CORS 校验的跨域响应。
	ResponseTypeCORS ResponseType = "cors"
	// ResponseTypeOpaque 表示跨域的不透明响应。
	ResponseTypeOpaque ResponseType = "opaque"
	// ResponseTypeError 表示网络错误占位响应。
	ResponseTypeError ResponseType = "error"
)

// Response 是一次完整的 HTTP 响应记录，正文整体保存在内存中，便于复制与落盘。
type Response struct {
	URL      string       `json:"url"`
	Status   int          `json:"status"`
	Header   http.Header  `json:"header"`
	Type     ResponseType `json:"type"`
	Body     []byte       `json:"body"`
	StoredAt time.Time    `json:"stored_at,omitempty"`
}

// OK 对应 Response.ok，即状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Cached 表示响应来自缓存存储而非网络；只有存储层读出的记录会带 StoredAt。
func (r *Response) Cached() bool {
	return r != nil && !r.StoredAt.IsZero()
}

// Clone 深拷贝响应，一份返回给调用方，一份写入缓存，互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// RequestKey 生成缓存键：去掉 fragment 的绝对 URL，与请求方法无关。
func RequestKey(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", errors.New("request url required")
	}
	if !req.URL.IsAbs() {
		return "", ErrRelativeURL
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheNotFound 表示命名缓存不存在。
	ErrCacheNotFound = errors.New("cache not found")
	// ErrMethodNotCacheable 表示仅 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrRelativeURL 表示请求 URL 必须是绝对地址。
	ErrRelativeURL = errors.New("request url must be absolute")
	// ErrInvalidName 表示缓存名称不合法。
	ErrInvalidName = errors.New("invalid cache name")
)

func checkPut(req *http.Request, resp *Response) (string, error) {
	if req == nil {
		return "", errors.New("request required")
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return "", ErrMethodNotCacheable
	}
	if resp == nil {
		return "", errors.New("response required")
	}
	return RequestKey(req)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}
