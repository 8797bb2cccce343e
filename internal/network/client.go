package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/asset-cache/internal/cache"
)

// ErrNetwork 表示传输层失败（连接被拒、DNS、超时等），HTTP 错误状态码不算在内。
var ErrNetwork = errors.New("network request failed")

// Fetcher 执行一次真实的网络请求，测试中可替换为假实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Client 通过共享 http.Client 访问源站，并按源判定响应类型。
type Client struct {
	client *http.Client
	origin *url.URL
}

// NewClient 构造网络客户端，origin 必须是带 Host 的绝对地址。
func NewClient(client *http.Client, origin *url.URL) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if origin == nil || !origin.IsAbs() || origin.Host == "" {
		return nil, errors.New("absolute origin is required")
	}
	return &Client{client: client, origin: origin}, nil
}

// Origin 返回当前配置的源站地址。
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Fetch 发送请求并读取完整正文；只有传输层错误才会返回 error。
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request required")
	}

	target := req.URL
	if !target.IsAbs() {
		target = c.origin.ResolveReference(target)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	body := req.Body
	if body == nil {
		body = http.NoBody
	}

	outbound, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(outbound.Header, req.Header)
	// 交给 Transport 处理压缩，缓存中保存的是解压后的正文。
	outbound.Header.Del("Accept-Encoding")
	outbound.ContentLength = req.ContentLength

	resp, err := c.client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, target.Redacted(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body of %s: %v", ErrNetwork, target.Redacted(), err)
	}

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)

	return &cache.Response{
		URL:    final.String(),
		Status: resp.StatusCode,
		Header: header,
		Type:   c.classify(final),
		Body:   payload,
	}, nil
}

func (c *Client) classify(final *url.URL) cache.ResponseType {
	if SameOrigin(c.origin, final) {
		return cache.ResponseTypeBasic
	}
	return cache.ResponseTypeOpaque
}

// SameOrigin 比较 scheme + host + 端口（默认端口归一化）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname()) && effectivePort(a) == effectivePort(b)
}

// ResolveURL 以 origin 为基准解析 ref。
func ResolveURL(origin *url.URL, ref string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	if parsed.IsAbs() {
		return parsed, nil
	}
	if origin == nil {
		return nil, errors.New("origin is required for relative urls")
	}
	return origin.ResolveReference(parsed), nil
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 将 src 中的端到端头复制到 dst，跳过 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[http.CanonicalHeaderKey(key)]
	return ok
}
