// Package proxy adapts Fiber requests to the worker registration: every
// application request is rebuilt as an *http.Request on the configured
// origin, dispatched through lifecycle.Registration.Fetch, and the resulting
// response (cached or from the network) is written back to the client.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/lifecycle"
	"github.com/any-hub/asset-cache/internal/logging"
	"github.com/any-hub/asset-cache/internal/server"
)

// Dispatcher 是 Handler 依赖的派发接口，由 *lifecycle.Registration 实现，测试中可替换。
type Dispatcher interface {
	Fetch(ctx context.Context, req *http.Request) (lifecycle.FetchResult, error)
}

// 响应头 X-Asset-Cache 的取值。
const (
	cacheStatusHit    = "hit"
	cacheStatusMiss   = "miss"
	cacheStatusBypass = "bypass"
)

// Handler 把 Fiber 请求转交给 worker 注册表，并负责写回响应与记录日志。
type Handler struct {
	dispatcher Dispatcher
	origin     *url.URL
	logger     *logrus.Logger
}

// NewHandler 构造处理器；origin 为应用源站，客户端路径都基于它解析。
func NewHandler(dispatcher Dispatcher, origin *url.URL, logger *logrus.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, origin: origin, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(c, nil, "", requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := h.dispatcher.Fetch(req.Context(), req)
	if err != nil {
		status := fiber.StatusBadGateway
		code := "upstream_failed"
		if errors.Is(err, lifecycle.ErrNoResponse) {
			status = fiber.StatusGatewayTimeout
			code = "offline"
		}
		if result.Handled {
			c.Set("X-Asset-Cache", cacheStatusMiss)
		} else {
			c.Set("X-Asset-Cache", cacheStatusBypass)
		}
		h.logResult(c, req, result.Version, requestID, status, started, err)
		return h.writeError(c, status, code)
	}

	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Asset-Cache", cacheStatus(result))
	if result.Version != "" {
		c.Set("X-Asset-Cache-Version", result.Version)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	h.logResult(c, req, result.Version, requestID, resp.Status, started, nil)

	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func cacheStatus(result lifecycle.FetchResult) string {
	switch {
	case !result.Handled:
		return cacheStatusBypass
	case result.Response.Cached():
		return cacheStatusHit
	default:
		return cacheStatusMiss
	}
}

// buildRequest 将 Fiber 请求转换为指向源站的 *http.Request，保留方法、端到端头部与正文。
func (h *Handler) buildRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target := resolveOriginURL(h.origin, c)
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	req *http.Request,
	version string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	target := ""
	if req != nil {
		target = req.URL.String()
	}
	fields := logging.RequestFields(version, c.Method(), target, c.GetRespHeader("X-Asset-Cache"))
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func resolveOriginURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	// path.Clean 会去掉结尾的斜杠，目录形式的路径需要保留。
	if clean != "/" && raw[len(raw)-1] == '/' {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || key == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Append(key, value)
		}
	}
}

var (
	_ server.ProxyHandler = (*Handler)(nil)
	_ Dispatcher          = (*lifecycle.Registration)(nil)
)
