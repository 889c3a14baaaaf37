package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/reconcile"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/upstream"
)

// 响应头：标记缓存命中与响应来源。
const (
	HeaderCacheHit = "X-Offline-Hub-Cache-Hit"
	HeaderSource   = "X-Offline-Hub-Source"
)

// sourcePassthrough 表示请求未经离线缓存，直接转发至源站。
const sourcePassthrough = "passthrough"

// Handler 负责“规范化键 → 当前版本 Serve → 写回响应”的流程；
// 不受 manifest 管理的请求原样转发至源站且不写缓存。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with a shared HTTP client and logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		client: client,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	if c.Method() != http.MethodGet {
		return h.passthrough(c, route, "", requestID, started)
	}

	key, ok := manifest.NormalizeKey(route.Scope, requestPath(c), string(c.Request().URI().QueryString()))
	if !ok {
		return h.passthrough(c, route, "", requestID, started)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	active := route.Controller.WaitActive(ctx, route.ReadyTimeout)
	if active == nil {
		return h.passthrough(c, route, key, requestID, started)
	}

	result, err := active.Serve(ctx, key)
	switch {
	case errors.Is(err, reconcile.ErrDeclined):
		return h.passthrough(c, route, key, requestID, started)
	case err != nil:
		h.logResult(route, key, "", requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	return h.writeResult(c, route, key, result, requestID, started)
}

func (h *Handler) writeResult(
	c fiber.Ctx,
	route *server.AppRoute,
	key string,
	result *reconcile.Result,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	c.Set(HeaderCacheHit, fmt.Sprintf("%t", result.CacheHit()))
	c.Set(HeaderSource, string(result.Source))
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	h.logResult(route, key, string(result.Source), requestID, resp.Status, result.CacheHit(), started, nil)
	return c.Send(resp.Body)
}

// passthrough 将请求原样转发至源站并流式返回，不写入任何 bucket。
func (h *Handler) passthrough(c fiber.Ctx, route *server.AppRoute, key, requestID string, started time.Time) error {
	upstreamURL := resolveOriginURL(route.OriginURL, requestPath(c), c.Request().URI().QueryString())
	req, err := h.buildUpstreamRequest(c, upstreamURL, route)
	if err != nil {
		h.logResult(route, key, sourcePassthrough, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(route, key, sourcePassthrough, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCacheHit, "false")
	c.Set(HeaderSource, sourcePassthrough)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, key, sourcePassthrough, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, key, sourcePassthrough, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "proxy_stream_failed")
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, target *url.URL, route *server.AppRoute) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	upstream.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.AppRoute,
	key string,
	source string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, key, source, requestID, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// resolveOriginURL 将请求路径拼接在源站路径之后，保留源站自身的路径前缀。
func resolveOriginURL(origin *url.URL, requestPath string, rawQuery []byte) *url.URL {
	target := *origin
	target.Path = strings.TrimRight(origin.Path, "/") + requestPath
	target.RawPath = ""
	target.RawQuery = string(rawQuery)
	target.Fragment = ""
	return &target
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
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
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
