package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HeaderRequestID 是请求 ID 的响应头；入站请求携带合法 UUID 时沿用。
const HeaderRequestID = "X-Request-ID"

// HeaderHost 回显未映射请求的 Host，便于排查 DNS/反代配置。
const HeaderHost = "X-Offline-Hub-Host"

// ControlPrefix 下的路径不参与 Host 路由，由 routes 包注册的控制端点处理。
const ControlPrefix = "/-/"

// ProxyHandler serves one application request from the offline cache or the
// origin. Tests inject recorders through it.
type ProxyHandler interface {
	Handle(fiber.Ctx, *AppRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *AppRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *AppRoute) error {
	return f(c, route)
}

// AppOptions wires the Fiber application for one listen port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *AppRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	localsRoute     = "_offlinehub_route"
	localsRequestID = "_offlinehub_request_id"
)

// NewApp builds the Fiber application: panic recovery, request ids, Host →
// AppRoute resolution, access logging and JSON error bodies.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("app registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(accessLogMiddleware(opts.Logger))
	app.Use(routeMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if IsControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, ok := RouteFromContext(c)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestIDMiddleware 沿用入站的合法 UUID 请求 ID，否则生成新的。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get(HeaderRequestID))
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Locals(localsRequestID, reqID)
		c.Set(HeaderRequestID, reqID)
		return c.Next()
	}
}

// routeMiddleware 基于 Host/Host:port 查找 AppRoute，控制路径直接放行。
func routeMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if IsControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(hostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(localsRoute, route)
		return c.Next()
	}
}

// accessLogMiddleware 在 debug 级别记录每个请求的 app/状态/耗时。
func accessLogMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		err := c.Next()
		if !logger.IsLevelEnabled(logrus.DebugLevel) {
			return err
		}

		fields := logrus.Fields{
			"action":      "access",
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  RequestID(c),
		}
		if route, ok := RouteFromContext(c); ok {
			fields["app"] = route.Config.Name
		}
		logger.WithFields(fields).Debug("request served")
		return err
	}
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
			code = strings.ReplaceAll(strings.ToLower(fe.Message), " ", "_")
			if status == fiber.StatusNotFound {
				code = "not_found"
			}
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "request_error",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).WithError(err).Error("request failed")
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set(HeaderHost, host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RouteFromContext returns the AppRoute resolved for this request.
func RouteFromContext(c fiber.Ctx) (*AppRoute, bool) {
	route, ok := c.Locals(localsRoute).(*AppRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localsRequestID).(string)
	return reqID
}

// IsControlPath 判断路径是否属于控制端点。
func IsControlPath(path string) bool {
	return strings.HasPrefix(path, ControlPrefix)
}
