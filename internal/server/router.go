package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler turns an intercepted HTTP request into a fetch event. It allows
// injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Site       *Site
	Proxy      ProxyHandler
	ListenPort int
	// BodyLimit 限制请求体字节数，<=0 时取 DefaultBodyLimit。
	BodyLimit int
}

// RuntimePrefix 下是网关自己的运行时接口，不做 Host 解析，也不交给 worker。
const RuntimePrefix = "/-/"

// DefaultBodyLimit 足够容纳 POST 消息与推送负载。
const DefaultBodyLimit = 8 * 1024 * 1024

const (
	contextKeyTarget    = "_shellcache_target"
	contextKeyRequestID = "_shellcache_request_id"

	headerRequestID = "X-Request-ID"
	headerScope     = "X-Shellcache-Scope"
	headerHost      = "X-Shellcache-Host"
)

// NewApp builds a Fiber application with Host routing middleware and
// structured error handling. Paths under RuntimePrefix are left to runtime routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Site == nil {
		return nil, errors.New("site is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	bodyLimit := opts.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     bodyLimit,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(scopeMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isRuntimePath(c.Path()) {
			return c.Next()
		}
		target, ok := targetFrom(c)
		if !ok {
			return hostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestIDMiddleware 沿用上游网关传入的合法 UUID 请求 ID，否则新生成一个。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get(headerRequestID))
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set(headerRequestID, reqID)
		return c.Next()
	}
}

// scopeMiddleware 基于 Host/Host:port 解析目标站点，并在响应上标明是站点自身还是允许的外部主机。
func scopeMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isRuntimePath(c.Path()) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(hostHeader(c))
		target, ok := opts.Site.Lookup(rawHost)
		if !ok {
			return hostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyTarget, target)
		c.Set(headerScope, target.Scope())
		opts.Logger.WithFields(logrus.Fields{
			"action":     "host_lookup",
			"host":       target.Host,
			"scope":      target.Scope(),
			"request_id": RequestID(c),
		}).Debug("target resolved")
		return c.Next()
	}
}

func hostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	body := fiber.Map{"error": "host_unmapped"}
	if host != "" {
		c.Set(headerHost, host)
		body["host"] = host
	}
	return c.Status(fiber.StatusNotFound).JSON(body)
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func targetFrom(c fiber.Ctx) (*Target, bool) {
	target, ok := c.Locals(contextKeyTarget).(*Target)
	return target, ok && target != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(contextKeyRequestID).(string)
	return reqID
}

func isRuntimePath(path string) bool {
	return strings.HasPrefix(path, RuntimePrefix)
}
