package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/server"
	"github.com/moles-world/shellcache/internal/upstream"
	"github.com/moles-world/shellcache/internal/worker"
)

// ClientCookie 标识浏览器窗口，导航请求据此登记到 ClientTracker。
const ClientCookie = "shellcache_client"

// Handler 把网关收到的请求转换为 fetch 事件交给 worker；worker 放行的请求直接回源。
type Handler struct {
	host   *server.Host
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the hosted worker.
func NewHandler(host *server.Host, logger *logrus.Logger) *Handler {
	if logger == nil && host != nil {
		logger = host.Logger()
	}
	return &Handler{host: host, logger: logger}
}

// Handle 执行 fetch 事件并把结果写回客户端，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildRequest(c, target)
	if target.Own && req.IsNavigation() {
		h.trackWindow(c, req)
	}

	eff := h.host.HandleEvent(ctx, worker.FetchEvent{RequestID: requestID, Request: req})
	resp, source, err := eff.Response, string(eff.Source), eff.Err
	if eff.Passthrough && err == nil {
		source = "passthrough"
		resp, err = h.host.Passthrough(ctx, req)
	}
	if err != nil {
		h.logResult(req, requestID, string(eff.Strategy), source, 0, started, err)
		if errors.Is(err, upstream.ErrNetwork) {
			return h.writeError(c, fiber.StatusGatewayTimeout, "offline")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	writeResponse(c, resp, requestID, source)
	h.logResult(req, requestID, string(eff.Strategy), source, resp.Status, started, nil)
	return nil
}

// trackWindow 以 cookie 标识窗口，首次导航时下发 cookie。
func (h *Handler) trackWindow(c fiber.Ctx, req *upstream.Request) {
	id := c.Cookies(ClientCookie)
	win := h.host.Clients().Navigate(id, req.URL.String())
	if id == "" {
		c.Cookie(&fiber.Cookie{
			Name:     ClientCookie,
			Value:    win.ID,
			Path:     "/",
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *upstream.Request,
	requestID string,
	strategy string,
	source string,
	status int,
	started time.Time,
	err error,
) {
	fields := logrus.Fields{
		"action":          "proxy",
		"method":          req.Method,
		"url":             req.URL.String(),
		"strategy":        strategy,
		"source":          source,
		"upstream_status": status,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 把 Fiber 请求还原为目标站点上的 upstream.Request。
func buildRequest(c fiber.Ctx, target *server.Target) *upstream.Request {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}

	header := fiberHeadersAsHTTP(c)
	req := &upstream.Request{
		Method: strings.ToUpper(c.Method()),
		URL:    target.Base.ResolveReference(relative),
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
	}
	req.Mode = inferMode(req)
	req.Destination = inferDestination(req)
	return req
}

// inferMode 优先使用 Sec-Fetch-Mode；缺失时把接受 HTML 的 GET 视为导航，带 Origin 的按同源与否区分。
func inferMode(req *upstream.Request) upstream.Mode {
	if mode := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode"))); mode != "" {
		return upstream.Mode(mode)
	}
	if req.Method == http.MethodGet && req.AcceptsHTML() {
		return upstream.ModeNavigate
	}
	if origin := req.Header.Get("Origin"); origin != "" && origin != "null" {
		if origin == req.URL.Scheme+"://"+req.URL.Host {
			return upstream.ModeSameOrigin
		}
		return upstream.ModeCORS
	}
	return upstream.ModeNoCORS
}

// inferDestination 优先使用 Sec-Fetch-Dest；缺失时只认只接受图片的请求为 image，
// 样式、脚本、字体按 Accept 与扩展名推断。
func inferDestination(req *upstream.Request) upstream.Destination {
	if dest := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest"))); dest != "" && dest != "empty" {
		return upstream.Destination(dest)
	}
	switch {
	case req.Mode == upstream.ModeNavigate:
		return upstream.DestinationDocument
	case req.AcceptsImage() && !req.AcceptsHTML():
		return upstream.DestinationImage
	case strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/css"):
		return upstream.DestinationStyle
	}
	switch strings.ToLower(path.Ext(req.URL.Path)) {
	case ".css":
		return upstream.DestinationStyle
	case ".js", ".mjs":
		return upstream.DestinationScript
	case ".woff", ".woff2", ".ttf", ".otf":
		return upstream.DestinationFont
	}
	return upstream.DestinationNone
}

func writeResponse(c fiber.Ctx, resp *cache.Response, requestID, source string) {
	for key, values := range resp.Header {
		if upstream.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set("X-Shellcache-Source", source)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return
	}
	c.Response().SetBodyRaw(resp.Body)
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

var _ server.ProxyHandler = (*Handler)(nil)
