package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/config"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/server"
	"github.com/moles-world/shellcache/internal/upstream"
)

type stubNetwork struct {
	mu      sync.Mutex
	pages   map[string]string
	offline bool
	calls   int
}

func (n *stubNetwork) Fetch(_ context.Context, req *upstream.Request) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.offline {
		return nil, fmt.Errorf("%w: offline", upstream.ErrNetwork)
	}
	body, ok := n.pages[req.URL.String()]
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}, URL: req.URL.String()}, nil
	}
	return &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}, "Connection": {"keep-alive"}},
		Body:   []byte(body),
		URL:    req.URL.String(),
	}, nil
}

func (n *stubNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *stubNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type proxyEnv struct {
	app     *fiber.App
	host    *server.Host
	network *stubNetwork
}

func newProxyEnv(t *testing.T) *proxyEnv {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			Domain:          "moles.local",
			Origin:          "https://moles.example",
			AllowedHosts:    []string{"unsplash.com"},
			SkipWaiting:     true,
			OfflinePage:     "/offline.html",
			PlaceholderIcon: "/icons/icon-192x192.png",
			Precache:        []string{"/", "/offline.html", "/icons/icon-192x192.png"},
		},
		Caches: config.CacheConfig{
			Shell:   "moles-world-v2",
			Dynamic: "moles-world-dynamic-v1",
			Image:   "moles-world-images-v1",
		},
	}
	registry, err := cache.NewRegistry(cache.NewMemoryBackend(), cfg.Generations())
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	network := &stubNetwork{pages: map[string]string{
		"https://moles.example/":                       "<html>home</html>",
		"https://moles.example/offline.html":           "<html>offline</html>",
		"https://moles.example/icons/icon-192x192.png": "png",
		"https://moles.example/facts":                  "<html>facts</html>",
	}}
	logger := logging.Discard()
	host, err := server.Assemble(server.AssembleOptions{
		Config:   cfg,
		Registry: registry,
		Fetcher:  network,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	t.Cleanup(host.Stop)

	site, err := server.NewSite(cfg)
	if err != nil {
		t.Fatalf("site error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Site:       site,
		Proxy:      NewHandler(host, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return &proxyEnv{app: app, host: host, network: network}
}

func (e *proxyEnv) do(t *testing.T, method, host, target, accept string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+target, nil)
	req.Host = host
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHandlerPassesThroughBeforeActivation(t *testing.T) {
	env := newProxyEnv(t)

	resp, body := env.do(t, http.MethodGet, "moles.local", "/facts", "text/html")
	if resp.StatusCode != http.StatusOK || body != "<html>facts</html>" {
		t.Fatalf("unexpected passthrough response: %d %s", resp.StatusCode, body)
	}
	if src := resp.Header.Get("X-Shellcache-Source"); src != "passthrough" {
		t.Fatalf("expected passthrough source, got %q", src)
	}
	size, _ := env.host.Worker().Registry().Size(context.Background())
	if size != 0 {
		t.Fatalf("passthrough must not populate caches, got %d", size)
	}
}

func TestHandlerServesShellFromCache(t *testing.T) {
	env := newProxyEnv(t)
	if err := env.host.Boot(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	calls := env.network.callCount()

	resp, body := env.do(t, http.MethodGet, "moles.local", "/", "text/html,application/xhtml+xml")
	if resp.StatusCode != http.StatusOK || body != "<html>home</html>" {
		t.Fatalf("unexpected shell response: %d %s", resp.StatusCode, body)
	}
	if src := resp.Header.Get("X-Shellcache-Source"); src != "cache" {
		t.Fatalf("expected cache source, got %q", src)
	}
	if env.network.callCount() != calls {
		t.Fatalf("cache hit must not touch the network")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
	if !strings.Contains(resp.Header.Get("Set-Cookie"), ClientCookie+"=") {
		t.Fatalf("navigation should assign a client cookie, got %q", resp.Header.Get("Set-Cookie"))
	}

	windows, _ := env.host.Clients().MatchAll(context.Background())
	if len(windows) != 1 || windows[0].URL != "https://moles.example/" {
		t.Fatalf("expected navigation to register one window, got %+v", windows)
	}
}

func TestHandlerFallsBackWhenOffline(t *testing.T) {
	env := newProxyEnv(t)
	if err := env.host.Boot(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	env.network.setOffline(true)

	resp, body := env.do(t, http.MethodGet, "moles.local", "/burrows", "text/html")
	if resp.StatusCode != http.StatusOK || body != "<html>offline</html>" {
		t.Fatalf("expected offline page, got %d %s", resp.StatusCode, body)
	}
	if src := resp.Header.Get("X-Shellcache-Source"); src != "offline-page" {
		t.Fatalf("expected offline-page source, got %q", src)
	}

	resp, body = env.do(t, http.MethodGet, "images.unsplash.com", "/photo-9.jpg", "image/webp,image/*")
	if resp.StatusCode != http.StatusOK || body != "png" {
		t.Fatalf("expected placeholder icon, got %d %s", resp.StatusCode, body)
	}
	if src := resp.Header.Get("X-Shellcache-Source"); src != "placeholder" {
		t.Fatalf("expected placeholder source, got %q", src)
	}

	resp, body = env.do(t, http.MethodPost, "moles.local", "/api/feedback", "application/json")
	if resp.StatusCode != http.StatusGatewayTimeout || !strings.Contains(body, "offline") {
		t.Fatalf("expected 504 offline, got %d %s", resp.StatusCode, body)
	}
}

func TestInferRequestKind(t *testing.T) {
	cases := []struct {
		method   string
		path     string
		accept   string
		origin   string
		mode     string
		dest     string
		want     upstream.Destination
		wantMode upstream.Mode
	}{
		{method: "GET", accept: "text/html", want: upstream.DestinationDocument, wantMode: upstream.ModeNavigate},
		{method: "GET", accept: "image/avif,image/*", want: upstream.DestinationImage, wantMode: upstream.ModeNoCORS},
		{method: "GET", accept: "*/*", mode: "no-cors", dest: "image", want: upstream.DestinationImage, wantMode: upstream.ModeNoCORS},
		{method: "GET", accept: "application/json", mode: "cors", dest: "empty", want: upstream.DestinationNone, wantMode: upstream.ModeCORS},
		{method: "POST", accept: "text/html", want: upstream.DestinationNone, wantMode: upstream.ModeNoCORS},
		{method: "GET", accept: "text/css,*/*;q=0.1", want: upstream.DestinationStyle, wantMode: upstream.ModeNoCORS},
		{method: "GET", path: "/styles.css", accept: "*/*", want: upstream.DestinationStyle, wantMode: upstream.ModeNoCORS},
		{method: "GET", path: "/app.js", accept: "*/*", want: upstream.DestinationScript, wantMode: upstream.ModeNoCORS},
		{method: "GET", path: "/fonts/mole.woff2", accept: "*/*", origin: "https://moles.example", want: upstream.DestinationFont, wantMode: upstream.ModeSameOrigin},
		{method: "GET", path: "/api/facts.json", accept: "application/json", origin: "https://other.example", want: upstream.DestinationNone, wantMode: upstream.ModeCORS},
	}
	for _, tc := range cases {
		if tc.path == "" {
			tc.path = "/x"
		}
		req, _ := upstream.NewRequest(tc.method, "https://moles.example"+tc.path)
		req.Header.Set("Accept", tc.accept)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		if tc.mode != "" {
			req.Header.Set("Sec-Fetch-Mode", tc.mode)
		}
		if tc.dest != "" {
			req.Header.Set("Sec-Fetch-Dest", tc.dest)
		}
		req.Mode = inferMode(req)
		req.Destination = inferDestination(req)
		if req.Mode != tc.wantMode || req.Destination != tc.want {
			t.Fatalf("%s %s %s: got mode=%s dest=%s", tc.method, tc.path, tc.accept, req.Mode, req.Destination)
		}
		if req.IsNavigation() != (tc.wantMode == upstream.ModeNavigate) {
			t.Fatalf("%s %s: navigation mismatch", tc.method, tc.path)
		}
	}
}

func TestNormalizeRequestPath(t *testing.T) {
	cases := map[string]string{
		"":            "/",
		"/a/../b":     "/b",
		"/moles/":     "/moles/",
		"//double//x": "/double/x",
	}
	for in, want := range cases {
		if got := normalizeRequestPath(in); got != want {
			t.Fatalf("normalizeRequestPath(%q) = %q, want %q", in, got, want)
		}
	}
}
