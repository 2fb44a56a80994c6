package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/notify"
	"github.com/moles-world/shellcache/internal/upstream"
)

const testOrigin = "https://moles.example"

var testGenerations = cache.Generations{
	Shell:   "moles-world-v2",
	Dynamic: "moles-world-dynamic-v1",
	Image:   "moles-world-images-v1",
}

// fakeNetwork 按 URL 返回预设响应；offline 为 true 时所有请求失败。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	offline   bool
	calls     []string

	// afterFetch 在每次成功应答后调用，用于模拟调用方中途放弃请求。
	afterFetch func()
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]*cache.Response{}}
}

func (f *fakeNetwork) serve(rawURL string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		URL:    rawURL,
	}
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) Fetch(_ context.Context, req *upstream.Request) (*cache.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL.String())
	if f.offline {
		return nil, fmt.Errorf("%w: offline", upstream.ErrNetwork)
	}
	resp, ok := f.responses[req.URL.String()]
	if !ok {
		return nil, fmt.Errorf("%w: no route to %s", upstream.ErrNetwork, req.URL)
	}
	if f.afterFetch != nil {
		f.afterFetch()
	}
	return resp.Clone(), nil
}

type fakeClients struct {
	mu      sync.Mutex
	windows []WindowClient
	claimed bool
	focused []string
	opened  []string
}

func (c *fakeClients) MatchAll(context.Context) ([]WindowClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WindowClient(nil), c.windows...), nil
}

func (c *fakeClients) Focus(_ context.Context, id string) (WindowClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.windows {
		if c.windows[i].ID == id {
			c.windows[i].Focused = true
			c.focused = append(c.focused, id)
			return c.windows[i], nil
		}
	}
	return WindowClient{}, fmt.Errorf("client %s not found", id)
}

func (c *fakeClients) OpenWindow(_ context.Context, rawURL string) (WindowClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	win := WindowClient{ID: fmt.Sprintf("win-%d", len(c.windows)+1), URL: rawURL, Focused: true, Controlled: true}
	c.windows = append(c.windows, win)
	c.opened = append(c.opened, rawURL)
	return win, nil
}

func (c *fakeClients) Claim(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed = true
	return nil
}

type testEnv struct {
	worker   *Worker
	registry *cache.Registry
	network  *fakeNetwork
	clients  *fakeClients
	inbox    *notify.Inbox
}

func abs(t *testing.T, raw string) *url.URL {
	t.Helper()
	base, _ := url.Parse(testOrigin)
	ref, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return base.ResolveReference(ref)
}

func absAll(t *testing.T, raws ...string) []*url.URL {
	t.Helper()
	out := make([]*url.URL, 0, len(raws))
	for _, raw := range raws {
		out = append(out, abs(t, raw))
	}
	return out
}

// newTestEnv 构造使用内存后端的 worker；shell 清单与种子图片的网络响应已就绪。
func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	registry, err := cache.NewRegistry(cache.NewMemoryBackend(), testGenerations)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	network := newFakeNetwork()
	network.serve(testOrigin+"/", http.StatusOK, "<html>home</html>")
	network.serve(testOrigin+"/offline.html", http.StatusOK, "<html>offline</html>")
	network.serve(testOrigin+"/icons/icon-192x192.png", http.StatusOK, "png-192")
	network.serve("https://images.unsplash.com/photo-1.jpg", http.StatusOK, "jpeg-1")
	network.serve("https://images.unsplash.com/photo-2.jpg", http.StatusOK, "jpeg-2")

	inbox := notify.NewInbox(0)
	clients := &fakeClients{}
	opts := Options{
		Origin:          abs(t, "/"),
		AllowedHosts:    []string{"unsplash.com", "fonts.googleapis.com", "cdnjs.cloudflare.com"},
		Precache:        absAll(t, "/", "/offline.html", "/icons/icon-192x192.png"),
		SeedImages:      absAll(t, "https://images.unsplash.com/photo-1.jpg", "https://images.unsplash.com/photo-2.jpg"),
		OfflinePage:     abs(t, "/offline.html"),
		PlaceholderIcon: abs(t, "/icons/icon-192x192.png"),
		Notifications:   notify.NewFanout(inbox),
		Clients:         clients,
	}
	if mutate != nil {
		mutate(&opts)
	}

	w, err := New(registry, network, opts)
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}
	return &testEnv{worker: w, registry: registry, network: network, clients: clients, inbox: inbox}
}

// activate 完成安装与激活。
func (e *testEnv) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.worker.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if _, err := e.worker.Activate(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
}

func request(t *testing.T, method, raw string) *upstream.Request {
	t.Helper()
	req, err := upstream.NewRequest(method, abs(t, raw).String())
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return req
}

func fetch(t *testing.T, w *Worker, req *upstream.Request) Effect {
	t.Helper()
	return w.HandleEvent(context.Background(), FetchEvent{RequestID: "test", Request: req})
}
