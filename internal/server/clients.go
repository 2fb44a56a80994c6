package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/worker"
)

// ClientTracker 记录经由网关导航的浏览器窗口，实现 worker.Clients。
// 窗口由 client cookie 标识；OpenWindow 只登记一个待打开窗口。
type ClientTracker struct {
	mu      sync.RWMutex
	windows map[string]*worker.WindowClient
	order   []string
	claimed bool
	logger  *logrus.Logger
}

// NewClientTracker 构造空的窗口登记表。
func NewClientTracker(logger *logrus.Logger) *ClientTracker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ClientTracker{windows: make(map[string]*worker.WindowClient), logger: logger}
}

// Navigate 记录窗口 id 的最新 URL，id 为空时分配新 ID。
func (t *ClientTracker) Navigate(id, rawURL string) worker.WindowClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	win, ok := t.windows[id]
	if !ok {
		win = &worker.WindowClient{ID: id}
		t.windows[id] = win
		t.order = append(t.order, id)
	}
	win.URL = rawURL
	win.Controlled = t.claimed
	return *win
}

// MatchAll implements worker.Clients.
func (t *ClientTracker) MatchAll(ctx context.Context) ([]worker.WindowClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]worker.WindowClient, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.windows[id])
	}
	return out, nil
}

// Focus implements worker.Clients.
func (t *ClientTracker) Focus(_ context.Context, id string) (worker.WindowClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.windows[id]
	if !ok {
		return worker.WindowClient{}, fmt.Errorf("client %s not found", id)
	}
	for _, win := range t.windows {
		win.Focused = win.ID == id
	}
	t.logger.WithFields(logrus.Fields{"action": "clients", "client_id": id, "url": target.URL}).Info("client_focus")
	return *target, nil
}

// OpenWindow implements worker.Clients.
func (t *ClientTracker) OpenWindow(_ context.Context, rawURL string) (worker.WindowClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	win := &worker.WindowClient{ID: uuid.NewString(), URL: rawURL, Focused: true, Controlled: t.claimed}
	for _, existing := range t.windows {
		existing.Focused = false
	}
	t.windows[win.ID] = win
	t.order = append(t.order, win.ID)
	t.logger.WithFields(logrus.Fields{"action": "clients", "client_id": win.ID, "url": rawURL}).Info("client_open")
	return *win, nil
}

// Claim implements worker.Clients：此后所有窗口都受 worker 控制。
func (t *ClientTracker) Claim(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimed = true
	for _, win := range t.windows {
		win.Controlled = true
	}
	return nil
}
