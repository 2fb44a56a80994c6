package worker

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/notify"
	"github.com/moles-world/shellcache/internal/obs"
	"github.com/moles-world/shellcache/internal/refresh"
	"github.com/moles-world/shellcache/internal/upstream"
)

var (
	// ErrNoResponse 表示回退链耗尽，没有可返回的响应。
	ErrNoResponse = errors.New("no response available")
	// ErrInvalidState 表示生命周期状态不允许该操作。
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrUnknownTag 表示同步 tag 没有绑定任务。
	ErrUnknownTag = errors.New("unknown sync tag")
	// ErrInvalidMessage 表示消息无法解析。
	ErrInvalidMessage = errors.New("invalid message")
)

// Options 描述 worker 的协作者与 app shell 清单，URL 均为绝对地址。
type Options struct {
	Origin          *url.URL
	AllowedHosts    []string
	Precache        []*url.URL
	SeedImages      []*url.URL
	OfflinePage     *url.URL
	PlaceholderIcon *url.URL
	// SkipWaiting 为 true 时安装完成后立即进入 activating。
	SkipWaiting bool

	Jobs          *refresh.Registry
	Notifications notify.Center
	Clients       Clients
	Metrics       *obs.Metrics
	Logger        *logrus.Logger
}

// Worker 是一个 service worker 实例。
type Worker struct {
	registry *cache.Registry
	writer   *cache.Writer
	fetcher  upstream.Fetcher
	router   *Router
	opts     Options
	logger   *logrus.Logger
	metrics  *obs.Metrics
	now      func() time.Time

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

// New 构造处于 uninstalled 状态的 worker。
func New(registry *cache.Registry, fetcher upstream.Fetcher, opts Options) (*Worker, error) {
	if registry == nil {
		return nil, errors.New("cache registry required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin required")
	}
	if opts.OfflinePage == nil || opts.PlaceholderIcon == nil {
		return nil, errors.New("offline page and placeholder icon required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Notifications == nil {
		opts.Notifications = notify.NewFanout(nil)
	}
	if opts.Jobs == nil {
		opts.Jobs, _ = refresh.NewRegistry()
	}

	w := &Worker{
		registry:    registry,
		fetcher:     fetcher,
		opts:        opts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         time.Now,
		state:       StateUninstalled,
		skipWaiting: opts.SkipWaiting,
	}
	w.writer = cache.NewWriter(registry, w.observeWrite)
	w.router = newRouter(w)
	w.metrics.SetLifecycleState(string(StateUninstalled))
	return w, nil
}

// Writer 返回 worker 使用的写穿器，后台任务共用同一个实例。
func (w *Worker) Writer() *cache.Writer {
	return w.writer
}

// Registry 返回共享的缓存注册表。
func (w *Worker) Registry() *cache.Registry {
	return w.registry
}

// Router 返回请求路由器。
func (w *Worker) Router() *Router {
	return w.router
}

// Jobs 返回任务注册表。
func (w *Worker) Jobs() *refresh.Registry {
	return w.opts.Jobs
}

func (w *Worker) observeWrite(cacheName, key string, err error) {
	w.metrics.RecordCacheWrite(cacheName, err)
	entry := w.logger.WithFields(logrus.Fields{
		"action": "cache_write",
		"cache":  cacheName,
		"key":    key,
	})
	if err != nil {
		entry.WithError(err).Warn("cache_write_failed")
		return
	}
	entry.Debug("cache_write_done")
}
