package server

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/notify"
	"github.com/moles-world/shellcache/internal/obs"
	"github.com/moles-world/shellcache/internal/scheduler"
	"github.com/moles-world/shellcache/internal/upstream"
	"github.com/moles-world/shellcache/internal/worker"
)

// HostOptions 汇集宿主持有的协作者。
type HostOptions struct {
	Worker    *worker.Worker
	Fetcher   upstream.Fetcher
	Clients   *ClientTracker
	Inbox     *notify.Inbox
	Metrics   *obs.Metrics
	Scheduler scheduler.Options
	Logger    *logrus.Logger
}

// Host 扮演托管运行时：派发事件、落实 Effect（例如跳过等待后立即激活），
// 并持有定时器与窗口登记表。
type Host struct {
	worker    *worker.Worker
	fetcher   upstream.Fetcher
	clients   *ClientTracker
	inbox     *notify.Inbox
	metrics   *obs.Metrics
	scheduler *scheduler.Scheduler
	logger    *logrus.Logger
}

// NewHost 构造宿主；调度器在 Start 之前不会触发任何事件。
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Worker == nil {
		return nil, errors.New("worker is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clients == nil {
		opts.Clients = NewClientTracker(opts.Logger)
	}
	if opts.Inbox == nil {
		opts.Inbox = notify.NewInbox(0)
	}

	h := &Host{
		worker:  opts.Worker,
		fetcher: opts.Fetcher,
		clients: opts.Clients,
		inbox:   opts.Inbox,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	schedOpts := opts.Scheduler
	if schedOpts.Logger == nil {
		schedOpts.Logger = opts.Logger
	}
	h.scheduler = scheduler.New(h, schedOpts)
	return h, nil
}

// HandleEvent 派发事件并落实 Effect：Activate 为 true 时立即派发 activate，
// 结果合并进返回值。
func (h *Host) HandleEvent(ctx context.Context, ev worker.Event) worker.Effect {
	eff := h.worker.HandleEvent(ctx, ev)
	if !eff.Activate || eff.Err != nil {
		return eff
	}

	act := h.worker.HandleEvent(ctx, worker.ActivateEvent{})
	eff.Purged = act.Purged
	eff.ClaimClients = act.ClaimClients
	if act.Err != nil {
		eff.Err = act.Err
	}
	return eff
}

// Boot 执行安装；没有旧实例占用控制权，安装成功后直接激活。
func (h *Host) Boot(ctx context.Context) error {
	log := h.logger.WithField("action", "startup")
	eff := h.HandleEvent(ctx, worker.InstallEvent{})
	if eff.Err != nil {
		return eff.Err
	}
	if h.worker.State() != worker.StateActivated {
		act := h.HandleEvent(ctx, worker.ActivateEvent{})
		if act.Err != nil {
			return act.Err
		}
		eff.Purged = act.Purged
	}
	log.WithFields(logrus.Fields{
		"state":  h.worker.State(),
		"purged": eff.Purged,
	}).Info("worker_ready")
	return nil
}

// Start 启动定时器。
func (h *Host) Start(ctx context.Context) {
	h.scheduler.Start(ctx)
}

// Stop 停止定时器并等待在途的后台同步与缓存写入。
func (h *Host) Stop() {
	h.scheduler.Stop()
	h.worker.Writer().Wait()
}

// Passthrough 直接访问网络，不经过任何缓存。
func (h *Host) Passthrough(ctx context.Context, req *upstream.Request) (*cache.Response, error) {
	return h.fetcher.Fetch(ctx, req)
}

func (h *Host) Worker() *worker.Worker          { return h.worker }
func (h *Host) Clients() *ClientTracker         { return h.clients }
func (h *Host) Inbox() *notify.Inbox            { return h.inbox }
func (h *Host) Metrics() *obs.Metrics           { return h.metrics }
func (h *Host) Scheduler() *scheduler.Scheduler { return h.scheduler }
func (h *Host) Logger() *logrus.Logger          { return h.logger }
