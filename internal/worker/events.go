package worker

import (
	"context"
	"fmt"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/notify"
	"github.com/moles-world/shellcache/internal/upstream"
)

// Event 是宿主派发给 worker 的事件。
type Event interface {
	Kind() string
}

type InstallEvent struct{}

type ActivateEvent struct{}

type FetchEvent struct {
	RequestID string
	Request   *upstream.Request
}

type PushEvent struct {
	Payload []byte
}

type NotificationClickEvent struct {
	Notification notify.Notification
	Action       string
}

type SyncEvent struct {
	Tag string
}

type PeriodicSyncEvent struct {
	Tag string
}

type MessageEvent struct {
	Message Message
}

func (InstallEvent) Kind() string           { return "install" }
func (ActivateEvent) Kind() string          { return "activate" }
func (FetchEvent) Kind() string             { return "fetch" }
func (PushEvent) Kind() string              { return "push" }
func (NotificationClickEvent) Kind() string { return "notificationclick" }
func (SyncEvent) Kind() string              { return "sync" }
func (PeriodicSyncEvent) Kind() string      { return "periodicsync" }
func (MessageEvent) Kind() string           { return "message" }

// JobOutcome 是一次后台任务的结果。
type JobOutcome struct {
	Tag string `json:"tag"`
	Job string `json:"job"`
	OK  bool   `json:"ok"`
}

// Effect 是事件处理结果，由宿主负责落实。
type Effect struct {
	// Response 是 fetch 的应答。
	Response *cache.Response
	Strategy Strategy
	Source   Source
	// Passthrough 表示宿主应自行直连网络。
	Passthrough bool

	Install *InstallResult
	Purged  []string
	// Activate 表示宿主应立即派发 ActivateEvent。
	Activate bool
	// ClaimClients 表示 worker 已接管所有窗口。
	ClaimClients bool

	Notification *notify.Notification
	Click        *ClickResult
	Job          *JobOutcome
	Reply        any

	Err error
}

// HandleEvent 是 worker 唯一的事件入口。
func (w *Worker) HandleEvent(ctx context.Context, ev Event) Effect {
	switch e := ev.(type) {
	case InstallEvent:
		res, err := w.Install(ctx)
		return Effect{Install: &res, Activate: err == nil && res.ActivateNow, Err: err}

	case ActivateEvent:
		res, err := w.Activate(ctx)
		return Effect{Purged: res.Purged, ClaimClients: err == nil, Err: err}

	case FetchEvent:
		if e.Request == nil {
			return Effect{Err: fmt.Errorf("%w: empty request", ErrNoResponse)}
		}
		if w.State() != StateActivated {
			return Effect{Strategy: StrategyPassthrough, Passthrough: true}
		}
		res, err := w.Fetch(ctx, e.RequestID, e.Request)
		return Effect{
			Response:    res.Response,
			Strategy:    res.Decision.Strategy,
			Source:      res.Source,
			Passthrough: !res.Decision.Intercepted(),
			Err:         err,
		}

	case PushEvent:
		n := notify.FromPush(e.Payload, w.now())
		err := w.opts.Notifications.Show(ctx, n)
		entry := w.logger.WithField("action", "push").WithField("tag", n.Tag)
		if err != nil {
			entry.WithError(err).Warn("push_notification_failed")
		} else {
			entry.Info("push_notification_shown")
		}
		return Effect{Notification: &n, Err: err}

	case NotificationClickEvent:
		res, err := w.NotificationClick(ctx, e.Notification, e.Action)
		return Effect{Click: &res, Err: err}

	case SyncEvent:
		return w.runJob(ctx, "sync", e.Tag)

	case PeriodicSyncEvent:
		return w.runJob(ctx, "periodic-sync", e.Tag)

	case MessageEvent:
		res, err := w.HandleMessage(ctx, e.Message)
		return Effect{Reply: res.Reply, Activate: res.Activate, Err: err}

	default:
		return Effect{Err: fmt.Errorf("unsupported event %T", ev)}
	}
}

func (w *Worker) runJob(ctx context.Context, trigger, tag string) Effect {
	log := w.logger.WithFields(logging.JobFields(trigger, tag))
	job, ok := w.opts.Jobs.Resolve(tag)
	if !ok {
		log.Info("job_unknown_tag")
		return Effect{Err: fmt.Errorf("%w: %s", ErrUnknownTag, tag)}
	}

	ok = job.Run(ctx)
	w.metrics.RecordJob(job.Tag(), ok)
	log.WithField("job", job.Name()).WithField("ok", ok).Info("job_done")
	return Effect{Job: &JobOutcome{Tag: job.Tag(), Job: job.Name(), OK: ok}}
}
