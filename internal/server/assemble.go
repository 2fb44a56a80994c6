package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/config"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/notify"
	"github.com/moles-world/shellcache/internal/obs"
	"github.com/moles-world/shellcache/internal/refresh"
	"github.com/moles-world/shellcache/internal/scheduler"
	"github.com/moles-world/shellcache/internal/upstream"
	"github.com/moles-world/shellcache/internal/worker"
)

// AssembleOptions 是 Assemble 的输入，Fetcher 为空时使用 upstream.NewClient。
type AssembleOptions struct {
	Config   *config.Config
	Registry *cache.Registry
	Fetcher  upstream.Fetcher
	Metrics  *obs.Metrics
	Logger   *logrus.Logger
}

// Assemble 按“通知中心 → 任务注册表 → worker → 宿主”顺序组装运行时，
// 三个后台任务共用 worker 的写穿器。
func Assemble(opts AssembleOptions) (*Host, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.Registry == nil {
		return nil, errors.New("cache registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = upstream.NewClient(cfg.Global.UpstreamTimeout.DurationValue())
	}

	precache, err := cfg.ResolveURLs(cfg.Global.Precache)
	if err != nil {
		return nil, fmt.Errorf("precache: %w", err)
	}
	seeds, err := cfg.ResolveURLs(cfg.Global.SeedImages)
	if err != nil {
		return nil, fmt.Errorf("seed images: %w", err)
	}
	offline, err := cfg.ResolveURL(cfg.Global.OfflinePage)
	if err != nil {
		return nil, fmt.Errorf("offline page: %w", err)
	}
	placeholder, err := cfg.ResolveURL(cfg.Global.PlaceholderIcon)
	if err != nil {
		return nil, fmt.Errorf("placeholder icon: %w", err)
	}

	inbox := notify.NewInbox(0)
	metrics := opts.Metrics
	center := notify.NewFanout(inbox,
		notify.LogNotifier{Logger: logger},
		notify.NotifierFunc(func(_ context.Context, n notify.Notification) error {
			metrics.RecordNotification(n.Tag)
			return nil
		}),
	)

	clients := NewClientTracker(logger)
	jobs, err := refresh.NewRegistry()
	if err != nil {
		return nil, err
	}
	w, err := worker.New(opts.Registry, fetcher, worker.Options{
		Origin:          cfg.OriginURL(),
		AllowedHosts:    cfg.Global.AllowedHosts,
		Precache:        precache,
		SeedImages:      seeds,
		OfflinePage:     offline,
		PlaceholderIcon: placeholder,
		SkipWaiting:     cfg.Global.SkipWaiting,
		Jobs:            jobs,
		Notifications:   center,
		Clients:         clients,
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	if err := registerJobs(cfg, jobs, refresh.Deps{
		Fetcher:  fetcher,
		Writer:   w.Writer(),
		Notifier: center,
		Logger:   logger,
	}); err != nil {
		return nil, err
	}

	return NewHost(HostOptions{
		Worker:  w,
		Fetcher: fetcher,
		Clients: clients,
		Inbox:   inbox,
		Metrics: metrics,
		Scheduler: scheduler.Options{
			PeriodicInterval:     cfg.Jobs.PeriodicInterval.DurationValue(),
			NotificationInterval: cfg.Jobs.NotificationInterval.DurationValue(),
			MaxRetries:           cfg.Global.MaxRetries,
			InitialBackoff:       cfg.Global.InitialBackoff.DurationValue(),
		},
		Logger: logger,
	})
}

func registerJobs(cfg *config.Config, jobs *refresh.Registry, deps refresh.Deps) error {
	dataURL, err := cfg.ResolveURL(cfg.Jobs.DataSyncURL)
	if err != nil {
		return fmt.Errorf("data sync url: %w", err)
	}
	feedURL, err := cfg.ResolveURL(cfg.Jobs.ContentFeedURL)
	if err != nil {
		return fmt.Errorf("content feed url: %w", err)
	}
	facts := cfg.Jobs.Facts
	if len(facts) == 0 {
		facts = refresh.DefaultFacts
	}

	for _, job := range []refresh.Job{
		&refresh.DataSync{Deps: deps, URL: dataURL},
		&refresh.ScheduledNotification{Deps: deps, Facts: facts},
		&refresh.ContentUpdate{Deps: deps, FeedURL: feedURL, BatchSize: cfg.Jobs.ContentBatchSize},
	} {
		if err := jobs.Register(job); err != nil {
			return err
		}
	}
	return nil
}
