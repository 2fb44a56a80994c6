// Package scheduler plays the part of the browser's sync manager: it owns the
// timers that raise periodic sync signals and retries one-off background syncs
// whose job reported failure. Jobs themselves never retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/refresh"
	"github.com/moles-world/shellcache/internal/worker"
)

// ErrJobFailed 表示重试耗尽后任务仍然失败。
var ErrJobFailed = errors.New("background job failed")

// Dispatcher 接收事件，*worker.Worker 实现了该接口。
type Dispatcher interface {
	HandleEvent(ctx context.Context, ev worker.Event) worker.Effect
}

// Options 控制定时周期与重试策略，周期为 0 表示不启用对应定时器。
type Options struct {
	PeriodicInterval     time.Duration
	NotificationInterval time.Duration
	MaxRetries           int
	InitialBackoff       time.Duration
	Logger               *logrus.Logger
}

// Scheduler 由宿主持有，worker 不持有任何定时器。
type Scheduler struct {
	dispatcher Dispatcher
	opts       Options
	logger     *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

func New(dispatcher Dispatcher, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Scheduler{dispatcher: dispatcher, opts: opts, logger: opts.Logger}
}

// Start 启动定时器；重复调用无效。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	if s.opts.PeriodicInterval > 0 {
		s.every(ctx, s.opts.PeriodicInterval, func(ctx context.Context) {
			s.dispatcher.HandleEvent(ctx, worker.PeriodicSyncEvent{Tag: refresh.TagContentUpdate})
		})
	}
	if s.opts.NotificationInterval > 0 {
		s.every(ctx, s.opts.NotificationInterval, func(ctx context.Context) {
			_, _ = s.Sync(ctx, refresh.TagNotifications)
		})
	}
	s.logger.WithFields(logrus.Fields{
		"action":                "scheduler",
		"periodic_interval":     s.opts.PeriodicInterval.String(),
		"notification_interval": s.opts.NotificationInterval.String(),
	}).Info("scheduler_started")
}

// Stop 停止定时器并等待所有在途任务结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.pending.Wait()
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Sync 派发一次性后台同步；任务返回 false 时按指数退避重试，最多 MaxRetries 次。
// 未知 tag 不重试。
func (s *Scheduler) Sync(ctx context.Context, tag string) (worker.JobOutcome, error) {
	log := s.logger.WithFields(logging.JobFields("sync", tag))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialBackoff

	attempt := 0
	outcome, err := backoff.Retry(ctx, func() (worker.JobOutcome, error) {
		attempt++
		eff := s.dispatcher.HandleEvent(ctx, worker.SyncEvent{Tag: tag})
		if eff.Err != nil {
			return worker.JobOutcome{}, backoff.Permanent(eff.Err)
		}
		if eff.Job == nil {
			return worker.JobOutcome{}, backoff.Permanent(fmt.Errorf("sync %s produced no outcome", tag))
		}
		if !eff.Job.OK {
			return *eff.Job, fmt.Errorf("%w: %s (attempt %d)", ErrJobFailed, tag, attempt)
		}
		return *eff.Job, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next.String()).Warn("sync_retry")
		}),
	)
	if err != nil {
		log.WithError(err).WithField("attempts", attempt).Warn("sync_gave_up")
		return outcome, err
	}
	log.WithField("attempts", attempt).Info("sync_done")
	return outcome, nil
}

// SyncAsync 注册后台同步后立即返回，与调用方请求的生命周期解耦。
func (s *Scheduler) SyncAsync(ctx context.Context, tag string) {
	detached := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		_, _ = s.Sync(detached, tag)
	}()
}
