package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/upstream"
)

// State 是 worker 的生命周期状态。
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActivated   State = "activated"
	// StateRedundant 表示安装失败，需要重新安装。
	StateRedundant State = "redundant"
)

// Waiting 表示已安装、等待激活。
func (s State) Waiting() bool {
	return s == StateInstalled
}

const installConcurrency = 6

// InstallResult 汇总一次安装。
type InstallResult struct {
	Shell       int  `json:"shell"`
	Images      int  `json:"images"`
	ImageMisses int  `json:"imageMisses"`
	ActivateNow bool `json:"activateNow"`
}

// ActivateResult 汇总一次激活。
type ActivateResult struct {
	Purged []string `json:"purged"`
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(from []State, to State) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	current := w.state
	for _, allowed := range from {
		if current == allowed {
			w.state = to
			w.metrics.SetLifecycleState(string(to))
			w.logger.WithFields(logging.LifecycleFields("lifecycle", string(current), string(to))).Info("lifecycle_transition")
			return current, nil
		}
	}
	return current, fmt.Errorf("%w: %s -> %s", ErrInvalidState, current, to)
}

// Install 先拉取完整的 shell 清单，全部成功后才创建 shell 缓存并写入；任一失败则
// 安装整体失败，不留下 shell 缓存。种子图片尽力写入，失败只记日志。
func (w *Worker) Install(ctx context.Context) (InstallResult, error) {
	if _, err := w.transition([]State{StateUninstalled, StateRedundant}, StateInstalling); err != nil {
		return InstallResult{}, err
	}
	started := time.Now()
	log := w.logger.WithField("action", "install")

	var (
		result   InstallResult
		shellErr error
		g        errgroup.Group
	)
	g.Go(func() error {
		n, err := w.installShell(ctx)
		result.Shell, shellErr = n, err
		return nil
	})
	g.Go(func() error {
		result.Images, result.ImageMisses = w.installImages(ctx)
		return nil
	})
	_ = g.Wait()

	if shellErr != nil {
		w.metrics.RecordInstall(false)
		_, _ = w.transition([]State{StateInstalling}, StateRedundant)
		log.WithError(shellErr).Error("install_failed")
		return result, shellErr
	}

	w.metrics.RecordInstall(true)
	w.mu.Lock()
	activateNow := w.skipWaiting
	w.mu.Unlock()

	next := StateInstalled
	if activateNow {
		next = StateActivating
	}
	if _, err := w.transition([]State{StateInstalling}, next); err != nil {
		return result, err
	}
	result.ActivateNow = activateNow

	log.WithFields(logrus.Fields{
		"shell":        result.Shell,
		"images":       result.Images,
		"image_misses": result.ImageMisses,
		"activate_now": activateNow,
		"elapsed_ms":   time.Since(started).Milliseconds(),
	}).Info("install_done")
	return result, nil
}

func (w *Worker) installShell(ctx context.Context) (int, error) {
	urls := w.opts.Precache
	responses := make([]*cache.Response, len(urls))
	errs := make([]error, len(urls))

	var g errgroup.Group
	g.SetLimit(installConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			resp, err := w.fetchURL(ctx, u, upstream.DestinationNone)
			switch {
			case err != nil:
				errs[i] = fmt.Errorf("precache %s: %w", u, err)
			case !resp.OK():
				errs[i] = fmt.Errorf("precache %s: status %d", u, resp.Status)
			default:
				responses[i] = resp
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return 0, err
	}

	shellName := w.registry.Generations().Shell
	handle, err := w.registry.Open(ctx, cache.PurposeShell)
	if err != nil {
		return 0, err
	}
	for i, u := range urls {
		if err := handle.Put(ctx, cache.Key(http.MethodGet, u), responses[i]); err != nil {
			if _, dropErr := w.registry.Delete(context.WithoutCancel(ctx), shellName); dropErr != nil {
				err = errors.Join(err, dropErr)
			}
			return 0, err
		}
	}
	return len(urls), nil
}

func (w *Worker) installImages(ctx context.Context) (stored, missed int) {
	if len(w.opts.SeedImages) == 0 {
		return 0, 0
	}
	handle, err := w.registry.Open(ctx, cache.PurposeImage)
	if err != nil {
		w.logger.WithField("action", "install").WithError(err).Warn("image_cache_open_failed")
		return 0, len(w.opts.SeedImages)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(installConcurrency)
	for _, u := range w.opts.SeedImages {
		g.Go(func() error {
			err := w.seedImage(ctx, handle, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				missed++
				w.logger.WithFields(logrus.Fields{"action": "install", "url": u.String()}).
					WithError(err).Warn("seed_image_skipped")
				return nil
			}
			stored++
			return nil
		})
	}
	_ = g.Wait()
	return stored, missed
}

func (w *Worker) seedImage(ctx context.Context, handle *cache.Handle, u *url.URL) error {
	resp, err := w.fetchURL(ctx, u, upstream.DestinationImage)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("status %d", resp.Status)
	}
	return handle.Put(ctx, cache.Key(http.MethodGet, u), resp)
}

func (w *Worker) fetchURL(ctx context.Context, u *url.URL, dest upstream.Destination) (*cache.Response, error) {
	req, err := upstream.NewRequest(http.MethodGet, u.String())
	if err != nil {
		return nil, err
	}
	req.Destination = dest
	return w.fetcher.Fetch(ctx, req)
}

// SkipWaiting 请求跳过等待：installed 立即进入 activating；installing 时在安装完成后
// 直接进入 activating。返回 true 表示宿主应立即派发 activate。
func (w *Worker) SkipWaiting() bool {
	w.mu.Lock()
	w.skipWaiting = true
	current := w.state
	w.mu.Unlock()

	if !current.Waiting() {
		return false
	}
	_, err := w.transition([]State{StateInstalled}, StateActivating)
	return err == nil
}

// Activate 删除所有非当前代缓存后进入 activated，并接管所有窗口客户端。
// 已激活时重复调用只会再次清理旧缓存。
func (w *Worker) Activate(ctx context.Context) (ActivateResult, error) {
	if w.State() != StateActivated {
		if _, err := w.transition([]State{StateInstalled, StateActivating}, StateActivating); err != nil {
			return ActivateResult{}, err
		}
	}
	log := w.logger.WithField("action", "activate")

	purged, err := w.registry.PurgeExcept(ctx, w.registry.Generations().Names())
	w.metrics.RecordPurged(len(purged))
	for _, name := range purged {
		log.WithField("cache", name).Info("cache_purged")
	}
	if err != nil {
		log.WithError(err).Error("activate_failed")
		return ActivateResult{Purged: purged}, err
	}

	if w.State() != StateActivated {
		if _, err := w.transition([]State{StateActivating}, StateActivated); err != nil {
			return ActivateResult{Purged: purged}, err
		}
	}
	if w.opts.Clients != nil {
		if err := w.opts.Clients.Claim(ctx); err != nil {
			log.WithError(err).Warn("clients_claim_failed")
		}
	}
	return ActivateResult{Purged: purged}, nil
}
