package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/notify"
	"github.com/moles-world/shellcache/internal/upstream"
)

// Sync tags.
const (
	TagDataSync      = "sync-mole-data"
	TagNotifications = "send-notifications"
	TagContentUpdate = "update-mole-content"
)

// DefaultFacts 是定时通知的内置事实列表。
var DefaultFacts = []string{
	"Moles can dig tunnels at 18 feet per hour!",
	"Did you know? Mole fur lies flat in any direction.",
	"Moles consume 70-100% of their body weight daily.",
	"Star-nosed moles have 22 tentacles on their nose!",
	"Moles have special hemoglobin for low-oxygen tunnels.",
	"Mole tunnels help aerate soil and improve drainage.",
	"Moles are solitary except during mating season.",
	"Mole saliva paralyzes worms for later consumption.",
	"Moles can run through tunnels at 80 feet per minute.",
	"European moles detect vibrations through their snouts.",
	"Moles don't hibernate - they're active year-round.",
	"Mole tunnel systems can cover up to 2.7 acres!",
	"Moles have the highest muscle mass of any mammal.",
	"Some mole species are excellent swimmers.",
	"Moles live 3-6 years in the wild.",
	"Mole hills are created from excavated soil.",
	"Moles play a key role in soil ecology.",
	"Moles have tiny eyes but aren't completely blind.",
	"A mole's front paws rotate for efficient digging.",
	"Moles help control insect populations in gardens.",
}

// Deps 是各任务共享的协作者。
type Deps struct {
	Fetcher  upstream.Fetcher
	Writer   *cache.Writer
	Notifier notify.Notifier
	Logger   *logrus.Logger
}

func (d Deps) logger() *logrus.Logger {
	if d.Logger == nil {
		return logging.Discard()
	}
	return d.Logger
}

// DataSync 拉取 JSON 数据写入动态缓存，成功后发出更新通知。
type DataSync struct {
	Deps
	URL *url.URL
}

func (j *DataSync) Name() string { return "data-sync" }
func (j *DataSync) Tag() string  { return TagDataSync }

func (j *DataSync) Run(ctx context.Context) bool {
	log := j.logger().WithFields(logging.JobFields("sync", j.Tag())).WithField("url", j.URL.String())

	req, err := upstream.NewRequest(http.MethodGet, j.URL.String())
	if err != nil {
		log.WithError(err).Warn("data_sync_failed")
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := j.Fetcher.Fetch(ctx, req)
	if err != nil {
		log.WithError(err).Warn("data_sync_failed")
		return false
	}
	if !resp.OK() {
		log.WithField("status", resp.Status).Warn("data_sync_failed")
		return false
	}
	if !json.Valid(resp.Body) {
		log.Warn("data_sync_invalid_json")
		return false
	}

	if err := j.Writer.Store(ctx, cache.PurposeDynamic, req.Key(), resp); err != nil {
		log.WithError(err).Warn("data_sync_store_failed")
		return false
	}

	err = j.Notifier.Show(ctx, notify.Notification{
		Title: "Moles World Updated",
		Body:  "New mole facts and images available!",
		Icon:  notify.DefaultIcon,
		Tag:   "data-update",
	})
	if err != nil {
		log.WithError(err).Warn("data_sync_notify_failed")
		return false
	}
	log.WithField("bytes", len(resp.Body)).Info("data_sync_done")
	return true
}

// ScheduledNotification 随机挑选一条事实并发出带操作按钮的通知。
type ScheduledNotification struct {
	Deps
	Facts []string
	// Pick 返回 [0, n) 内的下标，为空时使用均匀随机。
	Pick func(n int) int
}

func (j *ScheduledNotification) Name() string { return "scheduled-notification" }
func (j *ScheduledNotification) Tag() string  { return TagNotifications }

func (j *ScheduledNotification) Run(ctx context.Context) bool {
	facts := j.Facts
	if len(facts) == 0 {
		facts = DefaultFacts
	}
	pick := j.Pick
	if pick == nil {
		pick = rand.IntN
	}
	fact := facts[pick(len(facts))]

	err := j.Notifier.Show(ctx, notify.Notification{
		Title: "Mole Fact of the Day",
		Body:  fact,
		Icon:  notify.DefaultIcon,
		Badge: notify.DefaultBadge,
		Tag:   "daily-fact",
		Actions: []notify.Action{
			{Action: "learn-more", Title: "Learn More"},
			{Action: "dismiss", Title: "Dismiss"},
		},
		Data: map[string]any{
			"url":  notify.DefaultURL,
			"fact": fact,
		},
	})
	if err != nil {
		j.logger().WithFields(logging.JobFields("sync", j.Tag())).WithError(err).Warn("notification_failed")
	}
	return true
}

// ContentUpdate 读取图片 feed，取前 BatchSize 张写入图片缓存。
// 单张图片失败互不影响；feed 成功解析即视为任务成功。
type ContentUpdate struct {
	Deps
	FeedURL   *url.URL
	BatchSize int
}

func (j *ContentUpdate) Name() string { return "content-update" }
func (j *ContentUpdate) Tag() string  { return TagContentUpdate }

func (j *ContentUpdate) Run(ctx context.Context) bool {
	log := j.logger().WithFields(logging.JobFields("periodic-sync", j.Tag())).WithField("feed", j.FeedURL.String())
	started := time.Now()

	urls, err := j.feed(ctx)
	if err != nil {
		log.WithError(err).Warn("content_update_failed")
		return false
	}

	var (
		g      errgroup.Group
		stored = make([]bool, len(urls))
	)
	for i, raw := range urls {
		g.Go(func() error {
			if err := j.storeImage(ctx, raw); err != nil {
				log.WithError(err).WithField("image", raw).Warn("content_image_skipped")
				return nil
			}
			stored[i] = true
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range stored {
		if ok {
			count++
		}
	}
	log.WithFields(logrus.Fields{
		"images":     len(urls),
		"stored":     count,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("content_update_done")
	return true
}

func (j *ContentUpdate) feed(ctx context.Context) ([]string, error) {
	req, err := upstream.NewRequest(http.MethodGet, j.FeedURL.String())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := j.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("feed status %d", resp.Status)
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("feed is not valid json")
	}
	results := gjson.GetBytes(resp.Body, "results")
	if !results.IsArray() {
		return nil, fmt.Errorf("feed has no results array")
	}

	limit := j.BatchSize
	if limit <= 0 {
		limit = 3
	}
	var urls []string
	for _, item := range gjson.GetBytes(resp.Body, "results.#.urls.small").Array() {
		if len(urls) == limit {
			break
		}
		if item.Type == gjson.String && item.Str != "" {
			urls = append(urls, item.Str)
		}
	}
	return urls, nil
}

func (j *ContentUpdate) storeImage(ctx context.Context, raw string) error {
	req, err := upstream.NewRequest(http.MethodGet, raw)
	if err != nil {
		return err
	}
	req.Destination = upstream.DestinationImage
	req.Mode = upstream.ModeNoCORS

	resp, err := j.Fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("image status %d", resp.Status)
	}
	return j.Writer.Store(ctx, cache.PurposeImage, req.Key(), resp)
}
