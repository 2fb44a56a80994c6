package worker

import (
	"context"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/notify"
)

// WindowClient 是一个受宿主管理的窗口。
type WindowClient struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Focused    bool   `json:"focused"`
	Controlled bool   `json:"controlled"`
}

// Clients 由宿主实现，提供窗口枚举、聚焦、打开与接管。
type Clients interface {
	MatchAll(ctx context.Context) ([]WindowClient, error)
	Focus(ctx context.Context, id string) (WindowClient, error)
	OpenWindow(ctx context.Context, rawURL string) (WindowClient, error)
	Claim(ctx context.Context) error
}

// ActionDismiss 只关闭通知。
const ActionDismiss = "dismiss"

// ClickResult 描述通知点击的处理结果。
type ClickResult struct {
	Closed bool          `json:"closed"`
	Opened bool          `json:"opened"`
	Window *WindowClient `json:"window,omitempty"`
}

// NotificationClick 关闭通知，然后聚焦 URL 相同的已有窗口，没有则打开新窗口。
func (w *Worker) NotificationClick(ctx context.Context, n notify.Notification, action string) (ClickResult, error) {
	result := ClickResult{}
	if n.ID != "" {
		result.Closed = w.opts.Notifications.Close(n.ID)
	}

	target := w.resolve(n.URL())
	log := w.logger.WithFields(logrus.Fields{
		"action":          "notification_click",
		"notification_id": n.ID,
		"click_action":    action,
		"url":             target,
	})
	if action == ActionDismiss || w.opts.Clients == nil {
		log.Info("notification_closed")
		return result, nil
	}

	windows, err := w.opts.Clients.MatchAll(ctx)
	if err != nil {
		return result, err
	}
	for _, client := range windows {
		if w.resolve(client.URL) != target {
			continue
		}
		focused, err := w.opts.Clients.Focus(ctx, client.ID)
		if err != nil {
			return result, err
		}
		result.Window = &focused
		log.WithField("client_id", focused.ID).Info("window_focused")
		return result, nil
	}

	opened, err := w.opts.Clients.OpenWindow(ctx, target)
	if err != nil {
		return result, err
	}
	result.Opened = true
	result.Window = &opened
	log.WithField("client_id", opened.ID).Info("window_opened")
	return result, nil
}

// resolve 把相对地址解析到站点源下并去掉 fragment，用于窗口 URL 比较。
func (w *Worker) resolve(raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	abs := w.opts.Origin.ResolveReference(ref)
	abs.Fragment = ""
	if abs.Path == "" {
		abs.Path = "/"
	}
	return abs.String()
}
