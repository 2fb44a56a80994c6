package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Default push notification values.
const (
	DefaultTitle = "Moles World"
	DefaultBody  = "New mole fact available!"
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/icon-72x72.png"
	DefaultTag   = "mole-update"
	DefaultURL   = "/"
)

// Action 是通知上的用户操作按钮。
type Action struct {
	Action string `json:"action" mapstructure:"action"`
	Title  string `json:"title" mapstructure:"title"`
}

// Notification 描述一条待展示的通知。
type Notification struct {
	ID      string         `json:"id,omitempty" mapstructure:"id"`
	Title   string         `json:"title" mapstructure:"title"`
	Body    string         `json:"body,omitempty" mapstructure:"body"`
	Icon    string         `json:"icon,omitempty" mapstructure:"icon"`
	Badge   string         `json:"badge,omitempty" mapstructure:"badge"`
	Tag     string         `json:"tag,omitempty" mapstructure:"tag"`
	Actions []Action       `json:"actions,omitempty" mapstructure:"actions"`
	Data    map[string]any `json:"data,omitempty" mapstructure:"data"`
}

// URL 返回 data.url，缺省为 "/"。
func (n Notification) URL() string {
	if n.Data != nil {
		if raw, ok := n.Data["url"].(string); ok && strings.TrimSpace(raw) != "" {
			return raw
		}
	}
	return DefaultURL
}

// Notifier 负责把通知展示给用户。
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Show calls f.
func (f NotifierFunc) Show(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// DefaultPush 返回推送事件的默认通知。
func DefaultPush(now time.Time) Notification {
	return Notification{
		Title: DefaultTitle,
		Body:  DefaultBody,
		Icon:  DefaultIcon,
		Badge: DefaultBadge,
		Tag:   DefaultTag,
		Data: map[string]any{
			"url":       DefaultURL,
			"timestamp": now.UnixMilli(),
		},
	}
}

// FromPush 根据推送载荷构造通知：JSON 对象按顶层字段浅合并覆盖默认值，
// 其它载荷视为纯文本，仅在非空时替换 body。
func FromPush(payload []byte, now time.Time) Notification {
	base := DefaultPush(now)
	if len(payload) == 0 {
		return base
	}

	var overrides map[string]any
	if err := json.Unmarshal(payload, &overrides); err == nil && overrides != nil {
		if merged, err := merge(base, overrides); err == nil {
			return merged
		}
	}

	if text := string(payload); strings.TrimSpace(text) != "" {
		base.Body = text
	}
	return base
}

func merge(base Notification, overrides map[string]any) (Notification, error) {
	fields := map[string]any{}
	if err := mapstructure.Decode(base, &fields); err != nil {
		return Notification{}, err
	}
	for key, value := range overrides {
		fields[key] = value
	}

	var merged Notification
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &merged,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Notification{}, err
	}
	if err := decoder.Decode(fields); err != nil {
		return Notification{}, fmt.Errorf("decode push payload: %w", err)
	}
	if merged.Title == "" {
		return Notification{}, errors.New("push payload cleared the title")
	}
	return merged, nil
}
