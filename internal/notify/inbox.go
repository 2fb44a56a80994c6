package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Shown 是 Inbox 中记录的一条已展示通知。
type Shown struct {
	Notification
	ShownAt time.Time `json:"shownAt"`
	Closed  bool      `json:"closed"`
}

// Inbox 保存已展示的通知，容量满时丢弃最旧的记录。
// 同 tag 的新通知替换旧通知，与浏览器行为一致。
type Inbox struct {
	mu       sync.RWMutex
	items    []Shown
	capacity int
	now      func() time.Time
}

// NewInbox 构造容量为 capacity 的收件箱，capacity <= 0 时为 100。
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 100
	}
	return &Inbox{capacity: capacity, now: time.Now}
}

// Show 记录通知并分配 ID。
func (i *Inbox) Show(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Title == "" {
		return errors.New("notification title required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if n.Tag != "" {
		kept := i.items[:0]
		for _, item := range i.items {
			if item.Tag != n.Tag {
				kept = append(kept, item)
			}
		}
		i.items = kept
	}
	i.items = append(i.items, Shown{Notification: n, ShownAt: i.now().UTC()})
	if overflow := len(i.items) - i.capacity; overflow > 0 {
		i.items = append([]Shown(nil), i.items[overflow:]...)
	}
	return nil
}

// Close 把通知标记为已关闭，未找到时返回 false。
func (i *Inbox) Close(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.items {
		if i.items[idx].ID == id {
			i.items[idx].Closed = true
			return true
		}
	}
	return false
}

// Get 按 ID 返回通知。
func (i *Inbox) Get(id string) (Shown, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, item := range i.items {
		if item.ID == id {
			return item, true
		}
	}
	return Shown{}, false
}

// List 按展示顺序返回通知副本。
func (i *Inbox) List() []Shown {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Shown, len(i.items))
	copy(out, i.items)
	return out
}

// LogNotifier 把通知写成结构化日志。
type LogNotifier struct {
	Logger *logrus.Logger
}

// Show implements Notifier.
func (l LogNotifier) Show(_ context.Context, n Notification) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.WithFields(logrus.Fields{
		"action":          "notify",
		"notification_id": n.ID,
		"title":           n.Title,
		"body":            n.Body,
		"tag":             n.Tag,
		"url":             n.URL(),
	}).Info("notification_shown")
	return nil
}

// Center 展示并关闭通知。
type Center interface {
	Notifier
	Close(id string) bool
}

// Fanout 先写入 Inbox，再依次调用其它 Notifier；关闭操作只作用于 Inbox。
type Fanout struct {
	inbox     *Inbox
	notifiers []Notifier
}

// NewFanout 构造以 inbox 为记录端的 Center，inbox 为空时使用默认容量。
func NewFanout(inbox *Inbox, notifiers ...Notifier) *Fanout {
	if inbox == nil {
		inbox = NewInbox(0)
	}
	return &Fanout{inbox: inbox, notifiers: notifiers}
}

// Show 在首个调用前分配 ID，保证各端看到同一条通知。
func (f *Fanout) Show(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := f.inbox.Show(ctx, n); err != nil {
		return err
	}
	var errs []error
	for _, notifier := range f.notifiers {
		if notifier == nil {
			continue
		}
		if err := notifier.Show(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Center.
func (f *Fanout) Close(id string) bool {
	return f.inbox.Close(id)
}

// Inbox 返回记录端。
func (f *Fanout) Inbox() *Inbox {
	return f.inbox
}
