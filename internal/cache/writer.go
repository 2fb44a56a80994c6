package cache

import (
	"context"
	"sync"
	"time"
)

// WriteObserver 在每次写穿结束后被调用，err 为 nil 表示写入成功。
type WriteObserver func(cacheName, key string, err error)

// Writer 负责写穿：把网络响应的独立副本写入指定缓存。异步写入与调用方的
// 请求生命周期解耦，调用方放弃请求后写入仍会完成。
type Writer struct {
	registry *Registry
	observe  WriteObserver
	now      func() time.Time
	inflight sync.WaitGroup
}

// NewWriter 构造写穿器，observe 可为空。
func NewWriter(registry *Registry, observe WriteObserver) *Writer {
	return &Writer{
		registry: registry,
		observe:  observe,
		now:      time.Now,
	}
}

// Store 同步写入 purpose 对应的当前代缓存；写入一旦开始，调用方取消 ctx 也不会中断它。
func (w *Writer) Store(ctx context.Context, p Purpose, key string, resp *Response) error {
	ctx = context.WithoutCancel(ctx)
	snapshot := resp.Clone()
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = w.now().UTC()
	}
	err := w.registry.Put(ctx, p, key, snapshot)
	if w.observe != nil {
		w.observe(w.registry.Generations().Name(p), key, err)
	}
	return err
}

// StoreAsync 在后台写入快照副本后立即返回；ctx 的取消不会中断写入。
func (w *Writer) StoreAsync(ctx context.Context, p Purpose, key string, resp *Response) {
	snapshot := resp.Clone()
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		_ = w.Store(ctx, p, key, snapshot)
	}()
}

// Wait 阻塞直到所有后台写入结束，用于优雅退出与测试。
func (w *Writer) Wait() {
	w.inflight.Wait()
}
