package cache

import (
	"context"
	"errors"
)

// Backend 负责命名缓存的实际存储。实现必须支持并发读写，同一键重复写入以最后一次为准。
type Backend interface {
	// Create 创建命名缓存，已存在时为 no-op。
	Create(ctx context.Context, name string) error

	// Names 返回当前存在的全部缓存名。
	Names(ctx context.Context) ([]string, error)

	// Drop 删除命名缓存及其全部条目，返回删除前是否存在；不存在不视为错误。
	Drop(ctx context.Context, name string) (bool, error)

	// Get 返回条目快照。缓存不存在返回 ErrCacheMissing，条目不存在返回 ErrNotFound。
	Get(ctx context.Context, name, key string) (*Response, error)

	// Put 写入条目快照并覆盖同键旧值。缓存不存在返回 ErrCacheMissing。
	Put(ctx context.Context, name, key string, resp *Response) error

	// Keys 返回缓存内全部条目键。
	Keys(ctx context.Context, name string) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheMissing 表示命名缓存不存在（未创建或已被清理）。
	ErrCacheMissing = errors.New("cache does not exist")
)
