package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	metaSuffix = ".meta.json"
	bodySuffix = ".body"
)

// NewDiskBackend 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 磁盘布局：
//
//	<basePath>/<escaped cache name>/<sha1(key)>.body       # 正文
//	<basePath>/<escaped cache name>/<sha1(key)>.meta.json  # 键、状态码、头
//
// meta 文件最后写入，存在即代表条目完整。
func NewDiskBackend(basePath string) (*DiskBackend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &DiskBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// DiskBackend 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type DiskBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type diskMeta struct {
	Key string `json:"key"`
	Response
}

func (s *DiskBackend) Create(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *DiskBackend) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *DiskBackend) Drop(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *DiskBackend) Get(ctx context.Context, name, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.existingDir(name)
	if err != nil {
		return nil, err
	}

	base := filepath.Join(dir, entryFileName(key))
	raw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta diskMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp := meta.Response
	resp.Body = body
	return resp.Clone(), nil
}

func (s *DiskBackend) Put(ctx context.Context, name, key string, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	unlock := s.lockEntry(name, key)
	defer unlock()

	dir, err := s.existingDir(name)
	if err != nil {
		return err
	}

	meta, err := json.Marshal(diskMeta{Key: key, Response: *resp})
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}

	base := filepath.Join(dir, entryFileName(key))
	if err := writeAtomic(ctx, base+bodySuffix, resp.Body); err != nil {
		return err
	}
	return writeAtomic(ctx, base+metaSuffix, meta)
}

func (s *DiskBackend) Keys(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.existingDir(name)
	if err != nil {
		return nil, err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		var meta diskMeta
		if err := json.Unmarshal(raw, &meta); err != nil || meta.Key == "" {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *DiskBackend) Close() error {
	return nil
}

func (s *DiskBackend) lockEntry(name, key string) func() {
	lockKey := name + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *DiskBackend) cacheDir(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("cache name required")
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", errors.New("invalid cache name")
	}
	return dir, nil
}

func (s *DiskBackend) existingDir(name string) (string, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrCacheMissing
		}
		return "", err
	}
	if !info.IsDir() {
		return "", ErrCacheMissing
	}
	return dir, nil
}

func entryFileName(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(ctx context.Context, filePath string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrCacheMissing
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrCacheMissing
		}
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
