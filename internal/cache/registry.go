package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Purpose 区分三类逻辑缓存。
type Purpose string

const (
	PurposeShell   Purpose = "shell"
	PurposeDynamic Purpose = "dynamic"
	PurposeImage   Purpose = "image"
)

// Generations 记录每类缓存当前生效的版本化名称，例如 moles-world-v2。
type Generations struct {
	Shell   string
	Dynamic string
	Image   string
}

// Name 返回 purpose 对应的当前代名称。
func (g Generations) Name(p Purpose) string {
	switch p {
	case PurposeShell:
		return g.Shell
	case PurposeDynamic:
		return g.Dynamic
	case PurposeImage:
		return g.Image
	default:
		return ""
	}
}

// Names 按查找优先级返回当前代名称：shell → dynamic → image。
func (g Generations) Names() []string {
	return []string{g.Shell, g.Dynamic, g.Image}
}

// Validate 要求三个名称非空且互不相同。
func (g Generations) Validate() error {
	seen := map[string]struct{}{}
	for _, name := range g.Names() {
		if strings.TrimSpace(name) == "" {
			return errors.New("cache generation name required")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate cache generation %s", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Info 描述一个命名缓存及其条目数。
type Info struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// MatchOptions 控制 Match 的查找范围；CacheName 为空时按优先级扫描全部缓存。
type MatchOptions struct {
	CacheName string
}

// Registry 是 worker 与后台任务唯一共享的可变资源，读写均可并发。
type Registry struct {
	backend Backend
	gens    Generations
}

// NewRegistry 绑定存储后端与当前代名称。
func NewRegistry(backend Backend, gens Generations) (*Registry, error) {
	if backend == nil {
		return nil, errors.New("cache backend required")
	}
	if err := gens.Validate(); err != nil {
		return nil, err
	}
	return &Registry{backend: backend, gens: gens}, nil
}

// Generations 返回当前代名称。
func (r *Registry) Generations() Generations {
	return r.gens
}

// Open 打开 purpose 对应的当前代缓存，首次使用时创建。
func (r *Registry) Open(ctx context.Context, p Purpose) (*Handle, error) {
	name := r.gens.Name(p)
	if name == "" {
		return nil, fmt.Errorf("unknown cache purpose %q", p)
	}
	return r.OpenName(ctx, name)
}

// OpenName 按名称打开缓存，首次使用时创建。
func (r *Registry) OpenName(ctx context.Context, name string) (*Handle, error) {
	if err := r.backend.Create(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Handle{name: name, backend: r.backend}, nil
}

// Match 查找 key。未指定 CacheName 时的顺序固定为：当前代 shell → dynamic → image，
// 之后是其余（旧代）缓存按名称排序。命中时返回快照与所在缓存名，未命中返回 ErrNotFound。
func (r *Registry) Match(ctx context.Context, key string, opts MatchOptions) (*Response, string, error) {
	var order []string
	if opts.CacheName != "" {
		order = []string{opts.CacheName}
	} else {
		names, err := r.backend.Names(ctx)
		if err != nil {
			return nil, "", err
		}
		order = r.priorityOrder(names)
	}

	for _, name := range order {
		handle := &Handle{name: name, backend: r.backend}
		resp, err := handle.Match(ctx, key)
		switch {
		case err == nil:
			return resp, name, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrCacheMissing):
			continue
		default:
			return nil, "", fmt.Errorf("match %s in %s: %w", key, name, err)
		}
	}
	return nil, "", ErrNotFound
}

// Put 把快照写入 purpose 对应的当前代缓存（必要时创建），覆盖同键旧值。
func (r *Registry) Put(ctx context.Context, p Purpose, key string, resp *Response) error {
	handle, err := r.Open(ctx, p)
	if err != nil {
		return err
	}
	return handle.Put(ctx, key, resp)
}

// Names 返回当前存在的全部缓存名（按查找优先级排列）。
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	names, err := r.backend.Names(ctx)
	if err != nil {
		return nil, err
	}
	return r.priorityOrder(names), nil
}

// Delete 删除命名缓存；不存在时为 no-op 并返回 false。
func (r *Registry) Delete(ctx context.Context, name string) (bool, error) {
	return r.backend.Drop(ctx, name)
}

// PurgeExcept 删除所有不在 active 集合中的缓存，返回被删除的名称。
func (r *Registry) PurgeExcept(ctx context.Context, active []string) ([]string, error) {
	keep := make(map[string]struct{}, len(active))
	for _, name := range active {
		keep[name] = struct{}{}
	}

	names, err := r.backend.Names(ctx)
	if err != nil {
		return nil, err
	}

	var (
		purged []string
		errs   []error
	)
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		deleted, err := r.backend.Drop(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		if deleted {
			purged = append(purged, name)
		}
	}
	return purged, errors.Join(errs...)
}

// List 返回每个缓存的条目数。
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	names, err := r.Names(ctx)
	if err != nil {
		return nil, err
	}
	current := make(map[string]struct{}, 3)
	for _, name := range r.gens.Names() {
		current[name] = struct{}{}
	}

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		keys, err := r.backend.Keys(ctx, name)
		if errors.Is(err, ErrCacheMissing) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list cache %s: %w", name, err)
		}
		_, isCurrent := current[name]
		infos = append(infos, Info{Name: name, Entries: len(keys), Current: isCurrent})
	}
	return infos, nil
}

// Size 返回全部缓存的条目总数。
func (r *Registry) Size(ctx context.Context) (int, error) {
	infos, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, info := range infos {
		total += info.Entries
	}
	return total, nil
}

// Close 关闭底层后端。
func (r *Registry) Close() error {
	return r.backend.Close()
}

func (r *Registry) priorityOrder(existing []string) []string {
	present := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		present[name] = struct{}{}
	}

	order := make([]string, 0, len(existing))
	for _, name := range r.gens.Names() {
		if _, ok := present[name]; ok {
			order = append(order, name)
			delete(present, name)
		}
	}
	rest := make([]string, 0, len(present))
	for name := range present {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// Handle 指向一个已打开的命名缓存。
type Handle struct {
	name    string
	backend Backend
}

// Name 返回缓存名。
func (h *Handle) Name() string {
	return h.name
}

// Match 仅在本缓存中查找。
func (h *Handle) Match(ctx context.Context, key string) (*Response, error) {
	return h.backend.Get(ctx, h.name, key)
}

// Put 写入快照，覆盖同键旧值。
func (h *Handle) Put(ctx context.Context, key string, resp *Response) error {
	if err := h.backend.Put(ctx, h.name, key, resp); err != nil {
		return fmt.Errorf("put %s into %s: %w", key, h.name, err)
	}
	return nil
}

// Keys 返回本缓存全部键。
func (h *Handle) Keys(ctx context.Context) ([]string, error) {
	return h.backend.Keys(ctx, h.name)
}

// Backend kinds accepted by OpenBackend.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
)

// OpenBackend 根据配置选择存储后端；sqlite 使用 storagePath/shellcache.db。
func OpenBackend(kind, storagePath string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case BackendMemory:
		return NewMemoryBackend(), nil
	case "", BackendDisk:
		return NewDiskBackend(storagePath)
	case BackendSQLite:
		if storagePath == "" {
			return nil, errors.New("storage path required")
		}
		if err := os.MkdirAll(storagePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		return OpenSQLiteBackend(filepath.Join(storagePath, "shellcache.db"))
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", kind)
	}
}
