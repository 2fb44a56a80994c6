package refresh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Job 是一个由 tag 触发的后台任务。
type Job interface {
	// Name 返回任务名，例如 data-sync。
	Name() string
	// Tag 返回触发任务的同步 tag。
	Tag() string
	// Run 执行任务；失败在内部记录日志并返回 false。
	Run(ctx context.Context) bool
}

// Registry 把 tag 映射到唯一的任务，每个 worker 实例持有一份。
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewRegistry 构造注册表并注册 jobs，重复 tag 返回错误。
func NewRegistry(jobs ...Job) (*Registry, error) {
	r := &Registry{jobs: make(map[string]Job)}
	for _, job := range jobs {
		if err := r.Register(job); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Register 加入任务，重复 tag 会返回错误。
func (r *Registry) Register(job Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	tag := normalizeTag(job.Tag())
	if tag == "" {
		return fmt.Errorf("job %s: tag is required", job.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[tag]; ok {
		return fmt.Errorf("tag %s already bound to %s", tag, existing.Name())
	}
	r.jobs[tag] = job
	return nil
}

// Resolve 返回 tag 对应的任务。
func (r *Registry) Resolve(tag string) (Job, bool) {
	normalized := normalizeTag(tag)
	if normalized == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[normalized]
	return job, ok
}

// Tags 返回排序后的全部 tag。
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.jobs))
	for tag := range r.jobs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
