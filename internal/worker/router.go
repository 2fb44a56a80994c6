package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/upstream"
)

// Strategy 是请求所属的路由类别。
type Strategy string

const (
	StrategyPassthrough Strategy = "passthrough"
	StrategyNavigation  Strategy = "navigation"
	StrategyImage       Strategy = "image"
	StrategyGeneric     Strategy = "generic"
)

// Source 是一个候选响应来源。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceOfflinePage Source = "offline-page"
	SourcePlaceholder Source = "placeholder"
)

// Decision 是针对单个请求推导出的路由决策，不做持久化。
type Decision struct {
	Strategy Strategy
	// Sources 按顺序尝试；首个产出响应的来源胜出。
	Sources []Source
	// Populate 非空时网络成功的 2xx 响应写入该缓存。
	Populate cache.Purpose
	// Async 为 true 时写入不阻塞响应返回。
	Async bool
}

// Intercepted 表示请求需要由 worker 处理。
func (d Decision) Intercepted() bool {
	return d.Strategy != StrategyPassthrough
}

// Result 是一次路由的结果。
type Result struct {
	Decision  Decision
	Response  *cache.Response
	Source    Source
	CacheName string
}

// Router 为每个请求独立求值，除缓存注册表外不共享可变状态。
type Router struct {
	w              *Worker
	originHost     string
	originScheme   string
	allowedHosts   []string
	offlineKey     string
	placeholderKey string
}

func newRouter(w *Worker) *Router {
	hosts := make([]string, 0, len(w.opts.AllowedHosts))
	for _, host := range w.opts.AllowedHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	return &Router{
		w:              w,
		originHost:     strings.ToLower(w.opts.Origin.Host),
		originScheme:   strings.ToLower(w.opts.Origin.Scheme),
		allowedHosts:   hosts,
		offlineKey:     cache.Key(http.MethodGet, w.opts.OfflinePage),
		placeholderKey: cache.Key(http.MethodGet, w.opts.PlaceholderIcon),
	}
}

// InScope 判断请求源是否为站点自身或允许列表中的外部主机（含子域名）。
func (r *Router) InScope(req *upstream.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	host := strings.ToLower(req.URL.Host)
	if host == r.originHost && strings.ToLower(req.URL.Scheme) == r.originScheme {
		return true
	}
	hostname := strings.ToLower(req.URL.Hostname())
	for _, allowed := range r.allowedHosts {
		if hostname == allowed || strings.HasSuffix(hostname, "."+allowed) {
			return true
		}
	}
	return false
}

// Decide 按固定顺序推导决策：源过滤 → 缓存优先 → 导航 → 图片 → 通用。
func (r *Router) Decide(req *upstream.Request) Decision {
	if !r.InScope(req) {
		return Decision{Strategy: StrategyPassthrough}
	}
	cacheable := req.Method == http.MethodGet

	switch {
	case req.IsNavigation():
		return Decision{
			Strategy: StrategyNavigation,
			Sources:  []Source{SourceCache, SourceNetwork, SourceOfflinePage},
		}
	case req.IsImage():
		d := Decision{
			Strategy: StrategyImage,
			Sources:  []Source{SourceCache, SourceNetwork, SourcePlaceholder},
		}
		if cacheable {
			d.Populate = cache.PurposeImage
		}
		return d
	default:
		d := Decision{
			Strategy: StrategyGeneric,
			Sources:  []Source{SourceCache, SourceNetwork},
		}
		switch {
		case req.AcceptsHTML():
			d.Sources = append(d.Sources, SourceOfflinePage)
		case req.AcceptsImage():
			d.Sources = append(d.Sources, SourcePlaceholder)
		}
		if cacheable {
			d.Populate = cache.PurposeDynamic
			d.Async = true
		}
		return d
	}
}

// Route 执行决策。回退链耗尽时返回包装 ErrNoResponse 的错误。
func (r *Router) Route(ctx context.Context, req *upstream.Request) (Result, error) {
	decision := r.Decide(req)
	result := Result{Decision: decision}
	if !decision.Intercepted() {
		return result, nil
	}

	key := req.Key()
	var lastErr error
	for _, source := range decision.Sources {
		var (
			resp      *cache.Response
			cacheName string
			err       error
		)
		switch source {
		case SourceCache:
			resp, cacheName, err = r.w.registry.Match(ctx, key, cache.MatchOptions{})
		case SourceNetwork:
			resp, err = r.network(ctx, req, decision)
		case SourceOfflinePage:
			resp, cacheName, err = r.w.registry.Match(ctx, r.offlineKey, cache.MatchOptions{})
		case SourcePlaceholder:
			resp, cacheName, err = r.w.registry.Match(ctx, r.placeholderKey, cache.MatchOptions{})
		}
		if err != nil {
			if !errors.Is(err, cache.ErrNotFound) {
				lastErr = err
			}
			continue
		}
		result.Response = resp
		result.Source = source
		result.CacheName = cacheName
		return result, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no cached fallback")
	}
	return result, fmt.Errorf("%w: %s: %w", ErrNoResponse, key, lastErr)
}

func (r *Router) network(ctx context.Context, req *upstream.Request, d Decision) (*cache.Response, error) {
	resp, err := r.w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.Populate == "" || !resp.OK() {
		return resp, nil
	}
	if d.Async {
		r.w.writer.StoreAsync(ctx, d.Populate, req.Key(), resp)
		return resp, nil
	}
	// 同步写穿失败不影响本次响应；调用方放弃请求时写入照常完成。
	_ = r.w.writer.Store(ctx, d.Populate, req.Key(), resp)
	return resp, nil
}

// Fetch 处理一次拦截请求并记录日志与指标。
func (w *Worker) Fetch(ctx context.Context, requestID string, req *upstream.Request) (Result, error) {
	started := time.Now()
	result, err := w.router.Route(ctx, req)
	elapsed := time.Since(started)

	strategy := string(result.Decision.Strategy)
	w.metrics.ObserveFetch(strategy, string(result.Source), elapsed)

	fields := logging.FetchFields(requestID, req.Method, req.URL.String(), strategy, string(result.Source), result.Source == SourceCache)
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if result.CacheName != "" {
		fields["cache"] = result.CacheName
	}
	entry := w.logger.WithFields(fields)
	switch {
	case err != nil:
		entry.WithError(err).Warn("fetch_unanswered")
	case !result.Decision.Intercepted():
		entry.Debug("fetch_passthrough")
	case result.Source == SourceOfflinePage || result.Source == SourcePlaceholder:
		entry.WithFields(logrus.Fields{"fallback": true}).Info("fetch_fallback")
	default:
		entry.Info("fetch_served")
	}
	return result, err
}
