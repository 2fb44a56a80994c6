package server

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/moles-world/shellcache/internal/config"
)

// Target 是 Host 头解析出的请求目标站点。
type Target struct {
	// Base 是目标站点的 scheme://host，请求路径在其上解析。
	Base *url.URL
	// Host 是规整后的主机名。
	Host string
	// Own 表示请求发往站点自身。
	Own bool
}

// Scope 返回 own（站点自身）或 external（允许列表中的外部主机）。
func (t *Target) Scope() string {
	if t.Own {
		return "own"
	}
	return "external"
}

// Site 提供 Host/Host:port 到目标站点的解析：网关域名与站点源映射到 Origin，
// 允许列表中的外部主机（含子域名）映射到 https://host。
type Site struct {
	origin  *url.URL
	domain  string
	allowed []string
}

// NewSite 根据配置构建 Site。调用方应在启动阶段创建一次并复用。
func NewSite(cfg *config.Config) (*Site, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin := cfg.OriginURL()
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}

	site := &Site{
		origin: &url.URL{Scheme: strings.ToLower(origin.Scheme), Host: strings.ToLower(origin.Host)},
		domain: normalizeDomain(cfg.Global.Domain),
	}
	if site.domain == "" {
		return nil, errors.New("domain is required")
	}
	for _, host := range cfg.Global.AllowedHosts {
		if normalized := normalizeDomain(host); normalized != "" {
			site.allowed = append(site.allowed, normalized)
		}
	}
	return site, nil
}

// Origin 返回站点源。
func (s *Site) Origin() *url.URL {
	copied := *s.origin
	return &copied
}

// Lookup 根据 Host 或 Host:port 解析目标站点。
func (s *Site) Lookup(host string) (*Target, bool) {
	if s == nil {
		return nil, false
	}
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return nil, false
	}

	if normalized == s.domain || normalized == s.origin.Hostname() {
		return &Target{Base: s.Origin(), Host: normalized, Own: true}, true
	}
	for _, allowed := range s.allowed {
		if normalized == allowed || strings.HasSuffix(normalized, "."+allowed) {
			return &Target{Base: &url.URL{Scheme: "https", Host: normalized}, Host: normalized}, true
		}
	}
	return nil, false
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
