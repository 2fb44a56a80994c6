package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 应为 10s，得到 %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.OfflinePage != "/offline.html" {
		t.Fatalf("OfflinePage 应该自动填充默认值，得到 %s", cfg.Global.OfflinePage)
	}
	if len(cfg.Global.Precache) != len(DefaultPrecache) {
		t.Fatalf("Precache 应该使用默认清单，得到 %d 项", len(cfg.Global.Precache))
	}
	if !cfg.Global.SkipWaiting {
		t.Fatalf("SkipWaiting 默认应为 true")
	}
	if cfg.Jobs.NotificationInterval.DurationValue() != 24*time.Hour {
		t.Fatalf("整数秒应解析为 Duration，得到 %v", cfg.Jobs.NotificationInterval.DurationValue())
	}
	if cfg.Jobs.PeriodicInterval.DurationValue() != 12*time.Hour {
		t.Fatalf("PeriodicInterval 应为 12h")
	}
	gens := cfg.Generations()
	if gens.Shell != "moles-world-v2" || gens.Dynamic != "moles-world-dynamic-v1" || gens.Image != "moles-world-images-v1" {
		t.Fatalf("缓存代名称解析错误: %+v", gens)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺少 Domain/Origin 的配置应返回错误")
	}
}

func TestValidateRejectsDuplicateGenerations(t *testing.T) {
	_, err := Load(testConfigPath(t, "duplicate_caches.toml"))
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Caches" {
		t.Fatalf("重复的缓存名应返回 Caches 字段错误，得到 %v", err)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateCacheBackend(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		storage   string
		shouldErr bool
	}{
		{"disk ok", "disk", "./data", false},
		{"sqlite ok", "sqlite", "./data", false},
		{"memory without storage", "memory", "", false},
		{"disk without storage", "disk", "", true},
		{"unsupported", "redis", "./data", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.CacheBackend = tc.backend
			cfg.Global.StoragePath = tc.storage
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	testCases := []struct {
		name      string
		origin    string
		shouldErr bool
	}{
		{"https", "https://moles.example", false},
		{"trailing slash", "http://127.0.0.1:8080/", false},
		{"missing scheme", "moles.example", true},
		{"ftp", "ftp://moles.example", true},
		{"with path", "https://moles.example/app", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.Origin = tc.origin
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for origin %q", tc.origin)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for origin %q: %v", tc.origin, err)
			}
		})
	}
}

func TestValidateRejectsEmptyPrecacheEntry(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Precache = []string{"/index.html", " "}
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.Precache[1]" {
		t.Fatalf("空清单项应定位到 Global.Precache[1]，得到 %v", err)
	}
}

func TestResolveURL(t *testing.T) {
	cfg := validConfig()
	u, err := cfg.ResolveURL("/offline.html")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if u.String() != "https://moles.example/offline.html" {
		t.Fatalf("相对路径应解析到 Origin 下，得到 %s", u)
	}

	abs, err := cfg.ResolveURL("https://images.unsplash.com/photo-1?w=600")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if abs.Host != "images.unsplash.com" {
		t.Fatalf("绝对地址应保持不变，得到 %s", abs)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			Domain:          "moles.local",
			Origin:          "https://moles.example",
			AllowedHosts:    []string{"unsplash.com"},
			StoragePath:     "./data",
			CacheBackend:    "disk",
			UpstreamTimeout: Duration(time.Second),
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			OfflinePage:     "/offline.html",
			PlaceholderIcon: "/icons/icon-192x192.png",
			Precache:        []string{"/index.html", "/offline.html", "/icons/icon-192x192.png"},
		},
		Caches: CacheConfig{
			Shell:   "moles-world-v2",
			Dynamic: "moles-world-dynamic-v1",
			Image:   "moles-world-images-v1",
		},
		Jobs: JobsConfig{
			DataSyncURL:      "/api/mole-data.json",
			ContentFeedURL:   "https://api.unsplash.com/search/photos?query=mole",
			ContentBatchSize: 3,
		},
	}
}
