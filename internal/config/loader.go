package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPrecache 是 app shell 清单；离线页与占位图标必须包含在内。
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/offline.html",
	"/styles.css",
	"/app.js",
	"/icons/icon-192x192.png",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
	"https://fonts.googleapis.com/css2?family=Poppins:wght@300;400;500;600;700&family=Roboto+Slab:wght@400;500;600&display=swap",
}

// DefaultSeedImages 是安装阶段尽力写入图片缓存的种子列表。
var DefaultSeedImages = []string{
	"https://images.unsplash.com/photo-1552053831-71594a27632d?ixlib=rb-4.0.3&auto=format&fit=crop&w=600&q=80",
	"https://images.unsplash.com/photo-1585110396000-c9ffd4e4b308?ixlib=rb-4.0.3&auto=format&fit=crop&w=600&q=80",
	"https://images.unsplash.com/photo-1564349683136-77e08dba1ef7?ixlib=rb-4.0.3&auto=format&fit=crop&w=600&q=80",
	"https://images.unsplash.com/photo-1548681527-8b5f2c16f83d?ixlib=rb-4.0.3&auto=format&fit=crop&w=600&q=80",
	"https://images.unsplash.com/photo-1559253664-ca249d4608c6?ixlib=rb-4.0.3&auto=format&fit=crop&w=600&q=80",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

// DefaultAllowedHosts 是允许拦截的外部主机（图片 CDN、字体 CDN、图标 CDN）。
var DefaultAllowedHosts = []string{
	"unsplash.com",
	"fonts.googleapis.com",
	"cdnjs.cloudflare.com",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Caches)
	applyJobDefaults(&cfg.Jobs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StoragePath != "" {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", "disk")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("SkipWaiting", true)
	v.SetDefault("OfflinePage", "/offline.html")
	v.SetDefault("PlaceholderIcon", "/icons/icon-192x192.png")
	v.SetDefault("AllowedHosts", DefaultAllowedHosts)
	v.SetDefault("Precache", DefaultPrecache)
	v.SetDefault("SeedImages", DefaultSeedImages)
	v.SetDefault("Caches.Shell", "moles-world-v2")
	v.SetDefault("Caches.Dynamic", "moles-world-dynamic-v1")
	v.SetDefault("Caches.Image", "moles-world-images-v1")
	v.SetDefault("Jobs.DataSyncURL", "/api/mole-data.json")
	v.SetDefault("Jobs.ContentFeedURL", "https://api.unsplash.com/search/photos?query=mole&per_page=5")
	v.SetDefault("Jobs.ContentBatchSize", 3)
	v.SetDefault("Jobs.PeriodicInterval", "12h")
	v.SetDefault("Jobs.NotificationInterval", "24h")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	g.Domain = strings.ToLower(strings.TrimSpace(g.Domain))
	for i, host := range g.AllowedHosts {
		g.AllowedHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.Shell = strings.TrimSpace(c.Shell)
	c.Dynamic = strings.TrimSpace(c.Dynamic)
	c.Image = strings.TrimSpace(c.Image)
}

func applyJobDefaults(j *JobsConfig) {
	if j.ContentBatchSize == 0 {
		j.ContentBatchSize = 3
	}
	if j.PeriodicInterval.DurationValue() < 0 {
		j.PeriodicInterval = Duration(0)
	}
	if j.NotificationInterval.DurationValue() < 0 {
		j.NotificationInterval = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
