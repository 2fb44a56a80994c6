package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/moles-world/shellcache/internal/cache"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听端口、站点源、日志、存储与 app shell 清单。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	Domain          string   `mapstructure:"Domain"`
	Origin          string   `mapstructure:"Origin"`
	AllowedHosts    []string `mapstructure:"AllowedHosts"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CacheBackend    string   `mapstructure:"CacheBackend"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	SkipWaiting     bool     `mapstructure:"SkipWaiting"`
	OfflinePage     string   `mapstructure:"OfflinePage"`
	PlaceholderIcon string   `mapstructure:"PlaceholderIcon"`
	Precache        []string `mapstructure:"Precache"`
	SeedImages      []string `mapstructure:"SeedImages"`
}

// CacheConfig 声明三类缓存当前代的版本化名称。
type CacheConfig struct {
	Shell   string `mapstructure:"Shell"`
	Dynamic string `mapstructure:"Dynamic"`
	Image   string `mapstructure:"Image"`
}

// JobsConfig 控制后台刷新任务的数据源与调度周期，周期为 0 表示不启用定时触发。
type JobsConfig struct {
	DataSyncURL          string   `mapstructure:"DataSyncURL"`
	ContentFeedURL       string   `mapstructure:"ContentFeedURL"`
	ContentBatchSize     int      `mapstructure:"ContentBatchSize"`
	PeriodicInterval     Duration `mapstructure:"PeriodicInterval"`
	NotificationInterval Duration `mapstructure:"NotificationInterval"`
	Facts                []string `mapstructure:"Facts"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Caches CacheConfig  `mapstructure:"Caches"`
	Jobs   JobsConfig   `mapstructure:"Jobs"`
}

// Generations 返回缓存注册表使用的当前代名称。
func (c *Config) Generations() cache.Generations {
	return cache.Generations{
		Shell:   c.Caches.Shell,
		Dynamic: c.Caches.Dynamic,
		Image:   c.Caches.Image,
	}
}

// OriginURL 返回站点自身源；假定 Validate 已经通过。
func (c *Config) OriginURL() *url.URL {
	u, _ := url.Parse(strings.TrimRight(c.Global.Origin, "/"))
	return u
}

// ResolveURL 将相对路径解析到 Origin 下，绝对地址原样返回。
func (c *Config) ResolveURL(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	origin := c.OriginURL()
	if origin == nil {
		return nil, fmt.Errorf("origin not configured")
	}
	return origin.ResolveReference(ref), nil
}

// ResolveURLs 批量解析，任意一项失败即返回错误。
func (c *Config) ResolveURLs(raws []string) ([]*url.URL, error) {
	result := make([]*url.URL, 0, len(raws))
	for _, raw := range raws {
		u, err := c.ResolveURL(raw)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", raw, err)
		}
		result = append(result, u)
	}
	return result, nil
}
