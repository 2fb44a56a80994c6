package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/moles-world/shellcache/internal/cache"
)

var supportedBackends = map[string]struct{}{
	cache.BackendMemory: {},
	cache.BackendDisk:   {},
	cache.BackendSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateDomain(g.Domain); err != nil {
		return fmt.Errorf("Global.Domain: %w", err)
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	for i, host := range g.AllowedHosts {
		if err := validateDomain(host); err != nil {
			return fmt.Errorf("%s: %w", listField("Global.AllowedHosts", i), err)
		}
	}
	if _, ok := supportedBackends[g.CacheBackend]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 memory/disk/sqlite")
	}
	if g.CacheBackend != cache.BackendMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if strings.TrimSpace(g.OfflinePage) == "" {
		return newFieldError("Global.OfflinePage", "不能为空")
	}
	if strings.TrimSpace(g.PlaceholderIcon) == "" {
		return newFieldError("Global.PlaceholderIcon", "不能为空")
	}
	if len(g.Precache) == 0 {
		return newFieldError("Global.Precache", "至少需要一个 app shell 资源")
	}
	if err := validateURLList("Global.Precache", g.Precache); err != nil {
		return err
	}
	if err := validateURLList("Global.SeedImages", g.SeedImages); err != nil {
		return err
	}

	if err := c.Generations().Validate(); err != nil {
		return newFieldError("Caches", err.Error())
	}

	j := c.Jobs
	if strings.TrimSpace(j.DataSyncURL) == "" {
		return newFieldError("Jobs.DataSyncURL", "不能为空")
	}
	if strings.TrimSpace(j.ContentFeedURL) == "" {
		return newFieldError("Jobs.ContentFeedURL", "不能为空")
	}
	if j.ContentBatchSize <= 0 {
		return newFieldError("Jobs.ContentBatchSize", "必须大于 0")
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少站点源地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源不应包含路径: %s", raw)
	}
	return nil
}

func validateURLList(field string, raws []string) error {
	for i, raw := range raws {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return newFieldError(listField(field, i), "不能为空")
		}
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return newFieldError(listField(field, i), err.Error())
		}
		if parsed.IsAbs() && parsed.Scheme != "http" && parsed.Scheme != "https" {
			return newFieldError(listField(field, i), "仅支持 http/https")
		}
	}
	return nil
}
