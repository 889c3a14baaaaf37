package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendFS:     {},
	BackendSQLite: {},
	BackendRedis:  {},
}

const supportedBackendList = "fs|sqlite|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	switch g.StorageBackend {
	case BackendFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case BackendSQLite:
		if g.SQLitePath == "" {
			return newFieldError("Global.SQLitePath", "不能为空")
		}
	case BackendRedis:
		if g.RedisAddr == "" {
			return newFieldError("Global.RedisAddr", "不能为空")
		}
		if g.RedisDB < 0 {
			return newFieldError("Global.RedisDB", "不能为负数")
		}
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.FetchConcurrency <= 0 {
		return newFieldError("Global.FetchConcurrency", "必须大于 0")
	}
	if g.PrefetchRate < 0 {
		return newFieldError("Global.PrefetchRate", "不能为负数")
	}
	if g.ReadyTimeout.DurationValue() < 0 {
		return newFieldError("Global.ReadyTimeout", "不能为负数")
	}
	if g.InstallRetry.DurationValue() <= 0 {
		return newFieldError("Global.InstallRetry", "必须大于 0")
	}
	if g.InstallRetryMax.DurationValue() < g.InstallRetry.DurationValue() {
		return newFieldError("Global.InstallRetryMax", "不能小于 InstallRetry")
	}

	if len(c.Apps) == 0 {
		return newFieldError("App", "至少需要配置一个")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.Name == "" {
			return newFieldError(appField(i, "", "Name"), "不能为空")
		}
		if strings.ContainsAny(app.Name, "/\\: ") {
			return newFieldError(appField(i, app.Name, "Name"), "不允许包含路径分隔符、冒号或空格")
		}
		if _, exists := seenNames[app.Name]; exists {
			return newFieldError(appField(i, app.Name, "Name"), "重复")
		}
		seenNames[app.Name] = struct{}{}

		if err := validateDomain(app.Domain); err != nil {
			return newFieldError(appField(i, app.Name, "Domain"), err.Error())
		}
		if err := validateOrigin(app.Origin); err != nil {
			return newFieldError(appField(i, app.Name, "Origin"), err.Error())
		}
		if strings.ContainsAny(app.Scope, "?#") {
			return newFieldError(appField(i, app.Name, "Scope"), "不允许包含查询串或片段")
		}
		if strings.TrimSpace(app.Manifest) == "" {
			return newFieldError(appField(i, app.Name, "Manifest"), "不能为空")
		}
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
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
