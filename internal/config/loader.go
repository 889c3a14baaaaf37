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
	baseDir := filepath.Dir(path)
	for i := range cfg.Apps {
		applyAppDefaults(&cfg.Apps[i], baseDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageBackend", BackendFS)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("FetchConcurrency", 8)
	v.SetDefault("PrefetchRate", 0)
	v.SetDefault("ReadyTimeout", "0s")
	v.SetDefault("InstallRetry", "5s")
	v.SetDefault("InstallRetryMax", "5m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = BackendFS
	}
	if g.StorageBackend == BackendSQLite && g.SQLitePath == "" && g.StoragePath != "" {
		g.SQLitePath = filepath.Join(g.StoragePath, "buckets.db")
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.FetchConcurrency == 0 {
		g.FetchConcurrency = 8
	}
	if g.InstallRetry.DurationValue() == 0 {
		g.InstallRetry = Duration(5 * time.Second)
	}
	if g.InstallRetryMax.DurationValue() == 0 {
		g.InstallRetryMax = Duration(5 * time.Minute)
	}
}

// applyAppDefaults 规范化 Scope，并将相对 manifest 路径解析为相对配置文件目录。
func applyAppDefaults(a *AppConfig, baseDir string) {
	a.Name = strings.TrimSpace(a.Name)
	a.Scope = NormalizeScope(a.Scope)
	if a.Manifest != "" && !filepath.IsAbs(a.Manifest) {
		a.Manifest = filepath.Join(baseDir, a.Manifest)
	}
}

// NormalizeScope 将应用基础路径统一为 "/xxx" 形式，根路径返回空串。
func NormalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	scope = strings.Trim(scope, "/")
	if scope == "" {
		return ""
	}
	return "/" + scope
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
