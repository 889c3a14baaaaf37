package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
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

// 支持的 bucket 存储后端。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// GlobalConfig 描述全局运行时行为，所有 App 共享同一份参数。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StorageBackend   string   `mapstructure:"StorageBackend"`
	StoragePath      string   `mapstructure:"StoragePath"`
	SQLitePath       string   `mapstructure:"SQLitePath"`
	RedisAddr        string   `mapstructure:"RedisAddr"`
	RedisPassword    string   `mapstructure:"RedisPassword"`
	RedisDB          int      `mapstructure:"RedisDB"`
	MaxRetries       int      `mapstructure:"MaxRetries"`
	InitialBackoff   Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	FetchConcurrency int      `mapstructure:"FetchConcurrency"`
	PrefetchRate     float64  `mapstructure:"PrefetchRate"`
	ReadyTimeout     Duration `mapstructure:"ReadyTimeout"`
	// InstallRetry/InstallRetryMax 控制安装失败后的指数退避重试间隔。
	InstallRetry    Duration `mapstructure:"InstallRetry"`
	InstallRetryMax Duration `mapstructure:"InstallRetryMax"`
}

// AppConfig 描述单个被缓存的 Web 应用：入口域名、源站以及构建期生成的 manifest。
type AppConfig struct {
	Name          string `mapstructure:"Name"`
	Domain        string `mapstructure:"Domain"`
	Origin        string `mapstructure:"Origin"`
	Scope         string `mapstructure:"Scope"`
	Manifest      string `mapstructure:"Manifest"`
	AutoActivate  *bool  `mapstructure:"AutoActivate"`
	WatchManifest *bool  `mapstructure:"WatchManifest"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Apps   []AppConfig  `mapstructure:"App"`
}

// ShouldAutoActivate 返回安装完成后是否立即激活（未配置时默认 true）。
func (a AppConfig) ShouldAutoActivate() bool {
	return a.AutoActivate == nil || *a.AutoActivate
}

// ShouldWatchManifest 返回是否监听 manifest 文件变化（未配置时默认 true）。
func (a AppConfig) ShouldWatchManifest() bool {
	return a.WatchManifest == nil || *a.WatchManifest
}

// AppNames 返回所有 App 名称，供启动日志使用。
func AppNames(apps []AppConfig) []string {
	if len(apps) == 0 {
		return nil
	}
	result := make([]string, len(apps))
	for i, app := range apps {
		result[i] = app.Name
	}
	return result
}
