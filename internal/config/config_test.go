package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StorageBackend != BackendFS {
		t.Fatalf("StorageBackend 默认应为 fs，得到 %s", cfg.Global.StorageBackend)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应被解析为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 应被解析为 10s")
	}
	if cfg.Global.FetchConcurrency != 8 {
		t.Fatalf("FetchConcurrency 应自动填充默认值")
	}
	if cfg.Global.InstallRetry.DurationValue() != 5*time.Second || cfg.Global.InstallRetryMax.DurationValue() != 5*time.Minute {
		t.Fatalf("InstallRetry 默认值错误: %v/%v", cfg.Global.InstallRetry, cfg.Global.InstallRetryMax)
	}
	app := cfg.Apps[0]
	if app.Scope != "/app" {
		t.Fatalf("Scope 应被规范化，得到 %q", app.Scope)
	}
	if app.Manifest != filepath.Join("testdata", "manifest.json") {
		t.Fatalf("Manifest 应相对配置文件目录解析，得到 %s", app.Manifest)
	}
	if !app.ShouldAutoActivate() || !app.ShouldWatchManifest() {
		t.Fatalf("AutoActivate/WatchManifest 默认应为 true")
	}
}

func TestValidateRejectsBadApp(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestBackendValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(g *GlobalConfig)
		shouldErr bool
	}{
		{"fs ok", func(g *GlobalConfig) {}, false},
		{"sqlite ok", func(g *GlobalConfig) { g.StorageBackend = BackendSQLite; g.SQLitePath = "/tmp/b.db" }, false},
		{"sqlite missing path", func(g *GlobalConfig) { g.StorageBackend = BackendSQLite }, true},
		{"redis ok", func(g *GlobalConfig) { g.StorageBackend = BackendRedis; g.RedisAddr = "127.0.0.1:6379" }, false},
		{"redis missing addr", func(g *GlobalConfig) { g.StorageBackend = BackendRedis }, true},
		{"unsupported", func(g *GlobalConfig) { g.StorageBackend = "s3" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Global)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for %s: %v", tc.name, err)
			}
		})
	}
}

func TestValidateRejectsDuplicateAppNames(t *testing.T) {
	cfg := validConfig()
	cfg.Apps = append(cfg.Apps, cfg.Apps[0])
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("重复 App 名称应报错")
	}
	fieldErr, ok := err.(FieldError)
	if !ok || fieldErr.Field != "App[game].Name" {
		t.Fatalf("应返回 App[game].Name 字段错误，得到 %v", err)
	}
}

func TestValidateRejectsScopeWithQuery(t *testing.T) {
	cfg := validConfig()
	cfg.Apps[0].Scope = "/app?v=1"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Scope 含查询串应报错")
	}
}

func TestAutoActivateOverride(t *testing.T) {
	disabled := false
	app := AppConfig{AutoActivate: &disabled}
	if app.ShouldAutoActivate() {
		t.Fatalf("显式关闭 AutoActivate 应生效")
	}
}

func TestNormalizeScope(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"/":      "",
		"app":    "/app",
		"/app/":  "/app",
		" /a/b ": "/a/b",
	}
	for in, want := range cases {
		if got := NormalizeScope(in); got != want {
			t.Fatalf("NormalizeScope(%q) = %q, want %q", in, got, want)
		}
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:       5000,
			StorageBackend:   BackendFS,
			StoragePath:      "./data",
			MaxRetries:       1,
			InitialBackoff:   Duration(time.Second),
			UpstreamTimeout:  Duration(time.Second),
			FetchConcurrency: 4,
			InstallRetry:     Duration(time.Second),
			InstallRetryMax:  Duration(time.Minute),
		},
		Apps: []AppConfig{
			{
				Name:     "game",
				Domain:   "game.local",
				Origin:   "https://static.example.com",
				Manifest: "manifest.json",
			},
		},
	}
}

func TestValidateErrorsMatchInvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Apps[0].Name = ""
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("校验错误应匹配 ErrInvalidConfig，得到 %v", err)
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "App[#0].Name" {
		t.Fatalf("匿名 App 应以下标定位，得到 %v", err)
	}

	cfg = validConfig()
	cfg.Apps[0].Origin = "ftp://static.example.com"
	if err := cfg.Validate(); !errors.As(err, &fieldErr) || fieldErr.Field != "App[game].Origin" {
		t.Fatalf("非法源站应返回 App[game].Origin 字段错误，得到 %v", err)
	}
}

func TestValidateRejectsInstallRetryBelowInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Global.InstallRetryMax = Duration(time.Millisecond)
	var fieldErr FieldError
	if err := cfg.Validate(); !errors.As(err, &fieldErr) || fieldErr.Field != "Global.InstallRetryMax" {
		t.Fatalf("InstallRetryMax 小于 InstallRetry 应报错，得到 %v", err)
	}
}
