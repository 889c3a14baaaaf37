package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[App]]
Name = "game"
Domain = "game.local"
Origin = "https://static.example.com"
Manifest = "manifest.json"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadDefaultsSQLitePathUnderStorage(t *testing.T) {
	cfg := `
StorageBackend = "SQLite"
StoragePath = "/var/lib/offline-hub"

[[App]]
Name = "game"
Domain = "game.local"
Origin = "https://static.example.com"
Manifest = "/etc/offline-hub/manifest.json"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if loaded.Global.StorageBackend != BackendSQLite {
		t.Fatalf("后端名称应被小写化，得到 %s", loaded.Global.StorageBackend)
	}
	if loaded.Global.SQLitePath != "/var/lib/offline-hub/buckets.db" {
		t.Fatalf("SQLitePath 默认值错误: %s", loaded.Global.SQLitePath)
	}
	if loaded.Apps[0].Manifest != "/etc/offline-hub/manifest.json" {
		t.Fatalf("绝对 manifest 路径不应被改写")
	}
}

func TestLoadResolvesManifestRelativeToConfig(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[App]]
Name = "game"
Domain = "game.local"
Origin = "https://static.example.com"
Manifest = "manifest.json"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "manifest.json")
	if loaded.Apps[0].Manifest != want {
		t.Fatalf("相对 manifest 应基于配置目录解析，期望 %s 得到 %s", want, loaded.Apps[0].Manifest)
	}
	if _, err := os.Stat(loaded.Apps[0].Manifest); err != nil {
		t.Fatalf("解析后的 manifest 应可访问: %v", err)
	}
}
