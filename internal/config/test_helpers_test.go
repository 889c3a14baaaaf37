package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat(path); err != nil && name != "missing.toml" {
		t.Fatalf("夹具不存在: %s", path)
	}
	return path
}

// writeTempConfig 写入临时 config.toml，并在同目录放置一个最小 manifest，
// 供引用相对 Manifest 路径的配置使用。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := `{"resources": {"index.html": "h1"}, "core": ["index.html"]}`
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o600); err != nil {
		t.Fatalf("写入临时 manifest 失败: %v", err)
	}
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
