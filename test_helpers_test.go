package main

import (
	"bytes"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
)

// configFixture 返回 internal/config/testdata 下的夹具路径，基于本文件位置定位，
// 不依赖 go test 的工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("无法定位测试文件位置")
	}
	return filepath.Join(filepath.Dir(file), "internal", "config", "testdata", name)
}

// useBufferWriters 在测试期间把 CLI 的 stdOut/stdErr 换成内存缓冲，结束后恢复。
func useBufferWriters(t *testing.T) {
	t.Helper()
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &bytes.Buffer{}, &bytes.Buffer{}
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

// fiberTestConfig 放宽 app.Test 的超时，首个请求可能需要等待安装完成。
func fiberTestConfig() fiber.TestConfig {
	return fiber.TestConfig{Timeout: 10 * time.Second}
}
