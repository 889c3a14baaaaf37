package reconcile

import "errors"

var (
	// ErrDeclined 表示请求的键不在 manifest 中，应交由默认链路处理。
	ErrDeclined = errors.New("resource not managed by manifest")
	// ErrBootstrapFailed 表示核心资源预取失败，不得进入激活阶段。
	ErrBootstrapFailed = errors.New("bootstrap failed")
	// ErrReconcileFailed 表示协调过程中出错，三个 bucket 均已被删除。
	ErrReconcileFailed = errors.New("reconcile failed")
	// ErrSuperseded 表示更新的版本已接管 content bucket，本版本的写入被丢弃。
	ErrSuperseded = errors.New("superseded by a newer version")
)
