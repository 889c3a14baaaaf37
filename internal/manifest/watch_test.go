package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/logging"
)

func TestWatcherReportsNewDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"resources":{"a.js":"h1"}}`), 0o600))

	current, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, current, logging.NewDiscardLogger())
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Manifest, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(m *Manifest) { changes <- m }) }()

	// fsnotify 注册是异步的，留出时间让目录监听生效。
	time.Sleep(100 * time.Millisecond)

	tmp := filepath.Join(dir, "manifest.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"resources":{"a.js":"h2"}}`), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case next := <-changes:
		fp, _ := next.Fingerprint("a.js")
		require.Equal(t, "h2", fp)
	case <-time.After(5 * time.Second):
		t.Fatal("expected manifest change notification")
	}

	cancel()
	require.NoError(t, <-done)
}
