package reconcile

import (
	"context"
	"sync"

	"github.com/any-hub/offline-hub/internal/cache"
)

// WriteGate 记录同一应用中拥有 content bucket 写入权的版本，需在该应用的所有
// Reconciler 之间共享。Reconcile 开始时接管写入权；此后旧版本在途的缓存写入
// 返回 ErrSuperseded 而不会落盘。尚无版本接管时任何版本都可写入。
type WriteGate struct {
	mu    sync.RWMutex
	owner *Reconciler
}

// NewWriteGate 创建空的写入闸门。
func NewWriteGate() *WriteGate {
	return &WriteGate{}
}

// acquire 等待在途写入完成后把写入权交给 r。
func (g *WriteGate) acquire(r *Reconciler) {
	g.mu.Lock()
	g.owner = r
	g.mu.Unlock()
}

// Owns 报告 r 当前是否可以写入 content bucket。
func (g *WriteGate) Owns(r *Reconciler) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner == nil || g.owner == r
}

// put 在持有读锁期间检查归属并写入，保证写入与接管互斥。
func (g *WriteGate) put(ctx context.Context, r *Reconciler, bucket cache.Bucket, locator cache.Locator, resp *cache.Response) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.owner != nil && g.owner != r {
		return ErrSuperseded
	}
	return bucket.Put(ctx, locator, resp)
}
