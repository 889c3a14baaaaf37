package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/upstream"
)

// manifestEntryKey 是 metadata bucket 中唯一条目的键。
const manifestEntryKey = "manifest"

const defaultConcurrency = 8

// Notifier 接收"已接管服务"的信号（对应 clients.claim），由外部生命周期控制器实现。
type Notifier interface {
	Claim(r *Reconciler)
}

// Buckets 是参与协调的三个 bucket 名称。
type Buckets struct {
	Temp     string
	Content  string
	Manifest string
}

// BucketsFor 返回应用默认的 bucket 命名。
func BucketsFor(app string) Buckets {
	return Buckets{
		Temp:     cache.BucketName(app, cache.KindTemp),
		Content:  cache.BucketName(app, cache.KindContent),
		Manifest: cache.BucketName(app, cache.KindManifest),
	}
}

// Options 控制 Reconciler 的可选依赖。
type Options struct {
	Logger   *logrus.Logger
	Notifier Notifier
	Buckets  *Buckets
	// Concurrency 限制单个事件内并发的子操作（抓取、删除、复制）数量。
	Concurrency int
	// PrefetchRate 限制全量预取的请求速率（次/秒），<=0 表示不限速。
	PrefetchRate float64
	// Gate 在同一应用的各版本间共享；为空时使用私有闸门，不与其他版本互斥。
	Gate *WriteGate
}

// Reconciler 绑定一个应用版本（manifest）与其 bucket，manifest 在构造时注入且不可变。
type Reconciler struct {
	app         string
	manifest    *manifest.Manifest
	store       cache.Store
	fetcher     upstream.Fetcher
	buckets     Buckets
	notifier    Notifier
	logger      *logrus.Logger
	concurrency int
	limiter     *rate.Limiter
	gate        *WriteGate
}

// New 构建某个 manifest 版本的 Reconciler。
func New(app string, m *manifest.Manifest, store cache.Store, fetcher upstream.Fetcher, opts Options) *Reconciler {
	buckets := BucketsFor(app)
	if opts.Buckets != nil {
		buckets = *opts.Buckets
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.PrefetchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PrefetchRate), 1)
	}
	gate := opts.Gate
	if gate == nil {
		gate = NewWriteGate()
	}
	return &Reconciler{
		app:         app,
		manifest:    m,
		store:       store,
		fetcher:     fetcher,
		buckets:     buckets,
		notifier:    opts.Notifier,
		logger:      logger,
		concurrency: concurrency,
		limiter:     limiter,
		gate:        gate,
	}
}

// App 返回应用名称。
func (r *Reconciler) App() string {
	return r.app
}

// Manifest 返回绑定的 manifest。
func (r *Reconciler) Manifest() *manifest.Manifest {
	return r.manifest
}

// Buckets 返回使用中的 bucket 名称。
func (r *Reconciler) Buckets() Buckets {
	return r.buckets
}

// Bootstrap 以绕过中间缓存的方式抓取核心资源并写入 staging bucket。
// 任一资源失败即整体失败，且 staging bucket 会被删除，不留下部分结果。
func (r *Reconciler) Bootstrap(ctx context.Context) (err error) {
	core := r.manifest.Core()
	ctx, span := r.startSpan(ctx, "Bootstrap", attribute.Int("core.count", len(core)))
	defer func() { endSpan(span, err) }()

	started := time.Now()
	defer func() {
		if err == nil {
			return
		}
		if dropErr := r.store.Delete(context.WithoutCancel(ctx), r.buckets.Temp); dropErr != nil {
			r.logger.WithError(dropErr).WithFields(logging.AppFields(r.app, "bootstrap_cleanup")).Warn("drop staging bucket failed")
		}
		err = fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
	}()
	defer recoverAsError(&err)

	// 上一次安装若未激活会残留旧版本的核心资源，先清空避免混入当前版本。
	if err := r.store.Delete(ctx, r.buckets.Temp); err != nil {
		return err
	}

	responses := make([]*cache.Response, len(core))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, key := range core {
		g.Go(func() (err error) {
			defer recoverAsError(&err)
			resp, err := r.fetcher.Fetch(gctx, key, upstream.FetchOptions{Reload: true})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", key, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", key, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	staging, err := r.store.Open(ctx, r.buckets.Temp)
	if err != nil {
		return err
	}
	if err := r.forEach(ctx, core, func(ctx context.Context, i int, key string) error {
		return staging.Put(ctx, cache.GET(key), responses[i])
	}); err != nil {
		return err
	}

	r.logger.WithFields(logging.AppFields(r.app, "bootstrap")).WithFields(logrus.Fields{
		"manifest_version": r.manifest.ID(),
		"core":             len(core),
		"elapsed_ms":       time.Since(started).Milliseconds(),
	}).Info("core resources staged")
	return nil
}

// Reconcile 将 staging bucket 中的新版本合并进 content bucket，并持久化新 manifest。
//
// 顺序约束：淘汰 → 覆盖复制 → 清空 staging → 持久化 manifest → 通知接管。
// 任何错误（包括 panic）都会删除全部三个 bucket，下次激活按首次安装处理。
func (r *Reconciler) Reconcile(ctx context.Context) (err error) {
	ctx, span := r.startSpan(ctx, "Reconcile")
	defer func() { endSpan(span, err) }()

	defer func() {
		if err == nil {
			return
		}
		r.logger.WithError(err).WithFields(logging.AppFields(r.app, "reconcile")).
			WithField("manifest_version", r.manifest.ID()).
			Error("reconcile failed, resetting all buckets")
		r.reset(context.WithoutCancel(ctx))
		err = fmt.Errorf("%w: %v", ErrReconcileFailed, err)
	}()
	defer recoverAsError(&err)

	// 先接管写入权：旧版本在途的 Serve/Prefetch 写入要么已完成（随后被淘汰或覆盖），
	// 要么被丢弃。
	r.gate.acquire(r)

	content, err := r.store.Open(ctx, r.buckets.Content)
	if err != nil {
		return err
	}
	staging, err := r.store.Open(ctx, r.buckets.Temp)
	if err != nil {
		return err
	}
	meta, err := r.store.Open(ctx, r.buckets.Manifest)
	if err != nil {
		return err
	}

	old, err := readManifest(ctx, meta)
	if err != nil {
		return err
	}

	fields := logging.AppFields(r.app, "reconcile")
	fields["manifest_version"] = r.manifest.ID()

	if old == nil {
		if err := r.store.Delete(ctx, r.buckets.Content); err != nil {
			return err
		}
		content, err = r.store.Open(ctx, r.buckets.Content)
		if err != nil {
			return err
		}
		copied, err := r.copyEntries(ctx, staging, content)
		if err != nil {
			return err
		}
		if err := r.store.Delete(ctx, r.buckets.Temp); err != nil {
			return err
		}
		if err := writeManifest(ctx, meta, r.manifest); err != nil {
			return err
		}
		fields["first_install"] = true
		fields["copied"] = copied
		r.logger.WithFields(fields).Info("cache initialized")
		r.claim()
		return nil
	}

	evicted, err := r.evictStale(ctx, content, old)
	if err != nil {
		return err
	}
	copied, err := r.copyEntries(ctx, staging, content)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, r.buckets.Temp); err != nil {
		return err
	}
	if err := writeManifest(ctx, meta, r.manifest); err != nil {
		return err
	}

	fields["first_install"] = false
	fields["previous_version"] = old.ID()
	fields["evicted"] = evicted
	fields["copied"] = copied
	r.logger.WithFields(fields).Info("cache upgraded")
	r.claim()
	return nil
}

// evictStale 删除新 manifest 中不存在或指纹与旧 manifest 不一致的条目。
// 指纹比较为严格字符串相等。
func (r *Reconciler) evictStale(ctx context.Context, content cache.Bucket, old *manifest.Manifest) (int, error) {
	locators, err := content.Keys(ctx)
	if err != nil {
		return 0, err
	}

	var stale []cache.Locator
	for _, locator := range locators {
		if r.isStale(locator.Key, old) {
			stale = append(stale, locator)
		}
	}

	err = r.forEachLocator(ctx, stale, func(ctx context.Context, locator cache.Locator) error {
		return content.Delete(ctx, locator)
	})
	return len(stale), err
}

func (r *Reconciler) isStale(key string, old *manifest.Manifest) bool {
	next, ok := r.manifest.Fingerprint(key)
	if !ok {
		return true
	}
	prev, ok := old.Fingerprint(key)
	return !ok || prev != next
}

// copyEntries 将 src 的全部条目复制到 dst，覆盖同键条目。
func (r *Reconciler) copyEntries(ctx context.Context, src, dst cache.Bucket) (int, error) {
	locators, err := src.Keys(ctx)
	if err != nil {
		return 0, err
	}
	err = r.forEachLocator(ctx, locators, func(ctx context.Context, locator cache.Locator) error {
		resp, err := src.Get(ctx, locator)
		if err != nil {
			return fmt.Errorf("read staged %s: %w", locator.Key, err)
		}
		return dst.Put(ctx, locator, resp)
	})
	return len(locators), err
}

// reset 无条件删除三个 bucket，使下一次激活等同于首次安装。
func (r *Reconciler) reset(ctx context.Context) {
	var errs []error
	for _, name := range []string{r.buckets.Content, r.buckets.Temp, r.buckets.Manifest} {
		if err := r.store.Delete(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.WithError(err).WithFields(logging.AppFields(r.app, "reset")).Error("bucket reset incomplete")
	}
}

func (r *Reconciler) claim() {
	if r.notifier != nil {
		r.notifier.Claim(r)
	}
}

// StoredManifest 返回 metadata bucket 中记录的 manifest；尚未协调过时返回 nil。
func (r *Reconciler) StoredManifest(ctx context.Context) (*manifest.Manifest, error) {
	ok, err := r.store.Has(ctx, r.buckets.Manifest)
	if err != nil || !ok {
		return nil, err
	}
	meta, err := r.store.Open(ctx, r.buckets.Manifest)
	if err != nil {
		return nil, err
	}
	return readManifest(ctx, meta)
}

func readManifest(ctx context.Context, meta cache.Bucket) (*manifest.Manifest, error) {
	resp, err := meta.Get(ctx, cache.GET(manifestEntryKey))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	stored, err := manifest.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("stored manifest: %w", err)
	}
	return stored, nil
}

func writeManifest(ctx context.Context, meta cache.Bucket, m *manifest.Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return meta.Put(ctx, cache.GET(manifestEntryKey), &cache.Response{
		Status:   http.StatusOK,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	})
}

func (r *Reconciler) forEach(ctx context.Context, keys []string, fn func(ctx context.Context, i int, key string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, key := range keys {
		g.Go(func() (err error) {
			defer recoverAsError(&err)
			return fn(gctx, i, key)
		})
	}
	return g.Wait()
}

func (r *Reconciler) forEachLocator(ctx context.Context, locators []cache.Locator, fn func(ctx context.Context, locator cache.Locator) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, locator := range locators {
		g.Go(func() (err error) {
			defer recoverAsError(&err)
			return fn(gctx, locator)
		})
	}
	return g.Wait()
}
