package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/upstream"
)

// Source 标记响应来自缓存还是网络。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result 是一次 Serve 的结果。
type Result struct {
	Response *cache.Response
	Source   Source
	// Stored 表示网络响应已写入 content bucket。
	Stored bool
}

// CacheHit 报告响应是否由缓存直接提供。
func (r *Result) CacheHit() bool {
	return r != nil && r.Source == SourceCache
}

// Serve 按键提供资源：不在 manifest 中返回 ErrDeclined；索引文档走在线优先，
// 其余走缓存优先。
func (r *Reconciler) Serve(ctx context.Context, key string) (res *Result, err error) {
	if !r.manifest.Has(key) {
		return nil, ErrDeclined
	}
	ctx, span := r.startSpan(ctx, "Serve", attribute.String("key", key))
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.String("source", string(res.Source)))
		}
		endSpan(span, err)
	}()

	content, err := r.store.Open(ctx, r.buckets.Content)
	if err != nil {
		return nil, err
	}
	if key == manifest.IndexKey {
		return r.onlineFirst(ctx, content, key)
	}
	return r.cacheFirst(ctx, content, key)
}

// cacheFirst 命中直接返回；未命中时抓取，仅 2xx 响应写入缓存，非 2xx 原样返回。
func (r *Reconciler) cacheFirst(ctx context.Context, content cache.Bucket, key string) (*Result, error) {
	locator := cache.GET(key)
	cached, err := content.Get(ctx, locator)
	switch {
	case err == nil:
		return &Result{Response: cached, Source: SourceCache}, nil
	case !errors.Is(err, cache.ErrNotFound):
		r.logger.WithError(err).WithFields(logging.AppFields(r.app, "cache_get")).WithField("key", key).
			Warn("cache read failed, falling back to network")
	}

	resp, err := r.fetcher.Fetch(ctx, key, upstream.FetchOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	result := &Result{Response: resp, Source: SourceNetwork}
	if !resp.OK() {
		return result, nil
	}
	result.Stored = r.keep(ctx, content, locator, resp)
	return result, nil
}

// onlineFirst 优先网络并把拿到的响应（不论状态码）写入缓存；网络失败时回退缓存。
// 缓存也没有时返回原始网络错误。
func (r *Reconciler) onlineFirst(ctx context.Context, content cache.Bucket, key string) (*Result, error) {
	locator := cache.GET(key)
	resp, fetchErr := r.fetcher.Fetch(ctx, key, upstream.FetchOptions{})
	if fetchErr == nil {
		result := &Result{Response: resp, Source: SourceNetwork}
		result.Stored = r.keep(ctx, content, locator, resp)
		return result, nil
	}

	cached, err := content.Get(ctx, locator)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.WithError(err).WithFields(logging.AppFields(r.app, "cache_get")).WithField("key", key).
				Warn("cache read failed")
		}
		return nil, fmt.Errorf("fetch %s: %w", key, fetchErr)
	}
	r.logger.WithError(fetchErr).WithFields(logging.AppFields(r.app, "online_first")).WithField("key", key).
		Info("network unavailable, serving cached index")
	return &Result{Response: cached, Source: SourceCache}, nil
}

// keep 经写入闸门把网络响应写入 content bucket，失败只记录日志，返回是否已写入。
func (r *Reconciler) keep(ctx context.Context, content cache.Bucket, locator cache.Locator, resp *cache.Response) bool {
	err := r.gate.put(ctx, r, content, locator, resp.Clone())
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSuperseded):
		r.logger.WithFields(logging.AppFields(r.app, "cache_put")).WithField("key", locator.Key).
			WithField("manifest_version", r.manifest.ID()).
			Debug("newer version owns the cache, response not stored")
	default:
		r.logger.WithError(err).WithFields(logging.AppFields(r.app, "cache_put")).WithField("key", locator.Key).
			Warn("cache write failed")
	}
	return false
}
