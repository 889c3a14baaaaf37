package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/upstream"
)

func TestServeDeclinesUnknownKeys(t *testing.T) {
	store := newFSStore(t)
	fetcher := newStubFetcher(map[string]string{"other.js": "x"})
	r := newTestReconciler(mustManifest(t, map[string]string{"a.js": "h1"}), store, fetcher, nil)

	_, err := r.Serve(context.Background(), "other.js")
	assert.True(t, errors.Is(err, ErrDeclined))
	assert.Zero(t, fetcher.callCount("other.js"))
}

func TestServeCacheFirst(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	fetcher := newStubFetcher(map[string]string{"a.js": "network a"})
	r := newTestReconciler(mustManifest(t, map[string]string{"a.js": "h1"}), store, fetcher, nil)

	first, err := r.Serve(ctx, "a.js")
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, first.Source)
	assert.True(t, first.Stored)
	assert.Equal(t, "network a", string(first.Response.Body))

	fetcher.setBody("a.js", "changed upstream")
	second, err := r.Serve(ctx, "a.js")
	require.NoError(t, err)
	assert.True(t, second.CacheHit())
	assert.Equal(t, "network a", string(second.Response.Body))
	assert.Equal(t, 1, fetcher.callCount("a.js"))
}

func TestServeReturnsNonOKUncached(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	fetcher := newStubFetcher(map[string]string{"a.js": "oops"})
	fetcher.setStatus("a.js", http.StatusServiceUnavailable)
	r := newTestReconciler(mustManifest(t, map[string]string{"a.js": "h1"}), store, fetcher, nil)

	res, err := r.Serve(ctx, "a.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
	assert.False(t, res.Stored)
	assert.Empty(t, bucketContents(t, store, BucketsFor(testApp).Content))
}

func TestServeCacheFirstPropagatesTransportError(t *testing.T) {
	store := newFSStore(t)
	fetcher := newStubFetcher(nil)
	fetcher.setOffline("a.js", true)
	r := newTestReconciler(mustManifest(t, map[string]string{"a.js": "h1"}), store, fetcher, nil)

	_, err := r.Serve(context.Background(), "a.js")
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrTransport))
}

func TestServeIndexPrefersNetwork(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	putEntry(t, store, BucketsFor(testApp).Content, manifest.IndexKey, "cached index")
	fetcher := newStubFetcher(map[string]string{manifest.IndexKey: "live index"})
	r := newTestReconciler(mustManifest(t, map[string]string{manifest.IndexKey: "h0"}), store, fetcher, nil)

	res, err := r.Serve(ctx, manifest.IndexKey)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "live index", string(res.Response.Body))
	assert.Equal(t, "live index", bucketContents(t, store, BucketsFor(testApp).Content)[manifest.IndexKey])
}

func TestServeIndexStoresAnyStatus(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	fetcher := newStubFetcher(map[string]string{manifest.IndexKey: "maintenance"})
	fetcher.setStatus(manifest.IndexKey, http.StatusServiceUnavailable)
	r := newTestReconciler(mustManifest(t, map[string]string{manifest.IndexKey: "h0"}), store, fetcher, nil)

	res, err := r.Serve(ctx, manifest.IndexKey)
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.Equal(t, "maintenance", bucketContents(t, store, BucketsFor(testApp).Content)[manifest.IndexKey])
}

func TestServeIndexFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	putEntry(t, store, BucketsFor(testApp).Content, manifest.IndexKey, "cached index")
	fetcher := newStubFetcher(nil)
	fetcher.setOffline(manifest.IndexKey, true)
	r := newTestReconciler(mustManifest(t, map[string]string{manifest.IndexKey: "h0"}), store, fetcher, nil)

	res, err := r.Serve(ctx, manifest.IndexKey)
	require.NoError(t, err)
	assert.True(t, res.CacheHit())
	assert.Equal(t, "cached index", string(res.Response.Body))
}

func TestServeIndexOfflineWithoutCacheFails(t *testing.T) {
	store := newFSStore(t)
	fetcher := newStubFetcher(nil)
	fetcher.setOffline(manifest.IndexKey, true)
	r := newTestReconciler(mustManifest(t, map[string]string{manifest.IndexKey: "h0"}), store, fetcher, nil)

	_, err := r.Serve(context.Background(), manifest.IndexKey)
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrTransport))
}

func TestServeVersionedIndexRequestIsOnlineFirst(t *testing.T) {
	ctx := context.Background()
	key, ok := manifest.NormalizeKey("/app", "/app", "v=3")
	require.True(t, ok)
	require.Equal(t, manifest.IndexKey, key)

	store := newFSStore(t)
	putEntry(t, store, BucketsFor(testApp).Content, manifest.IndexKey, "cached index")
	fetcher := newStubFetcher(map[string]string{manifest.IndexKey: "live index"})
	r := newTestReconciler(mustManifest(t, map[string]string{manifest.IndexKey: "h0", "app": "h9"}), store, fetcher, nil)

	res, err := r.Serve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Zero(t, fetcher.callCount("app"))
}

func TestServeDropsWritesOfSupersededVersion(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	gate := NewWriteGate()
	content := BucketsFor(testApp).Content

	oldManifest := mustManifest(t, map[string]string{"a.js": "h1", "b.js": "h2"}, "a.js")
	oldFetcher := newBlockingFetcher(map[string]string{"a.js": "a v1", "b.js": "b OLD"}, "b.js")
	old := New(testApp, oldManifest, store, oldFetcher, Options{Gate: gate, Concurrency: 4})
	require.NoError(t, old.Bootstrap(ctx))
	require.NoError(t, old.Reconcile(ctx))

	type served struct {
		res *Result
		err error
	}
	done := make(chan served, 1)
	go func() {
		res, err := old.Serve(ctx, "b.js")
		done <- served{res: res, err: err}
	}()
	<-oldFetcher.entered

	nextManifest := mustManifest(t, map[string]string{"a.js": "h1", "b.js": "h3"}, "a.js", "b.js")
	next := New(testApp, nextManifest, store,
		newStubFetcher(map[string]string{"a.js": "a v1", "b.js": "b NEW"}), Options{Gate: gate, Concurrency: 4})
	require.NoError(t, next.Bootstrap(ctx))
	require.NoError(t, next.Reconcile(ctx))
	assert.True(t, gate.Owns(next))
	assert.False(t, gate.Owns(old))

	close(oldFetcher.release)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, SourceNetwork, out.res.Source)
	assert.Equal(t, "b OLD", string(out.res.Response.Body))
	assert.False(t, out.res.Stored)

	assert.Equal(t, map[string]string{"a.js": "a v1", "b.js": "b NEW"}, bucketContents(t, store, content))
}

func TestServeStoresWhenVersionOwnsGate(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	gate := NewWriteGate()
	m := mustManifest(t, map[string]string{"a.js": "h1"})
	r := New(testApp, m, store, newStubFetcher(map[string]string{"a.js": "a"}), Options{Gate: gate})

	res, err := r.Serve(ctx, "a.js")
	require.NoError(t, err)
	assert.True(t, res.Stored)

	require.NoError(t, r.Reconcile(ctx))
	assert.True(t, gate.Owns(r))
}
