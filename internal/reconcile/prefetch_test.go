package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/upstream"
)

func TestPrefetchFetchesOnlyMissingKeys(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	buckets := BucketsFor(testApp)
	putEntry(t, store, buckets.Content, "a.js", "cached a")

	fetcher := newStubFetcher(map[string]string{"a.js": "a", "b.js": "b", "c.js": "c"})
	m := mustManifest(t, map[string]string{"a.js": "h1", "b.js": "h2", "c.js": "h3"})
	r := newTestReconciler(m, store, fetcher, nil)

	report, err := r.Prefetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Requested)
	assert.Equal(t, []string{"b.js", "c.js"}, report.Stored)
	assert.Empty(t, report.Failed)
	assert.Zero(t, fetcher.callCount("a.js"))
	assert.Equal(t, map[string]string{"a.js": "cached a", "b.js": "b", "c.js": "c"}, bucketContents(t, store, buckets.Content))
}

func TestPrefetchKeepsPartialProgress(t *testing.T) {
	ctx := context.Background()
	store := newFSStore(t)
	buckets := BucketsFor(testApp)

	fetcher := newStubFetcher(map[string]string{"a.js": "a", "b.js": "b", "c.js": "c"})
	fetcher.setOffline("b.js", true)
	fetcher.setStatus("c.js", 404)
	m := mustManifest(t, map[string]string{"a.js": "h1", "b.js": "h2", "c.js": "h3"})
	r := newTestReconciler(m, store, fetcher, nil)

	report, err := r.Prefetch(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrTransport))
	assert.Contains(t, err.Error(), "c.js")
	assert.Equal(t, []string{"a.js"}, report.Stored)
	assert.Equal(t, []string{"b.js", "c.js"}, report.Failed)
	assert.Equal(t, map[string]string{"a.js": "a"}, bucketContents(t, store, buckets.Content))

	fetcher.setOffline("b.js", false)
	fetcher.setStatus("c.js", 200)
	report, err = r.Prefetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.js", "c.js"}, report.Stored)
}

func TestPrefetchRespectsRateLimit(t *testing.T) {
	store := newFSStore(t)
	fetcher := newStubFetcher(map[string]string{"a.js": "a", "b.js": "b"})
	m := mustManifest(t, map[string]string{"a.js": "h1", "b.js": "h2"})
	r := New(testApp, m, store, fetcher, Options{PrefetchRate: 0.001})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := r.Prefetch(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"a.js"}, report.Stored)
	assert.Equal(t, []string{"b.js"}, report.Failed)
	assert.Zero(t, fetcher.callCount("b.js"))
}
