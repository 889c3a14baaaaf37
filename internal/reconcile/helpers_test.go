package reconcile

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/upstream"
)

const testApp = "game"

// stubFetcher 按键返回预置内容，可模拟网络失败与非 2xx 响应。
type stubFetcher struct {
	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string]int
	offline  map[string]bool
	calls    map[string]int
	reloads  map[string]int
}

func newStubFetcher(bodies map[string]string) *stubFetcher {
	copied := make(map[string]string, len(bodies))
	for k, v := range bodies {
		copied[k] = v
	}
	return &stubFetcher{
		bodies:   copied,
		statuses: map[string]int{},
		offline:  map[string]bool{},
		calls:    map[string]int{},
		reloads:  map[string]int{},
	}
}

func (f *stubFetcher) Fetch(ctx context.Context, key string, opts upstream.FetchOptions) (*cache.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if opts.Reload {
		f.reloads[key]++
	}
	if f.offline[key] {
		return nil, upstream.ErrTransport
	}
	status := http.StatusOK
	if s, ok := f.statuses[key]; ok {
		status = s
	}
	body, ok := f.bodies[key]
	if !ok && status == http.StatusOK {
		status = http.StatusNotFound
	}
	return &cache.Response{
		Status:   status,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		URL:      "https://origin.example.com/" + key,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (f *stubFetcher) setBody(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[key] = body
}

func (f *stubFetcher) setOffline(key string, offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[key] = offline
}

func (f *stubFetcher) setStatus(key string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[key] = status
}

func (f *stubFetcher) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *stubFetcher) reloadCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads[key]
}

// recordingNotifier 记录 Claim 调用。
type recordingNotifier struct {
	mu      sync.Mutex
	claimed []*Reconciler
}

func (n *recordingNotifier) Claim(r *Reconciler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.claimed = append(n.claimed, r)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.claimed)
}

var errInjected = errors.New("injected store failure")

// faultyStore 包装真实 Store，在指定 bucket 的第 N 次 Put 或 Delete 时失败。
type faultyStore struct {
	cache.Store
	mu          sync.Mutex
	failBucket  string
	failPutAt   int
	failDelete  bool
	panicOnPut  bool
	putAttempts int
}

func (s *faultyStore) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if name != s.failBucket {
		return bucket, nil
	}
	return &faultyBucket{Bucket: bucket, store: s}, nil
}

type faultyBucket struct {
	cache.Bucket
	store *faultyStore
}

func (b *faultyBucket) Put(ctx context.Context, locator cache.Locator, resp *cache.Response) error {
	b.store.mu.Lock()
	b.store.putAttempts++
	attempt := b.store.putAttempts
	b.store.mu.Unlock()
	if b.store.failPutAt > 0 && attempt >= b.store.failPutAt {
		if b.store.panicOnPut {
			panic("store exploded")
		}
		return errInjected
	}
	return b.Bucket.Put(ctx, locator, resp)
}

func (b *faultyBucket) Delete(ctx context.Context, locator cache.Locator) error {
	if b.store.failDelete {
		return errInjected
	}
	return b.Bucket.Delete(ctx, locator)
}

func newFSStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewFSStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustManifest(t *testing.T, resources map[string]string, core ...string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New("", resources, core)
	require.NoError(t, err)
	return m
}

func newTestReconciler(m *manifest.Manifest, store cache.Store, fetcher upstream.Fetcher, notifier Notifier) *Reconciler {
	return New(testApp, m, store, fetcher, Options{Notifier: notifier, Concurrency: 4})
}

func putEntry(t *testing.T, store cache.Store, bucket, key, body string) {
	t.Helper()
	ctx := context.Background()
	b, err := store.Open(ctx, bucket)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, cache.GET(key), &cache.Response{
		Status:   http.StatusOK,
		Body:     []byte(body),
		StoredAt: time.Now().UTC(),
	}))
}

// bucketContents 读取 bucket 全部条目为 key → body；bucket 不存在时返回 nil。
func bucketContents(t *testing.T, store cache.Store, bucket string) map[string]string {
	t.Helper()
	ctx := context.Background()
	ok, err := store.Has(ctx, bucket)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	b, err := store.Open(ctx, bucket)
	require.NoError(t, err)
	locators, err := b.Keys(ctx)
	require.NoError(t, err)
	out := make(map[string]string, len(locators))
	for _, locator := range locators {
		resp, err := b.Get(ctx, locator)
		require.NoError(t, err)
		out[locator.Key] = string(resp.Body)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func bucketExists(t *testing.T, store cache.Store, bucket string) bool {
	t.Helper()
	ok, err := store.Has(context.Background(), bucket)
	require.NoError(t, err)
	return ok
}

// blockingFetcher 在 key 上挂起，直到 release 关闭；entered 在挂起时关闭。
type blockingFetcher struct {
	*stubFetcher
	key     string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingFetcher(bodies map[string]string, key string) *blockingFetcher {
	return &blockingFetcher{
		stubFetcher: newStubFetcher(bodies),
		key:         key,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (f *blockingFetcher) Fetch(ctx context.Context, key string, opts upstream.FetchOptions) (*cache.Response, error) {
	if key == f.key {
		f.once.Do(func() { close(f.entered) })
		<-f.release
	}
	return f.stubFetcher.Fetch(ctx, key, opts)
}

// panickingFetcher 在 key 上 panic，其余键交给 stubFetcher。
type panickingFetcher struct {
	*stubFetcher
	key string
}

func (f *panickingFetcher) Fetch(ctx context.Context, key string, opts upstream.FetchOptions) (*cache.Response, error) {
	if key == f.key {
		panic("fetcher exploded")
	}
	return f.stubFetcher.Fetch(ctx, key, opts)
}
