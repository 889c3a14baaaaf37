package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

// FetchOptions 控制单次抓取。Reload 对应 fetch 的 {cache: 'reload'}：
// 绕过中间缓存，强制向源站重新验证。
type FetchOptions struct {
	Reload bool
}

// Fetcher 抓取 manifest 键对应的资源。传输失败返回 error；任何 HTTP 状态码都以
// Response 返回，由调用方通过 Response.OK 判断。
type Fetcher interface {
	Fetch(ctx context.Context, key string, opts FetchOptions) (*cache.Response, error)
}

// ErrTransport 标记网络/源站不可达类错误。
var ErrTransport = errors.New("upstream transport error")

// RetryOptions 控制传输错误的重试。
type RetryOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// HTTPFetcher 通过共享 http.Client 从源站抓取资源。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
	scope  string
	retry  RetryOptions
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewHTTPFetcher 构建指向 origin+scope 的 Fetcher。
func NewHTTPFetcher(client *http.Client, origin *url.URL, scope string, retry RetryOptions) *HTTPFetcher {
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = time.Second
	}
	return &HTTPFetcher{
		client: client,
		origin: origin,
		scope:  strings.TrimRight(origin.Path, "/") + scope,
		retry:  retry,
		sleep:  sleepContext,
	}
}

// URL 返回 key 在源站上的绝对地址。
func (f *HTTPFetcher) URL(key string) string {
	target := *f.origin
	rel := manifest.ResourcePath(f.scope, key)
	if path, query, ok := strings.Cut(rel, "?"); ok {
		target.Path = path
		target.RawQuery = query
	} else {
		target.Path = rel
		target.RawQuery = ""
	}
	return target.String()
}

// Fetch 抓取资源；仅传输层错误触发重试，HTTP 错误状态原样返回。
func (f *HTTPFetcher) Fetch(ctx context.Context, key string, opts FetchOptions) (*cache.Response, error) {
	target := f.URL(key)
	backoff := f.retry.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= f.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		resp, err := f.fetchOnce(ctx, target, opts)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: fetch %s: %v", ErrTransport, target, lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, target string, opts FetchOptions) (*cache.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if opts.Reload {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		URL:      target,
		StoredAt: time.Now().UTC(),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
