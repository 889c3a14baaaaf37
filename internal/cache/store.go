package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Store 管理一组具名 bucket。所有实现必须允许并发调用。
type Store interface {
	// Open 打开指定 bucket，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断 bucket 是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个 bucket 及其全部条目；bucket 不存在时视为成功。
	Delete(ctx context.Context, name string) error

	// Close 释放底层连接。
	Close() error
}

// Bucket 是具名的持久化 key/value 存储，key 为请求标识，value 为缓存响应。
type Bucket interface {
	Name() string

	// Get 返回缓存响应。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*Response, error)

	// Put 写入（或覆盖）条目。实现需保证单条写入的原子性。
	Put(ctx context.Context, locator Locator, resp *Response) error

	// Delete 删除单个条目，条目不存在时视为成功。
	Delete(ctx context.Context, locator Locator) error

	// Keys 列出当前全部条目的请求标识。
	Keys(ctx context.Context) ([]Locator, error)
}

// Locator 唯一定位一个缓存条目（请求方法 + manifest 逻辑键）。
type Locator struct {
	Method string `json:"method"`
	Key    string `json:"key"`
}

// GET 返回针对 key 的 GET 请求标识。
func GET(key string) Locator {
	return Locator{Method: http.MethodGet, Key: key}
}

// String 返回 "METHOD key" 形式，作为各后端的条目主键。
func (l Locator) String() string {
	method := l.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + l.Key
}

// Response 是被缓存的响应快照。
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	URL      string      `json:"url,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// OK 对应 fetch 语义中的 response.ok：状态码位于 2xx。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 深拷贝响应，写入缓存与返回调用方时各持有一份。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// Bucket 种类，对应 staging / content / metadata 三类存储。
const (
	KindTemp     = "temp"
	KindContent  = "content"
	KindManifest = "manifest"
)

// BucketName 返回某个应用特定种类 bucket 的名称。
func BucketName(app, kind string) string {
	return fmt.Sprintf("%s-%s", app, kind)
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidBucket 表示 bucket 名称不合法。
var ErrInvalidBucket = errors.New("invalid bucket name")
