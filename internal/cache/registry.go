package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/offline-hub/internal/config"
)

// Options 汇总各后端所需的连接参数。
type Options struct {
	StoragePath   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// OptionsFromConfig 从全局配置提取后端参数。
func OptionsFromConfig(g config.GlobalConfig) Options {
	return Options{
		StoragePath:   g.StoragePath,
		SQLitePath:    g.SQLitePath,
		RedisAddr:     g.RedisAddr,
		RedisPassword: g.RedisPassword,
		RedisDB:       g.RedisDB,
	}
}

// Factory 根据 Options 构建一个 Store。
type Factory func(opts Options) (Store, error)

var globalBackends = newBackendRegistry()

type backendRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func newBackendRegistry() *backendRegistry {
	return &backendRegistry{factories: make(map[string]Factory)}
}

// RegisterBackend 将后端工厂加入全局注册表，重复键会返回错误。
func RegisterBackend(key string, factory Factory) error {
	return globalBackends.register(key, factory)
}

// MustRegisterBackend 在注册失败时 panic，适合后端 init() 中调用。
func MustRegisterBackend(key string, factory Factory) {
	if err := RegisterBackend(key, factory); err != nil {
		panic(err)
	}
}

// Backends 返回按键排序的已注册后端。
func Backends() []string {
	return globalBackends.keys()
}

// New 按后端键构建 Store。
func New(backend string, opts Options) (Store, error) {
	factory, ok := globalBackends.resolve(backend)
	if !ok {
		return nil, fmt.Errorf("storage backend %s is not registered", backend)
	}
	return factory(opts)
}

// NewFromConfig 使用全局配置中声明的后端构建 Store。
func NewFromConfig(g config.GlobalConfig) (Store, error) {
	return New(g.StorageBackend, OptionsFromConfig(g))
}

func (r *backendRegistry) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *backendRegistry) register(key string, factory Factory) error {
	key = r.normalizeKey(key)
	if key == "" {
		return fmt.Errorf("backend key is required")
	}
	if factory == nil {
		return fmt.Errorf("backend %s: factory is required", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("backend %s already registered", key)
	}
	r.factories[key] = factory
	return nil
}

func (r *backendRegistry) resolve(key string) (Factory, bool) {
	normalized := r.normalizeKey(key)
	if normalized == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[normalized]
	return factory, ok
}

func (r *backendRegistry) keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.factories))
	for key := range r.factories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func validateBucketName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, name)
	}
	return nil
}
