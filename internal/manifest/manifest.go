package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
)

// IndexKey 是入口文档的哨兵键：根路径、空路径与 "#" 片段都会归一到该键。
const IndexKey = "/"

// ErrInvalidManifest 表示 manifest 内容不满足约束。
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest 是构建期生成的只读资源表，创建后不再修改；所有访问器返回副本。
type Manifest struct {
	version   string
	digest    string
	resources map[string]string
	core      []string
}

// fileFormat 是 manifest 的 JSON 表达，同时用于 metadata bucket 持久化。
type fileFormat struct {
	Version   string            `json:"version,omitempty"`
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core,omitempty"`
}

// New 基于给定资源表与核心集合构建 Manifest，并校验版本号与核心集合。
func New(version string, resources map[string]string, core []string) (*Manifest, error) {
	if len(resources) == 0 {
		return nil, fmt.Errorf("%w: resources must not be empty", ErrInvalidManifest)
	}

	version = strings.TrimSpace(version)
	if version != "" {
		if _, err := semver.NewVersion(version); err != nil {
			return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidManifest, version, err)
		}
	}

	copied := make(map[string]string, len(resources))
	for key, fingerprint := range resources {
		if key == "" {
			return nil, fmt.Errorf("%w: empty resource key", ErrInvalidManifest)
		}
		if fingerprint == "" {
			return nil, fmt.Errorf("%w: resource %q has empty fingerprint", ErrInvalidManifest, key)
		}
		copied[key] = fingerprint
	}

	seen := make(map[string]struct{}, len(core))
	coreCopy := make([]string, 0, len(core))
	for _, key := range core {
		if _, ok := copied[key]; !ok {
			return nil, fmt.Errorf("%w: core path %q is not a resource", ErrInvalidManifest, key)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		coreCopy = append(coreCopy, key)
	}

	digest, err := digestResources(copied)
	if err != nil {
		return nil, err
	}

	return &Manifest{
		version:   version,
		digest:    digest,
		resources: copied,
		core:      coreCopy,
	}, nil
}

// digestResources 对资源表做 RFC 8785 规范化后计算 sha256，保证键顺序无关。
func digestResources(resources map[string]string) (string, error) {
	raw, err := json.Marshal(resources)
	if err != nil {
		return "", fmt.Errorf("marshal resources: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize resources: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Version 返回 manifest 声明的语义化版本，可能为空。
func (m *Manifest) Version() string {
	return m.version
}

// Digest 返回资源表的规范化摘要。
func (m *Manifest) Digest() string {
	return m.digest
}

// ID 返回便于日志展示的版本标识：优先使用 Version，否则取摘要前 12 位。
func (m *Manifest) ID() string {
	if m.version != "" {
		return m.version
	}
	return m.digest[:12]
}

// Has 判断 key 是否属于当前 manifest。
func (m *Manifest) Has(key string) bool {
	_, ok := m.resources[key]
	return ok
}

// Fingerprint 返回 key 对应的内容指纹。
func (m *Manifest) Fingerprint(key string) (string, bool) {
	fp, ok := m.resources[key]
	return fp, ok
}

// Len 返回资源数量。
func (m *Manifest) Len() int {
	return len(m.resources)
}

// Keys 返回排序后的资源键。
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.resources))
	for key := range m.resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Core 返回核心集合副本（保持声明顺序）。
func (m *Manifest) Core() []string {
	return append([]string(nil), m.core...)
}

// Resources 返回资源表副本。
func (m *Manifest) Resources() map[string]string {
	copied := make(map[string]string, len(m.resources))
	for key, fp := range m.resources {
		copied[key] = fp
	}
	return copied
}

// Equal 以摘要比较两个 manifest 的资源表是否一致。
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.digest == other.digest
}

// MarshalJSON 输出与构建产物一致的 JSON 结构。
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(fileFormat{
		Version:   m.version,
		Resources: m.resources,
		Core:      m.core,
	})
}

// Delta 描述两个 manifest 之间的差异，键均已排序。
type Delta struct {
	Retained []string `json:"retained"`
	Changed  []string `json:"changed"`
	Removed  []string `json:"removed"`
	Added    []string `json:"added"`
}

// Diff 比较旧/新 manifest。old 为 nil 时所有键视为新增。
func Diff(old, next *Manifest) Delta {
	var delta Delta
	if next == nil {
		return delta
	}
	for _, key := range next.Keys() {
		if old == nil {
			delta.Added = append(delta.Added, key)
			continue
		}
		oldFP, ok := old.resources[key]
		switch {
		case !ok:
			delta.Added = append(delta.Added, key)
		case oldFP != next.resources[key]:
			delta.Changed = append(delta.Changed, key)
		default:
			delta.Retained = append(delta.Retained, key)
		}
	}
	if old != nil {
		for _, key := range old.Keys() {
			if !next.Has(key) {
				delta.Removed = append(delta.Removed, key)
			}
		}
	}
	return delta
}
