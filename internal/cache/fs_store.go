package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/any-hub/offline-hub/internal/config"
)

const entrySuffix = ".entry"

func init() {
	MustRegisterBackend(config.BackendFS, func(opts Options) (Store, error) {
		return NewFSStore(opts.StoragePath)
	})
}

// NewFSStore 以 basePath 为根目录构建磁盘 bucket 存储，整站复用一份实例。
//
//	<StoragePath>/<bucket>/<sha1(locator)>.entry
func NewFSStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return &fileBucket{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) bucketDir(name string) (string, error) {
	if err := validateBucketName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucket, name)
	}
	return dir, nil
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Get(ctx context.Context, locator Locator) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.entryPath(locator))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	stored, resp, err := decodeEntry(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if stored.String() != locator.String() {
		// sha1 碰撞或被外部篡改，按未命中处理。
		return nil, ErrNotFound
	}
	return resp, nil
}

func (b *fileBucket) Put(ctx context.Context, locator Locator, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := encodeEntry(locator, resp)
	if err != nil {
		return err
	}

	unlock := b.store.lockEntry(b.name, locator)
	defer unlock()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(b.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, b.entryPath(locator)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *fileBucket) Delete(ctx context.Context, locator Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := b.store.lockEntry(b.name, locator)
	defer unlock()

	if err := os.Remove(b.entryPath(locator)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]Locator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []Locator
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		locator, err := readLocator(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, locator)
	}
	return keys, nil
}

func (b *fileBucket) entryPath(locator Locator) string {
	sum := sha1.Sum([]byte(locator.String()))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readLocator(path string) (Locator, error) {
	f, err := os.Open(path)
	if err != nil {
		return Locator{}, err
	}
	defer f.Close()

	header, err := readEntryHeader(bufio.NewReader(f))
	if err != nil {
		return Locator{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return header.Locator, nil
}

func (s *fileStore) lockEntry(bucket string, locator Locator) func() {
	key := bucket + "::" + locator.String()
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
