package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/any-hub/offline-hub/internal/config"
)

const redisKeyPrefix = "offline-hub:"

func init() {
	MustRegisterBackend(config.BackendRedis, func(opts Options) (Store, error) {
		if opts.RedisAddr == "" {
			return nil, errors.New("redis addr required")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		return NewRedisStore(client, redisKeyPrefix), nil
	})
}

// RedisStore 每个 bucket 对应一个 hash（field 为请求标识，value 为编码后的条目），
// 另用一个 set 记录已存在的 bucket 名称。
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisBucket struct {
	store *RedisStore
	name  string
}

// NewRedisStore 基于已有客户端构建 Store，prefix 用于隔离多实例。
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) bucketsKey() string {
	return s.prefix + "buckets"
}

func (s *RedisStore) bucketKey(name string) string {
	return s.prefix + "bucket:" + name
}

func (s *RedisStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.bucketsKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return &redisBucket{store: s, name: name}, nil
}

func (s *RedisStore) Has(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	return s.client.SIsMember(ctx, s.bucketsKey(), name).Result()
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := validateBucketName(name); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.bucketKey(name))
		pipe.SRem(ctx, s.bucketsKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (b *redisBucket) Name() string {
	return b.name
}

func (b *redisBucket) Get(ctx context.Context, locator Locator) (*Response, error) {
	raw, err := b.store.client.HGet(ctx, b.store.bucketKey(b.name), locator.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, resp, err := decodeEntry(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *redisBucket) Put(ctx context.Context, locator Locator, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	payload, err := encodeEntry(locator, resp)
	if err != nil {
		return err
	}
	_, err = b.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, b.store.bucketsKey(), b.name)
		pipe.HSet(ctx, b.store.bucketKey(b.name), locator.String(), payload)
		return nil
	})
	return err
}

func (b *redisBucket) Delete(ctx context.Context, locator Locator) error {
	return b.store.client.HDel(ctx, b.store.bucketKey(b.name), locator.String()).Err()
}

func (b *redisBucket) Keys(ctx context.Context) ([]Locator, error) {
	fields, err := b.store.client.HKeys(ctx, b.store.bucketKey(b.name)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Locator, 0, len(fields))
	for _, field := range fields {
		method, key, ok := strings.Cut(field, " ")
		if !ok {
			continue
		}
		keys = append(keys, Locator{Method: method, Key: key})
	}
	return keys, nil
}
