package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// redisStore 将每个分区存为一个 hash（field = key），并用 sorted set 记录分区创建顺序。
//
//	<ns>:partitions            ZSET  member=<partition> score=<created unix nano>
//	<ns>:partition:<partition> HASH  field="<METHOD> <URL>" value=<json entry>
type redisStore struct {
	client    *redis.Client
	namespace string
	now       func() time.Time
}

type redisPartition struct {
	store *redisStore
	name  string
}

// NewRedisStore 基于已连接的 redis client 构建分区存储。
func NewRedisStore(client *redis.Client, namespace string) (Store, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "swgate"
	}
	return &redisStore{client: client, namespace: namespace, now: time.Now}, nil
}

// DialRedis 创建 client 并通过 PING 确认连通性。
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *redisStore) indexKey() string {
	return s.namespace + ":partitions"
}

func (s *redisStore) hashKey(name string) string {
	return s.namespace + ":partition:" + name
}

func (s *redisStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}
	err := s.client.ZAddNX(ctx, s.indexKey(), redis.Z{
		Score:  float64(s.now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		recordStoreError(backendRedis, "open")
		return nil, fmt.Errorf("redis zadd: %w", err)
	}
	return &redisPartition{store: s, name: name}, nil
}

func (s *redisStore) Match(ctx context.Context, key Key, names ...string) (*Entry, error) {
	all, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	return matchIn(ctx, all, names, func(ctx context.Context, name string) (*Entry, error) {
		part := &redisPartition{store: s, name: name}
		return part.Get(ctx, key)
	})
}

func (s *redisStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidatePartitionName(name); err != nil {
		return false, err
	}
	var removed, dropped *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.indexKey(), name)
		dropped = pipe.Del(ctx, s.hashKey(name))
		return nil
	})
	if err != nil {
		recordStoreError(backendRedis, "delete")
		return false, fmt.Errorf("redis delete partition: %w", err)
	}
	return removed.Val() > 0 || dropped.Val() > 0, nil
}

func (s *redisStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		recordStoreError(backendRedis, "list")
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) exists(ctx context.Context) (bool, error) {
	err := p.store.client.ZScore(ctx, p.store.indexKey(), p.name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *redisPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	ok, err := p.exists(ctx)
	if err != nil {
		recordStoreError(backendRedis, "put")
		return fmt.Errorf("redis zscore: %w", err)
	}
	if !ok {
		return ErrPartitionDeleted
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	// HSET 单字段写入是原子的，失败时旧值保持不变。
	if err := p.store.client.HSet(ctx, p.store.hashKey(p.name), key.String(), data).Err(); err != nil {
		recordStoreError(backendRedis, "put")
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (p *redisPartition) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := p.store.client.HGet(ctx, p.store.hashKey(p.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		recordStoreError(backendRedis, "get")
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		recordStoreError(backendRedis, "get")
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]Key, error) {
	fields, err := p.store.client.HKeys(ctx, p.store.hashKey(p.name)).Result()
	if err != nil {
		recordStoreError(backendRedis, "keys")
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		key, err := ParseKey(field)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}
