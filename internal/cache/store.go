package cache

import (
	"context"
	"errors"
	"regexp"
	"sort"
)

// Store 管理命名分区的生命周期，并提供跨分区查找能力。
type Store interface {
	// Open 打开分区，不存在时创建。重复调用返回同一分区的新句柄。
	Open(ctx context.Context, name string) (Partition, error)

	// Match 依次在 names 指定的分区中查找 key（为空时搜索全部分区），
	// 顺序固定为分区创建顺序，其次按名称。未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key, names ...string) (*Entry, error)

	// Delete 删除整个分区，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Partitions 按创建顺序列出现存分区名。
	Partitions(ctx context.Context) ([]string, error)

	// Close 释放后端连接。
	Close() error
}

// Partition 是单个分区的读写句柄。Put 会整体覆盖同 key 的旧条目，
// 失败时旧条目保持不变。
type Partition interface {
	Name() string
	Put(ctx context.Context, key Key, entry *Entry) error
	Get(ctx context.Context, key Key) (*Entry, error)
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrPartitionDeleted 表示句柄对应的分区已被删除，需要重新 Open。
	ErrPartitionDeleted = errors.New("cache partition deleted")

	// ErrInvalidPartition 表示分区名不合法。
	ErrInvalidPartition = errors.New("invalid partition name")

	// ErrInvalidEntry 表示条目无法解码或缺少必需字段。
	ErrInvalidEntry = errors.New("invalid cache entry")
)

var partitionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidatePartitionName 拒绝可能逃逸存储目录或与内部标记冲突的分区名。
func ValidatePartitionName(name string) error {
	if !partitionNamePattern.MatchString(name) {
		return ErrInvalidPartition
	}
	return nil
}

func filterPartitions(all []string, names []string) []string {
	if len(names) == 0 {
		return all
	}
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	result := make([]string, 0, len(names))
	for _, n := range all {
		if _, ok := wanted[n]; ok {
			result = append(result, n)
		}
	}
	return result
}

// matchIn 是各后端共享的查找流程：按顺序在分区中查找并返回首个命中。
// get 不得创建分区，避免查找时复活刚被删除的分区。
func matchIn(ctx context.Context, all []string, names []string, get func(ctx context.Context, partition string) (*Entry, error)) (*Entry, error) {
	for _, name := range filterPartitions(all, names) {
		entry, err := get(ctx, name)
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrPartitionDeleted):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
