package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	partitionMarker = ".partition"
	entrySuffix     = ".entry"
	backendFile     = "file"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/<partition>/.partition          # 分区标记（创建时间）
//	<basePath>/<partition>/<sha256(key)>.entry # 条目（key + 响应）
func NewStore(basePath string) (Store, error) {
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
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 串行化同一文件的 rename，写入仍然是后写者生效。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type partitionMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type storedEntry struct {
	Key   Key    `json:"key"`
	Entry *Entry `json:"entry"`
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.basePath, name)
	unlock := s.lock("partition::" + name)
	defer unlock()

	if _, err := os.Stat(filepath.Join(dir, partitionMarker)); err == nil {
		return &filePartition{store: s, name: name, dir: dir}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		recordStoreError(backendFile, "open")
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		recordStoreError(backendFile, "open")
		return nil, err
	}
	meta, err := json.Marshal(partitionMeta{Name: name, CreatedAt: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(ctx, filepath.Join(dir, partitionMarker), meta); err != nil {
		recordStoreError(backendFile, "open")
		return nil, err
	}
	return &filePartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Match(ctx context.Context, key Key, names ...string) (*Entry, error) {
	all, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	return matchIn(ctx, all, names, func(ctx context.Context, name string) (*Entry, error) {
		part := &filePartition{store: s, name: name, dir: filepath.Join(s.basePath, name)}
		return part.Get(ctx, key)
	})
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidatePartitionName(name); err != nil {
		return false, err
	}

	unlock := s.lock("partition::" + name)
	defer unlock()

	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		recordStoreError(backendFile, "delete")
		return false, err
	}

	// 先整体 rename 让分区瞬间不可见，再慢慢清理文件。
	trash, err := os.MkdirTemp(s.basePath, ".trash-")
	if err != nil {
		recordStoreError(backendFile, "delete")
		return false, err
	}
	target := filepath.Join(trash, name)
	if err := os.Rename(dir, target); err != nil {
		os.Remove(trash)
		recordStoreError(backendFile, "delete")
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		recordStoreError(backendFile, "delete")
	}
	return true, nil
}

func (s *fileStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(s.basePath)
	if err != nil {
		recordStoreError(backendFile, "list")
		return nil, err
	}

	metas := make([]partitionMeta, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, d.Name(), partitionMarker))
		if err != nil {
			continue
		}
		var meta partitionMeta
		if err := json.Unmarshal(raw, &meta); err != nil || meta.Name != d.Name() {
			continue
		}
		metas = append(metas, meta)
	}

	sort.SliceStable(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.Before(metas[j].CreatedAt)
		}
		return metas[i].Name < metas[j].Name
	})

	names := make([]string, len(metas))
	for i, meta := range metas {
		names[i] = meta.Name
	}
	return names, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.exists() {
		return ErrPartitionDeleted
	}

	payload, err := json.Marshal(storedEntry{Key: key, Entry: entry})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	filePath := p.entryPath(key)
	unlock := p.store.lock(filePath)
	defer unlock()

	if err := writeFileAtomic(ctx, filePath, payload); err != nil {
		recordStoreError(backendFile, "put")
		return err
	}
	return nil
}

func (p *filePartition) Get(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(p.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if !p.exists() {
				return nil, ErrPartitionDeleted
			}
			return nil, ErrNotFound
		}
		recordStoreError(backendFile, "get")
		return nil, err
	}

	var stored storedEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		recordStoreError(backendFile, "get")
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	// sha256 碰撞几乎不可能，但仍以存储的 key 为准。
	if stored.Key != key || stored.Entry == nil {
		return nil, ErrNotFound
	}
	return stored.Entry, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrPartitionDeleted
		}
		recordStoreError(backendFile, "keys")
		return nil, err
	}

	keys := make([]Key, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), entrySuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.dir, f.Name()))
		if err != nil {
			continue
		}
		var stored storedEntry
		if err := json.Unmarshal(raw, &stored); err != nil {
			continue
		}
		keys = append(keys, stored.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (p *filePartition) exists() bool {
	_, err := os.Stat(filepath.Join(p.dir, partitionMarker))
	return err == nil
}

func (p *filePartition) entryPath(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (s *fileStore) lock(key string) func() {
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

// writeFileAtomic 通过临时文件 + rename 写入，失败时清理临时文件，目标文件保持原样。
func writeFileAtomic(ctx context.Context, filePath string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if err == nil {
		err = ctx.Err()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
