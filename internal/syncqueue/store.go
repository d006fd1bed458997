// Package syncqueue 持久化离线期间失败的写请求，并在连通恢复后按标签重放。
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ouqro/swgate/internal/syncqueue/migrations"
)

// Status 描述队列条目的处理状态。
type Status string

const (
	StatusPending Status = "pending"
	// StatusDead 表示条目已达到最大尝试次数，保留以便排查但不再重放。
	StatusDead Status = "dead"
)

// ErrItemNotFound 表示条目不存在或已被移除。
var ErrItemNotFound = errors.New("sync item not found")

// Item 是一条待重放的写请求。
type Item struct {
	ID        string          `json:"id"`
	Tag       string          `json:"tag"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store 是基于 SQLite 的同步队列。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open 打开（必要时创建）队列数据库并执行迁移。
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sync db path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sync db dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close 释放数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue 写入一条新的待重放条目。
func (s *Store) Enqueue(ctx context.Context, tag string, payload json.RawMessage) (Item, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Item{}, fmt.Errorf("sync tag is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return Item{}, fmt.Errorf("sync payload must be valid json")
	}

	now := s.now().UTC()
	item := Item{
		ID:        uuid.NewString(),
		Tag:       tag,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_items (id, tag, payload, attempts, last_error, status, created_at, updated_at)
VALUES (?, ?, ?, 0, '', ?, ?, ?)
`, item.ID, item.Tag, string(item.Payload), string(item.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Item{}, fmt.Errorf("enqueue sync item: %w", err)
	}
	return item, nil
}

// Pending 返回某个标签下仍待重放的条目，按入队顺序排列。
func (s *Store) Pending(ctx context.Context, tag string) ([]Item, error) {
	return s.query(ctx, `
SELECT id, tag, payload, attempts, last_error, status, created_at, updated_at
FROM sync_items
WHERE tag = ? AND status = ?
ORDER BY created_at, rowid
`, tag, string(StatusPending))
}

// List 返回全部条目（含 dead），tag 为空时不过滤。
func (s *Store) List(ctx context.Context, tag string) ([]Item, error) {
	if tag == "" {
		return s.query(ctx, `
SELECT id, tag, payload, attempts, last_error, status, created_at, updated_at
FROM sync_items
ORDER BY created_at, rowid
`)
	}
	return s.query(ctx, `
SELECT id, tag, payload, attempts, last_error, status, created_at, updated_at
FROM sync_items
WHERE tag = ?
ORDER BY created_at, rowid
`, tag)
}

// Get 按 ID 读取条目。
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	items, err := s.query(ctx, `
SELECT id, tag, payload, attempts, last_error, status, created_at, updated_at
FROM sync_items
WHERE id = ?
`, id)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrItemNotFound
	}
	return items[0], nil
}

// Remove 在确认重放成功后删除条目。
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove sync item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// RecordFailure 累加尝试次数并记录最后一次错误，dead 为 true 时条目不再参与重放。
func (s *Store) RecordFailure(ctx context.Context, id string, attempts int, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_items
SET attempts = attempts + ?, last_error = ?, status = ?, updated_at = ?
WHERE id = ?
`, attempts, lastErr, string(status), s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record sync failure: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item      Item
			payload   string
			status    string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&item.ID, &item.Tag, &payload, &item.Attempts, &item.LastError, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan sync item: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.Status = Status(status)
		item.CreatedAt = time.UnixMilli(createdAt).UTC()
		item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync items: %w", err)
	}
	return items, nil
}
