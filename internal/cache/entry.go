package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FreshnessHeader 记录条目写入缓存的时间（ISO-8601，UTC），TTL 判断以此为准。
const FreshnessHeader = "Sw-Cache-Date"

// freshnessLayout 与浏览器 Date#toISOString 的毫秒精度对齐，同时保留纳秒，
// 保证同一毫秒内的两次写入仍可比较先后。
const freshnessLayout = time.RFC3339Nano

// Key 是请求身份的规范形式：大写方法 + 去掉 fragment 的绝对 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化请求身份。URL 必须是绝对地址。
func NewKey(method string, u *url.URL) (Key, error) {
	if u == nil || !u.IsAbs() || u.Host == "" {
		return Key{}, fmt.Errorf("cache key requires absolute url")
	}
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = strings.ToLower(clone.Host)
	if clone.Path == "" {
		clone.Path = "/"
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: clone.String()}, nil
}

// MustKey 供测试与常量路径使用，解析失败时 panic。
func MustKey(method, rawURL string) Key {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	key, err := NewKey(method, u)
	if err != nil {
		panic(err)
	}
	return key
}

// String 返回后端存储使用的字段名。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey 是 String 的逆操作。
func ParseKey(raw string) (Key, error) {
	method, rest, ok := strings.Cut(raw, " ")
	if !ok || method == "" || rest == "" {
		return Key{}, fmt.Errorf("%w: malformed key %q", ErrInvalidEntry, raw)
	}
	return Key{Method: method, URL: rest}, nil
}

// Entry 是一次完整存储的响应。写入后视为不可变，重新缓存时整体替换。
type Entry struct {
	Status     int         `json:"status"`
	StatusText string      `json:"status_text"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

// Stamp 复制响应并注入新鲜度头，生成可写入分区的条目。
// 这是唯一设置新鲜度时间戳的位置。
func Stamp(status int, statusText string, header http.Header, body []byte, now time.Time) *Entry {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(FreshnessHeader, now.UTC().Format(freshnessLayout))
	return &Entry{
		Status:     status,
		StatusText: statusText,
		Header:     h,
		Body:       append([]byte(nil), body...),
	}
}

// StampedAt 解析新鲜度头；缺失或无法解析时返回零值（视为已过期）。
func (e *Entry) StampedAt() time.Time {
	if e == nil || e.Header == nil {
		return time.Time{}
	}
	raw := e.Header.Get(FreshnessHeader)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(freshnessLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Clone 返回深拷贝，调用方修改返回值不会影响已存储的条目。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		Status:     e.Status,
		StatusText: e.StatusText,
		Header:     e.Header.Clone(),
		Body:       append([]byte(nil), e.Body...),
	}
}

func (e *Entry) validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if e.Status < 100 || e.Status > 999 {
		return fmt.Errorf("%w: status %d", ErrInvalidEntry, e.Status)
	}
	return nil
}

// Freshness 根据 TTL 判定条目是否仍可直接复用。
type Freshness struct {
	TTL time.Duration
	Now func() time.Time
}

// Age 返回条目自写入以来的时长。
func (f Freshness) Age(entry *Entry) time.Duration {
	stamped := entry.StampedAt()
	if stamped.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return f.now().Sub(stamped)
}

// IsFresh 实现 now - stamp <= TTL。
func (f Freshness) IsFresh(entry *Entry) bool {
	if entry == nil || f.TTL <= 0 {
		return false
	}
	if entry.StampedAt().IsZero() {
		return false
	}
	return f.Age(entry) <= f.TTL
}

func (f Freshness) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}
