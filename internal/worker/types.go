package worker

import (
	"context"
	"net/http"
	"net/url"
)

// Mode 描述请求的发起方式，仅导航请求会在离线时回退到应用外壳。
type Mode string

const (
	ModeNavigate Mode = "navigate"
	ModeNoCORS   Mode = "no-cors"
	ModeCORS     Mode = "cors"
	ModeSameOrig Mode = "same-origin"
)

// ResponseType 对应响应的来源可见性，只有 basic（同源）响应允许写入缓存。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Source 标记响应最终由哪条路径给出，宿主据此输出 X-Sw-Source。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceFallback    Source = "fallback"
	SourcePassthrough Source = "passthrough"
)

// Request 是宿主交给 Worker 的请求，URL 必须是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
}

// Response 是 Worker 返回给宿主的完整响应。
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Type       ResponseType

	// Strategy 为空表示请求未被拦截。
	Strategy string
	Source   Source
}

// Fetcher 是源站请求原语，Worker 将其视为可能失败的黑盒。
// 只有网络层失败返回 error，非 2xx 状态码属于正常响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch 调用 f。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

func (r *Response) cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic
}
