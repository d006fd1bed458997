package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ouqro/swgate/internal/server"
	"github.com/ouqro/swgate/internal/worker"
)

// OriginFetcher 通过共享 http.Client 访问源站，实现 worker.Fetcher。
// 响应体会被整体读入内存，以便缓存层复制与落盘。
type OriginFetcher struct {
	client *http.Client
}

// NewOriginFetcher 使用给定 client 构造 fetcher，client 为空时使用 http.DefaultClient。
func NewOriginFetcher(client *http.Client) *OriginFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &OriginFetcher{client: client}
}

// Fetch 只在网络层失败时返回 error。跟随重定向后落到其他源的响应标记为 cors，不会被缓存。
func (f *OriginFetcher) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("origin request requires url")
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytesReader(req.Body))
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = req.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}

	header := http.Header{}
	server.CopyBufferedHeaders(header, resp.Header)

	typ := worker.TypeBasic
	if resp.Request != nil && resp.Request.URL != nil && !strings.EqualFold(resp.Request.URL.Host, req.URL.Host) {
		typ = worker.TypeCORS
	}

	return &worker.Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     header,
		Body:       body,
		Type:       typ,
	}, nil
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}
