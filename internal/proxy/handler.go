package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ouqro/swgate/internal/logging"
	"github.com/ouqro/swgate/internal/server"
	"github.com/ouqro/swgate/internal/worker"
)

// WorkerSource 提供当前活跃的 Worker。
type WorkerSource interface {
	Active() *worker.Worker
}

// Handler 把 Fiber 请求转换为 worker.Request 交给活跃版本处理，
// 并把结果连同 X-Sw-Strategy / X-Sw-Source 写回客户端。
type Handler struct {
	source WorkerSource
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the gateway's worker source.
func NewHandler(source WorkerSource, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{source: source, logger: logger}
}

// Handle 执行一次拦截或透传。写请求在网络失败且命中同步端点时进入离线队列，返回 202。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	w := h.source.Active()
	if w == nil {
		return writeError(c, fiber.StatusServiceUnavailable, "worker_unavailable")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildRequest(c, w.Origin())
	resp, err := w.OnFetch(ctx, req)
	if err != nil {
		if queued, ok := h.deferWrite(ctx, w, req, requestID); ok {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": queued})
		}
		h.logResult(w, req, requestID, nil, started, err)
		return writeError(c, fiber.StatusBadGateway, "origin_unreachable")
	}

	copyResponseHeaders(c, resp.Header)
	if resp.Strategy != "" {
		c.Set("X-Sw-Strategy", resp.Strategy)
	}
	c.Set("X-Sw-Source", string(resp.Source))
	h.logResult(w, req, requestID, resp, started, nil)
	return c.Status(resp.Status).Send(resp.Body)
}

// deferWrite 把失败的 POST 放入同步队列，仅限配置了标签的端点与 JSON 请求体。
func (h *Handler) deferWrite(ctx context.Context, w *worker.Worker, req *worker.Request, requestID string) (string, bool) {
	if req.Method != http.MethodPost {
		return "", false
	}
	tag, ok := w.SyncTagFor(req.URL.Path)
	if !ok {
		return "", false
	}
	fields := logrus.Fields{
		"action":     "sync_enqueue",
		"sync_tag":   tag,
		"request_id": requestID,
	}
	if !json.Valid(req.Body) {
		h.logger.WithFields(fields).Warn("sync_enqueue_skipped_non_json")
		return "", false
	}
	item, err := w.Defer(ctx, tag, bytes.Clone(req.Body))
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("sync_enqueue_failed")
		return "", false
	}
	fields["item_id"] = item.ID
	h.logger.WithFields(fields).Info("sync_enqueued")
	return item.ID, true
}

func (h *Handler) logResult(
	w *worker.Worker,
	req *worker.Request,
	requestID string,
	resp *worker.Response,
	started time.Time,
	err error,
) {
	var fields logrus.Fields
	if resp != nil {
		fields = logging.FetchFields(w.Version(), resp.Strategy, string(resp.Source), resp.Status)
	} else {
		fields = logging.FetchFields(w.Version(), "", string(worker.SourcePassthrough), 0)
	}
	fields["method"] = req.Method
	fields["path"] = req.URL.Path
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

// buildRequest 以源站为基准重建请求 URL，并推断是否为页面导航。
func buildRequest(c fiber.Ctx, origin *url.URL) *worker.Request {
	uri := c.Request().URI()
	relative := &url.URL{Path: normalizeRequestPath(string(uri.Path()))}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}

	header := fiberHeadersAsHTTP(c)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Del("Host")

	return &worker.Request{
		Method: c.Method(),
		URL:    origin.ResolveReference(relative),
		Header: header,
		Body:   bytes.Clone(c.Body()),
		Mode:   requestMode(c.Method(), header),
	}
}

// requestMode 优先读取 Sec-Fetch-Mode，旧浏览器则以 Accept: text/html 的 GET 视为导航。
func requestMode(method string, header http.Header) worker.Mode {
	if mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))); mode != "" {
		return worker.Mode(mode)
	}
	if method == http.MethodGet && strings.Contains(header.Get("Accept"), "text/html") {
		return worker.ModeNavigate
	}
	return worker.ModeNoCORS
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
