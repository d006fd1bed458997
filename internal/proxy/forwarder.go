package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ouqro/swgate/internal/server"
)

// Forwarder 位于路由与 Handler 之间：没有活跃版本时直接返回 503，
// handler panic 时记录带请求 ID 的结构化日志并返回 500。
type Forwarder struct {
	handler server.ProxyHandler
	source  WorkerSource
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 为空时所有请求都返回 500。
func NewForwarder(handler server.ProxyHandler, source WorkerSource, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		source:  source,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logError(c, "handler_missing", nil, requestID)
		return f.respond(c, fiber.StatusInternalServerError, "handler_missing", requestID)
	}
	if f.source != nil && f.source.Active() == nil {
		f.logError(c, "worker_unavailable", nil, requestID)
		return f.respond(c, fiber.StatusServiceUnavailable, "worker_unavailable", requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logError(c, "handler_panic", fmt.Errorf("panic: %v", r), requestID)
			err = f.respond(c, fiber.StatusInternalServerError, "handler_panic", requestID)
		}
	}()
	return f.handler.Handle(c)
}

func (f *Forwarder) respond(c fiber.Ctx, status int, code, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (f *Forwarder) logError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
		"method": c.Method(),
		"path":   c.Path(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy unavailable")
}
