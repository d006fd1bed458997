package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ouqro/swgate/internal/gateway"
	"github.com/ouqro/swgate/internal/strategy"
	"github.com/ouqro/swgate/internal/syncqueue"
	"github.com/ouqro/swgate/internal/worker"
)

// Controller 是诊断与控制接口依赖的网关能力。
type Controller interface {
	Message(ctx context.Context, msg worker.Message) (worker.Reply, error)
	Sync(ctx context.Context, tag string) (syncqueue.DrainReport, error)
	Status(ctx context.Context) (gateway.Status, error)
	Rules() []strategy.Rule
}

// RegisterControlRoutes 暴露 /-/sw/*、/-/strategies 与 /-/metrics。
func RegisterControlRoutes(app *fiber.App, ctrl Controller) {
	if app == nil || ctrl == nil {
		return
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		reply, err := ctrl.Message(requestContext(c), msg)
		if err != nil {
			return writeControlError(c, err)
		}
		return c.JSON(reply)
	})

	app.Post("/-/sw/sync/:tag", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if tag == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sync_tag_required"})
		}
		report, err := ctrl.Sync(requestContext(c), tag)
		if err != nil {
			return writeControlError(c, err)
		}
		return c.JSON(report)
	})

	app.Get("/-/sw/state", func(c fiber.Ctx) error {
		status, err := ctrl.Status(requestContext(c))
		if err != nil {
			return writeControlError(c, err)
		}
		return c.JSON(status)
	})

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"rules":   encodeRules(ctrl.Rules()),
			"default": strategy.StaleWhileRevalidate.String(),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type rulePayload struct {
	Pattern  string `json:"pattern"`
	Strategy string `json:"strategy"`
}

func encodeRules(rules []strategy.Rule) []rulePayload {
	result := make([]rulePayload, 0, len(rules))
	for _, rule := range rules {
		result = append(result, rulePayload{
			Pattern:  rule.Pattern.String(),
			Strategy: rule.Kind.String(),
		})
	}
	return result
}

func writeControlError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, worker.ErrUnknownMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
	case errors.Is(err, worker.ErrUnknownSyncTag):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_sync_tag"})
	case errors.Is(err, worker.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_state"})
	case errors.Is(err, gateway.ErrNoActiveWorker), errors.Is(err, worker.ErrSyncUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "control_failed"})
	}
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
