package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/moles-world/shellcache/internal/notify"
	"github.com/moles-world/shellcache/internal/server"
	"github.com/moles-world/shellcache/internal/worker"
)

// RegisterRuntimeRoutes 暴露 /-/ 运行时接口：生命周期、消息、同步、推送、通知点击
// 以及缓存、通知、窗口与指标的查询。
func RegisterRuntimeRoutes(app *fiber.App, host *server.Host) {
	if app == nil || host == nil {
		return
	}

	app.Post("/-/lifecycle/install", func(c fiber.Ctx) error {
		eff := host.HandleEvent(c.Context(), worker.InstallEvent{})
		if eff.Err != nil {
			if errors.Is(eff.Err, worker.ErrInvalidState) {
				return writeEffectError(c, eff.Err)
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "install_failed",
				"detail": eff.Err.Error(),
				"state":  host.Worker().State(),
			})
		}
		return c.JSON(fiber.Map{
			"state":   host.Worker().State(),
			"install": eff.Install,
			"purged":  emptyIfNil(eff.Purged),
		})
	})

	app.Post("/-/lifecycle/activate", func(c fiber.Ctx) error {
		eff := host.HandleEvent(c.Context(), worker.ActivateEvent{})
		if eff.Err != nil {
			return writeEffectError(c, eff.Err)
		}
		return c.JSON(fiber.Map{
			"state":  host.Worker().State(),
			"purged": emptyIfNil(eff.Purged),
		})
	})

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		gens := host.Worker().Registry().Generations()
		return c.JSON(fiber.Map{
			"state": host.Worker().State(),
			"caches": fiber.Map{
				"shell":   gens.Shell,
				"dynamic": gens.Dynamic,
				"image":   gens.Image,
			},
			"jobs": host.Worker().Jobs().Tags(),
		})
	})

	app.Post("/-/message", func(c fiber.Ctx) error {
		msg, err := worker.ParseMessage(c.Body())
		if err != nil {
			return writeEffectError(c, err)
		}
		eff := host.HandleEvent(c.Context(), worker.MessageEvent{Message: msg})
		if eff.Err != nil {
			return writeEffectError(c, eff.Err)
		}
		if eff.Reply == nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(eff.Reply)
	})

	app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if isTruthy(c.Query("retry")) {
			if _, ok := host.Worker().Jobs().Resolve(tag); !ok {
				return writeEffectError(c, worker.ErrUnknownTag)
			}
			// 请求上下文随 fasthttp 回收，后台同步不能继承它。
			host.Scheduler().SyncAsync(context.Background(), tag)
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"tag": tag, "scheduled": true})
		}
		return runJob(c, host, worker.SyncEvent{Tag: tag})
	})

	app.Post("/-/periodic-sync/:tag", func(c fiber.Ctx) error {
		return runJob(c, host, worker.PeriodicSyncEvent{Tag: strings.TrimSpace(c.Params("tag"))})
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		payload := append([]byte(nil), c.Body()...)
		eff := host.HandleEvent(c.Context(), worker.PushEvent{Payload: payload})
		if eff.Err != nil {
			return writeEffectError(c, eff.Err)
		}
		return c.Status(fiber.StatusCreated).JSON(eff.Notification)
	})

	app.Post("/-/notifications/click", func(c fiber.Ctx) error {
		var body clickPayload
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_click"})
		}
		n := body.Notification
		if body.ID != "" {
			shown, ok := host.Inbox().Get(body.ID)
			if !ok {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
			}
			n = shown.Notification
		}
		eff := host.HandleEvent(c.Context(), worker.NotificationClickEvent{Notification: n, Action: body.Action})
		if eff.Err != nil {
			return writeEffectError(c, eff.Err)
		}
		return c.JSON(eff.Click)
	})

	app.Get("/-/notifications", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"notifications": host.Inbox().List()})
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		windows, err := host.Clients().MatchAll(c.Context())
		if err != nil {
			return writeEffectError(c, err)
		}
		return c.JSON(fiber.Map{"clients": windows})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		infos, err := host.Worker().Registry().List(c.Context())
		if err != nil {
			return writeEffectError(c, err)
		}
		total := 0
		for _, info := range infos {
			total += info.Entries
		}
		return c.JSON(fiber.Map{"caches": infos, "total": total})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(host.Metrics().Handler()))
}

type clickPayload struct {
	Action       string              `json:"action"`
	ID           string              `json:"id"`
	Notification notify.Notification `json:"notification"`
}

func runJob(c fiber.Ctx, host *server.Host, ev worker.Event) error {
	eff := host.HandleEvent(c.Context(), ev)
	if eff.Err != nil {
		return writeEffectError(c, eff.Err)
	}
	return c.JSON(eff.Job)
}

func writeEffectError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, worker.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_state", "detail": err.Error()})
	case errors.Is(err, worker.ErrUnknownTag):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_tag"})
	case errors.Is(err, worker.ErrInvalidMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal", "detail": err.Error()})
	}
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
