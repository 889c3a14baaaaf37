package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/server"
)

// RegisterControlRoutes 暴露 /-/apps 管理接口：查询各 App 生命周期状态，
// 并提供 skip-waiting 与 download-offline 两个按需触发入口。
func RegisterControlRoutes(app *fiber.App, registry *server.AppRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/apps", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]appPayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeApp(route))
		}
		return c.JSON(fiber.Map{"apps": payload})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		route, err := lookupRoute(c, registry)
		if route == nil {
			return err
		}
		return c.JSON(encodeApp(route))
	})

	app.Post("/-/apps/:name/skip-waiting", func(c fiber.Ctx) error {
		return sendMessage(c, registry, lifecycle.MessageSkipWaiting)
	})

	app.Post("/-/apps/:name/download-offline", func(c fiber.Ctx) error {
		return sendMessage(c, registry, lifecycle.MessageDownloadOffline)
	})
}

type appPayload struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Origin string `json:"origin"`
	Scope  string `json:"scope"`
	lifecycle.Status
}

func encodeApp(route *server.AppRoute) appPayload {
	return appPayload{
		Name:   route.Config.Name,
		Domain: route.Config.Domain,
		Origin: route.OriginURL.String(),
		Scope:  route.Scope,
		Status: route.Controller.Snapshot(),
	}
}

// lookupRoute 返回 nil route 时，err 为已写出的错误响应结果。
func lookupRoute(c fiber.Ctx, registry *server.AppRegistry) (*server.AppRoute, error) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "app_name_required"})
	}
	route, ok := registry.Get(name)
	if !ok {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
	}
	return route, nil
}

func sendMessage(c fiber.Ctx, registry *server.AppRegistry, msg lifecycle.Message) error {
	route, err := lookupRoute(c, registry)
	if route == nil {
		return err
	}

	sendErr := route.Controller.Send(c.Context(), msg)
	status, code := messageErrorStatus(sendErr)
	if sendErr != nil {
		return c.Status(status).JSON(fiber.Map{
			"error":   code,
			"message": sendErr.Error(),
			"app":     encodeApp(route),
		})
	}
	return c.JSON(encodeApp(route))
}

func messageErrorStatus(err error) (int, string) {
	switch {
	case err == nil:
		return fiber.StatusOK, ""
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return fiber.StatusConflict, "no_pending_version"
	case errors.Is(err, lifecycle.ErrNoActiveVersion):
		return fiber.StatusConflict, "no_active_version"
	case errors.Is(err, lifecycle.ErrStopped):
		return fiber.StatusServiceUnavailable, "controller_stopped"
	default:
		return fiber.StatusBadGateway, "message_failed"
	}
}
