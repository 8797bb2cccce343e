package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-cache/internal/cache"
	"github.com/any-hub/asset-cache/internal/lifecycle"
)

// VersionReporter 提供 worker 版本状态，由 *lifecycle.Registration 实现。
type VersionReporter interface {
	Snapshot() []lifecycle.VersionStatus
}

// RegisterCacheRoutes 暴露 /-/caches 诊断接口，供运维查看当前缓存与 worker 版本。
func RegisterCacheRoutes(app *fiber.App, storage cache.Storage, versions VersionReporter) {
	if app == nil || storage == nil || versions == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		snapshot := versions.Snapshot()
		return c.JSON(cachesPayload{
			Caches:     nonNil(names),
			Controller: controllerID(snapshot),
			Versions:   snapshot,
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		handle, err := storage.Lookup(c.Context(), name)
		if errors.Is(err, cache.ErrCacheNotFound) || errors.Is(err, cache.ErrInvalidName) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		keys, err := handle.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
		}
		return c.JSON(cacheDetailPayload{Name: name, Entries: nonNil(keys)})
	})
}

type cachesPayload struct {
	Caches     []string                  `json:"caches"`
	Controller string                    `json:"controller,omitempty"`
	Versions   []lifecycle.VersionStatus `json:"versions"`
}

type cacheDetailPayload struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

func controllerID(snapshot []lifecycle.VersionStatus) string {
	for _, v := range snapshot {
		if v.Controller {
			return v.ID
		}
	}
	return ""
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
