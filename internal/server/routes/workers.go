package routes

import (
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/server"
)

// RegisterWorkerRoutes 暴露 /-/workers 诊断接口：查询 worker 生命周期与缓存内容，并可手动触发安装。
func RegisterWorkerRoutes(app *fiber.App, registry *server.WorkerRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/workers", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"workers": encodeWorkers(registry.List()),
		})
	})

	app.Get("/-/workers/:name", func(c fiber.Ctx) error {
		route, ok := lookupRoute(c, registry)
		if !ok {
			return renderWorkerNotFound(c)
		}
		payload := encodeWorker(route)
		if route.Worker != nil {
			keys, err := route.Worker.CachedKeys(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error":   "cache_unavailable",
					"message": err.Error(),
				})
			}
			payload.Cached = encodeKeys(keys)
		}
		return c.JSON(payload)
	})

	app.Post("/-/workers/:name/install", func(c fiber.Ctx) error {
		route, ok := lookupRoute(c, registry)
		if !ok || route.Worker == nil {
			return renderWorkerNotFound(c)
		}
		if err := route.Worker.Install(c.Context()); err != nil {
			payload := encodeWorker(route)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "install_failed",
				"message": err.Error(),
				"worker":  payload,
			})
		}
		return c.JSON(encodeWorker(route))
	})
}

type workerPayload struct {
	Name        string       `json:"name"`
	Domain      string       `json:"domain"`
	Port        int          `json:"port"`
	Upstream    string       `json:"upstream"`
	CacheName   string       `json:"cache_name"`
	State       string       `json:"state"`
	Manifest    []string     `json:"manifest"`
	InstalledAt string       `json:"installed_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	Cached      []keyPayload `json:"cached,omitempty"`
}

type keyPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// unbound 表示路由仅完成配置解析，没有运行时 worker。
const stateUnbound = "unbound"

func lookupRoute(c fiber.Ctx, registry *server.WorkerRegistry) (*server.WorkerRoute, bool) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, false
	}
	return registry.LookupName(name)
}

func renderWorkerNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "worker_not_found"})
}

func encodeWorkers(routes []*server.WorkerRoute) []workerPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]workerPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeWorker(route))
	}
	return result
}

func encodeWorker(route *server.WorkerRoute) workerPayload {
	payload := workerPayload{
		Name:      route.Config.Name,
		Domain:    route.Config.Domain,
		Port:      route.ListenPort,
		CacheName: route.Config.EffectiveCacheName(),
		State:     stateUnbound,
		Manifest:  append([]string(nil), route.Config.Manifest...),
	}
	if route.UpstreamURL != nil {
		payload.Upstream = route.UpstreamURL.String()
	}
	if route.Worker == nil {
		return payload
	}

	status := route.Worker.Status()
	payload.CacheName = status.CacheName
	payload.State = string(status.State)
	payload.Manifest = status.Manifest
	payload.LastError = status.LastError
	if !status.InstalledAt.IsZero() {
		payload.InstalledAt = status.InstalledAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func encodeKeys(keys []cache.Key) []keyPayload {
	result := make([]keyPayload, 0, len(keys))
	for _, key := range keys {
		result = append(result, keyPayload{Method: key.Method, URL: key.URL})
	}
	return result
}
