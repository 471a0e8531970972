package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/logging"
	"github.com/any-hub/swcache/internal/server"
)

// Forwarder 包装实际的 ProxyHandler：handler 缺失时返回 worker_handler_missing，
// handler panic 时记录日志并返回 worker_handler_panic。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求都会得到 worker_handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.WorkerRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, f.handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.WorkerRoute, requestID string) error {
	f.logWorkerError(route, "worker_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.WorkerRoute, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.WorkerRoute, recovered interface{}, requestID string) error {
	f.logWorkerError(route, "worker_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logWorkerError(route *server.WorkerRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("worker handler unavailable")
}

func routeFields(route *server.WorkerRoute, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.RequestFields("", "", "", "", "")
	} else {
		fields = logging.RequestFields(
			route.Config.Name,
			route.Config.Domain,
			route.Config.EffectiveCacheName(),
			route.Config.AuthMode(),
			"",
		)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
