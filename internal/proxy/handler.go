package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/logging"
	"github.com/any-hub/swcache/internal/server"
	"github.com/any-hub/swcache/internal/upstream"
	"github.com/any-hub/swcache/internal/worker"
)

// SourceHeader 标识响应来自缓存还是网络。
const SourceHeader = "X-Swcache-Source"

// Handler 把 Fiber 请求转换为一次 fetch 事件交给路由绑定的 worker，
// 再把 worker 返回的响应（缓存或网络）原样写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler sharing the given logger.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger}
}

// Handle 执行 worker fetch 并 streaming 写回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.WorkerRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	if route == nil || route.Worker == nil {
		h.logger.WithFields(logrus.Fields{
			"action":     "proxy",
			"request_id": requestID,
		}).Error("worker_unavailable")
		return h.writeError(c, fiber.StatusServiceUnavailable, "worker_unavailable")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildWorkerRequest(c, route)
	result, err := route.Worker.HandleFetch(ctx, req)
	if result.LookupErr != nil {
		h.logger.WithError(result.LookupErr).
			WithFields(logrus.Fields{"worker": route.Config.Name, "request_id": requestID}).
			Warn("cache_lookup_failed")
	}
	if err != nil {
		h.logResult(route, req, requestID, 0, result.Source, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if result.Response == nil {
		err = errors.New("worker returned no response")
		h.logResult(route, req, requestID, 0, result.Source, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer result.Response.Close()

	return h.writeResponse(c, route, req, result, requestID, started)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	route *server.WorkerRoute,
	req *worker.Request,
	result worker.Result,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	if req.Method == http.MethodHead || resp.Body == nil {
		h.logResult(route, req, requestID, resp.Status, result.Source, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, req, requestID, resp.Status, result.Source, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.WorkerRoute,
	req *worker.Request,
	requestID string,
	status int,
	source worker.Source,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Worker.CacheName(),
		route.Config.AuthMode(),
		string(source),
	)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL
	fields["upstream_status"] = status
	fields["worker_state"] = string(route.Worker.State())
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildWorkerRequest 以 worker scope 的 scheme/host 替换请求的 Host，保留原始路径（含末尾斜杠）与查询串，
// 使请求标识与清单解析出的绝对 URL 一致。
func buildWorkerRequest(c fiber.Ctx, route *server.WorkerRoute) *worker.Request {
	target := resolveUpstreamURL(route.UpstreamURL, c)

	header := fiberHeadersAsHTTP(c)
	header.Del("Host")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))

	return &worker.Request{
		Method:   c.Method(),
		URL:      target.String(),
		Header:   header,
		Body:     append([]byte(nil), c.Body()...),
		Redirect: worker.RedirectManual,
	}
}

// resolveUpstreamURL 保留请求行中的转义形式（如 %2F），与清单条目的解析结果一致；
// 原始路径解码后与规范化路径不一致时（"//host"、"/../"）只使用规范化路径。
func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	relative := &url.URL{
		Path:    requestPath(string(uri.Path())),
		RawPath: requestPath(string(uri.PathOriginal())),
	}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func requestPath(pathVal string) string {
	if pathVal == "" {
		return "/"
	}
	if !strings.HasPrefix(pathVal, "/") {
		pathVal = "/" + pathVal
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 写回响应头；Content-Length 由 fasthttp 按实际正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.WorkerRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
