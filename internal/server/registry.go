package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/swcache/internal/config"
	"github.com/any-hub/swcache/internal/worker"
)

// WorkerRoute 将 Worker 配置与派生属性（解析后的 Upstream/Proxy URL、运行时 Worker）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type WorkerRoute struct {
	// Config 是用户在 config.toml 中声明的 Worker 字段副本。
	Config config.WorkerConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
	// UpstreamURL 同时也是 worker 的 scope，清单条目以它为基准解析。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Worker 为 nil 表示该路由尚未绑定运行时 worker（例如仅校验配置）。
	Worker *worker.Worker
}

// WorkerFactory 根据配置与解析后的 URL 构造运行时 Worker。
type WorkerFactory func(cfg config.WorkerConfig, upstream, proxy *url.URL) (*worker.Worker, error)

// WorkerRegistry 提供 Host/Host:port 与名称到 WorkerRoute 的查询能力，所有 Worker 共享同一个监听端口。
type WorkerRegistry struct {
	routes  map[string]*WorkerRoute
	names   map[string]*WorkerRoute
	ordered []*WorkerRoute
}

// NewWorkerRegistry 根据配置构建 Host 映射。factory 为 nil 时路由不绑定 Worker。
func NewWorkerRegistry(cfg *config.Config, factory WorkerFactory) (*WorkerRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &WorkerRegistry{
		routes: make(map[string]*WorkerRoute, len(cfg.Workers)),
		names:  make(map[string]*WorkerRoute, len(cfg.Workers)),
	}

	for _, wc := range cfg.Workers {
		normalizedHost := normalizeDomain(wc.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for worker %s", wc.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.names[wc.Name]; exists {
			return nil, fmt.Errorf("duplicate worker name %s", wc.Name)
		}

		route, err := buildWorkerRoute(cfg, wc, factory)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.names[wc.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 WorkerRoute。
func (r *WorkerRegistry) Lookup(host string) (*WorkerRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// LookupName 根据 Worker 名称查找 WorkerRoute，供诊断接口使用。
func (r *WorkerRegistry) LookupName(name string) (*WorkerRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.names[strings.TrimSpace(name)]
	return route, ok
}

// List 返回当前注册的 WorkerRoute 列表（按配置定义的顺序）。
func (r *WorkerRegistry) List() []*WorkerRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*WorkerRoute(nil), r.ordered...)
}

func buildWorkerRoute(cfg *config.Config, wc config.WorkerConfig, factory WorkerFactory) (*WorkerRoute, error) {
	upstreamURL, err := url.Parse(wc.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for worker %s: %w", wc.Name, err)
	}

	var proxyURL *url.URL
	if wc.Proxy != "" {
		proxyURL, err = url.Parse(wc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for worker %s: %w", wc.Name, err)
		}
	}

	route := &WorkerRoute{
		Config:      wc,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
	}
	if factory != nil {
		w, err := factory(wc, upstreamURL, proxyURL)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", wc.Name, err)
		}
		route.Worker = w
	}
	return route, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
