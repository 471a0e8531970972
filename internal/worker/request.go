package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/any-hub/swcache/internal/cache"
)

// RedirectMode 对应 fetch 请求的 redirect 选项，零值按 RedirectFollow 处理。
type RedirectMode string

const (
	// RedirectFollow 跟随上游重定向，返回最终响应（安装阶段的 addAll 语义）。
	RedirectFollow RedirectMode = "follow"
	// RedirectManual 原样返回 3xx 响应，由客户端自行跳转（页面导航语义）。
	RedirectManual RedirectMode = "manual"
)

// Request 是一次被拦截的 fetch：方法、绝对 URL、请求头、请求体与重定向模式。
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Redirect RedirectMode
}

// NewRequest 构造跟随重定向的 GET 请求，主要用于安装阶段拉取清单资源。
func NewRequest(key cache.Key) *Request {
	return &Request{Method: key.Method, URL: key.URL, Header: http.Header{}, Redirect: RedirectFollow}
}

// Key 返回请求标识。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

// BodyReader 返回请求体 Reader，没有请求体时返回 http.NoBody。
func (r *Request) BodyReader() io.Reader {
	if len(r.Body) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(r.Body)
}

// Fetcher 是网络 fetch 的抽象，由宿主（上游 HTTP 客户端）提供。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 允许直接以函数实现 Fetcher，便于测试注入。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// CacheOpener 按名称打开（或惰性创建）缓存。
type CacheOpener interface {
	Open(ctx context.Context, name string) (cache.Cache, error)
}

// CacheLookup 按请求标识查找已缓存的响应，未命中时返回 cache.ErrNotFound。
type CacheLookup interface {
	Match(ctx context.Context, key cache.Key) (*cache.Response, error)
}
