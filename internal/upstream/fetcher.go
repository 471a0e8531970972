package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/version"
	"github.com/any-hub/swcache/internal/worker"
)

// FetcherOptions 描述单个 worker 访问上游所需的代理与凭证。
type FetcherOptions struct {
	ProxyURL *url.URL
	Username string
	Password string
}

// Fetcher 基于共享 http.Client 实现 worker.Fetcher，把请求原样发往上游并原样返回响应。
// manual 与 client 共享 Transport，仅在不跟随重定向上不同。
type Fetcher struct {
	client *http.Client
	manual *http.Client
	auth   string
}

var _ worker.Fetcher = (*Fetcher)(nil)

// NewFetcher 构造上游 Fetcher；配置了 ProxyURL 时使用独立 Transport。
func NewFetcher(client *http.Client, opts FetcherOptions) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.ProxyURL != nil {
		transport := &http.Transport{}
		if base, ok := client.Transport.(*http.Transport); ok && base != nil {
			transport = base.Clone()
		}
		transport.Proxy = http.ProxyURL(opts.ProxyURL)
		cloned := *client
		cloned.Transport = transport
		client = &cloned
	}
	manual := *client
	manual.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Fetcher{
		client: client,
		manual: &manual,
		auth:   buildCredentialHeader(opts.Username, opts.Password),
	}
}

// Fetch 发送请求并返回上游响应，调用方负责关闭 Body。非 2xx 状态不视为错误；
// RedirectManual 请求的 3xx 响应连同 Location 原样返回。
func (f *Fetcher) Fetch(ctx context.Context, req *worker.Request) (*cache.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	out, err := http.NewRequestWithContext(ctx, req.Key().Method, target.String(), req.BodyReader())
	if err != nil {
		return nil, err
	}
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Host")
	out.Header.Del("Accept-Encoding")
	out.Host = target.Host
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", version.UserAgent())
	}
	if f.auth != "" && out.Header.Get("Authorization") == "" {
		out.Header.Set("Authorization", f.auth)
	}

	client := f.client
	if req.Redirect == worker.RedirectManual {
		client = f.manual
	}
	resp, err := client.Do(out)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   resp.Body,
		Size:   resp.ContentLength,
	}, nil
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}
