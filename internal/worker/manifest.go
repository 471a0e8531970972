package worker

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/any-hub/swcache/internal/cache"
)

// Manifest 是安装时预缓存的资源清单，条目可以是相对 scope 的路径或绝对 URL。
type Manifest []string

// Resolve 将清单条目解析为请求标识，顺序与清单一致。解析失败或解析后重复的条目返回错误。
func (m Manifest) Resolve(scope *url.URL) ([]cache.Key, error) {
	if scope == nil {
		return nil, fmt.Errorf("manifest scope required")
	}
	keys := make([]cache.Key, 0, len(m))
	seen := make(map[string]string, len(m))
	for _, entry := range m {
		target, err := ResolveURL(scope, entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		if prev, dup := seen[target]; dup {
			return nil, fmt.Errorf("manifest entries %q and %q resolve to the same request %s", prev, entry, target)
		}
		seen[target] = entry
		keys = append(keys, cache.NewKey(http.MethodGet, target))
	}
	return keys, nil
}

// ResolveURL 以 scope 为基准解析 ref，并去掉 fragment（fragment 不属于请求标识）。
func ResolveURL(scope *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	abs := scope.ResolveReference(parsed)
	abs.Fragment = ""
	abs.RawFragment = ""
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", abs.Scheme)
	}
	if abs.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	return abs.String(), nil
}
