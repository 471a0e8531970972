package worker

import (
	"context"
	"errors"

	"github.com/any-hub/swcache/internal/cache"
)

// Source 标识响应来自缓存还是网络。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result 是一次 fetch 的结果。LookupErr 记录被当作未命中处理的缓存查找错误。
type Result struct {
	Response  *cache.Response
	Source    Source
	LookupErr error
}

// OnFetch 以缓存优先的方式响应请求：命中直接返回且不触碰网络；未命中（包括查找出错）
// 则恰好调用一次 network，原样返回其响应或错误。OnFetch 从不写缓存。
func OnFetch(ctx context.Context, lookup CacheLookup, network Fetcher, req *Request) (Result, error) {
	var lookupErr error
	if lookup != nil {
		resp, err := lookup.Match(ctx, req.Key())
		switch {
		case err == nil:
			return Result{Response: resp, Source: SourceCache}, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			lookupErr = err
		}
	}

	if network == nil {
		return Result{Source: SourceNetwork, LookupErr: lookupErr}, errors.New("network fetcher required")
	}
	resp, err := network.Fetch(ctx, req)
	if err != nil {
		return Result{Source: SourceNetwork, LookupErr: lookupErr}, err
	}
	return Result{Response: resp, Source: SourceNetwork, LookupErr: lookupErr}, nil
}
