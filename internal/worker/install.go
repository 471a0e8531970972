package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swcache/internal/cache"
)

// InstallPlan 描述一次安装：目标缓存名称、需要预缓存的请求标识与并发上限（<=0 不限）。
type InstallPlan struct {
	CacheName   string
	Assets      []cache.Key
	Concurrency int
}

// OnInstall 打开（或创建）命名缓存，拉取清单中的每个资源并一次性提交。
// 任意资源网络失败或返回非 2xx 时整个安装失败，缓存中不会留下部分条目；不做重试。
// 对已填充的同名缓存重复安装会原子地替换同一批条目。
func OnInstall(ctx context.Context, opener CacheOpener, network Fetcher, plan InstallPlan) error {
	if opener == nil {
		return errors.New("cache opener required")
	}
	if network == nil {
		return errors.New("network fetcher required")
	}

	c, err := opener.Open(ctx, plan.CacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", plan.CacheName, err)
	}

	batch, err := c.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cache %s: %w", plan.CacheName, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if plan.Concurrency > 0 {
		g.SetLimit(plan.Concurrency)
	}
	for _, key := range plan.Assets {
		key := key
		g.Go(func() error {
			return precache(gctx, batch, network, key)
		})
	}

	if err := g.Wait(); err != nil {
		_ = batch.Discard()
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit cache %s: %w", plan.CacheName, err)
	}
	return nil
}

func precache(ctx context.Context, batch cache.Batch, network Fetcher, key cache.Key) error {
	resp, err := network.Fetch(ctx, NewRequest(key))
	if err != nil {
		return &FetchError{URL: key.URL, Err: err}
	}
	defer resp.Close()

	if !resp.OK() {
		return &FetchError{URL: key.URL, Status: resp.Status}
	}
	if err := batch.Stage(ctx, key, resp); err != nil {
		return fmt.Errorf("store %s: %w", key.URL, err)
	}
	return nil
}
