package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/cache"
)

// State 是 worker 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Options 汇总构造 Worker 所需的配置与依赖，缓存名称与清单均显式传入。
type Options struct {
	Name               string
	CacheName          string
	Scope              *url.URL
	Manifest           Manifest
	Storage            cache.Storage
	Network            Fetcher
	Logger             *logrus.Logger
	InstallConcurrency int
	InstallTimeout     time.Duration
}

// Worker 将安装/拦截两个处理函数与一份配置、一个缓存存储绑定在一起，并维护生命周期。
// 未激活（首次安装未完成或失败）的 worker 不拦截请求，请求直接走网络。
type Worker struct {
	name        string
	cacheName   string
	scope       *url.URL
	manifest    Manifest
	assets      []cache.Key
	storage     cache.Storage
	network     Fetcher
	logger      *logrus.Logger
	concurrency int
	timeout     time.Duration
	now         func() time.Time

	installMu sync.Mutex

	mu          sync.RWMutex
	state       State
	installedAt time.Time
	lastErr     error
}

// Status 是 worker 当前状态的快照，供诊断接口输出。
type Status struct {
	Name        string
	CacheName   string
	Scope       string
	State       State
	Manifest    []string
	InstalledAt time.Time
	LastError   string
}

// New 校验依赖并解析清单，返回处于 parsed 状态的 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Name == "" {
		return nil, errors.New("worker name required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher required")
	}
	if opts.Scope == nil {
		return nil, errors.New("worker scope required")
	}
	cacheName := opts.CacheName
	if cacheName == "" {
		cacheName = opts.Name
	}
	if !cache.ValidName(cacheName) {
		return nil, fmt.Errorf("%w: %q", cache.ErrInvalidName, cacheName)
	}

	assets, err := opts.Manifest.Resolve(opts.Scope)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Worker{
		name:        opts.Name,
		cacheName:   cacheName,
		scope:       opts.Scope,
		manifest:    append(Manifest(nil), opts.Manifest...),
		assets:      assets,
		storage:     opts.Storage,
		network:     opts.Network,
		logger:      logger,
		concurrency: opts.InstallConcurrency,
		timeout:     opts.InstallTimeout,
		now:         time.Now,
		state:       StateParsed,
	}, nil
}

func (w *Worker) Name() string      { return w.name }
func (w *Worker) CacheName() string { return w.cacheName }
func (w *Worker) Scope() *url.URL   { return w.scope }

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status 返回当前状态快照。
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	status := Status{
		Name:        w.name,
		CacheName:   w.cacheName,
		Scope:       w.scope.String(),
		State:       w.state,
		Manifest:    append([]string(nil), w.manifest...),
		InstalledAt: w.installedAt,
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	return status
}

// Install 触发一次安装事件。首次安装失败时 worker 进入 redundant 状态；已激活的 worker
// 重新安装失败时保持激活，仅记录错误。同一 worker 的安装串行执行。
func (w *Worker) Install(ctx context.Context) error {
	w.installMu.Lock()
	defer w.installMu.Unlock()

	w.mu.Lock()
	previous := w.state
	if previous != StateActivated {
		w.state = StateInstalling
	}
	w.mu.Unlock()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	started := w.now()
	err := OnInstall(ctx, w.storage, w.network, InstallPlan{
		CacheName:   w.cacheName,
		Assets:      w.assets,
		Concurrency: w.concurrency,
	})

	w.mu.Lock()
	switch {
	case err == nil:
		w.state = StateActivated
		w.installedAt = w.now()
		w.lastErr = nil
	case previous == StateActivated:
		w.lastErr = err
	default:
		w.state = StateRedundant
		w.lastErr = err
	}
	state := w.state
	w.mu.Unlock()

	fields := logrus.Fields{
		"action":     "install",
		"worker":     w.name,
		"cache_name": w.cacheName,
		"assets":     len(w.assets),
		"state":      string(state),
		"elapsed_ms": w.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Error("install_failed")
		return err
	}
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

// HandleFetch 处理一次 fetch 事件。未激活时请求不被拦截，直接交给网络。
func (w *Worker) HandleFetch(ctx context.Context, req *Request) (Result, error) {
	if w.State() != StateActivated {
		return OnFetch(ctx, nil, w.network, req)
	}
	return OnFetch(ctx, w.storage, w.network, req)
}

// CachedKeys 返回 worker 缓存中的条目；缓存尚未创建时返回空列表。
func (w *Worker) CachedKeys(ctx context.Context) ([]cache.Key, error) {
	exists, err := w.storage.Has(ctx, w.cacheName)
	if err != nil || !exists {
		return nil, err
	}
	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return nil, err
	}
	return c.Keys(ctx)
}

// Assets 返回解析后的清单请求标识。
func (w *Worker) Assets() []cache.Key {
	return append([]cache.Key(nil), w.assets...)
}
