package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/config"
	"github.com/any-hub/swcache/internal/logging"
	"github.com/any-hub/swcache/internal/proxy"
	"github.com/any-hub/swcache/internal/server"
	"github.com/any-hub/swcache/internal/server/routes"
	"github.com/any-hub/swcache/internal/upstream"
	"github.com/any-hub/swcache/internal/version"
	"github.com/any-hub/swcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["workers"] = len(cfg.Workers)
		fields["credentials"] = config.CredentialModes(cfg.Workers)
		fields["manifests"] = config.ManifestSizes(cfg.Workers)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 日志 → 缓存存储 → 上游客户端 → WorkerRegistry → 安装 → Fiber server”顺序，
	// 所有 worker 在开始接收请求前都已完成（或放弃）首次安装。
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Worker 注册表失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["workers"] = len(cfg.Workers)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Workers)
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	installWorkers(context.Background(), registry, logger)

	proxyHandler := proxy.NewHandler(logger)
	forwarder := proxy.NewForwarder(proxyHandler, logger)
	if err := startHTTPServer(cfg, registry, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("swcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SWCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// buildRegistry 为每个 Worker 构建独立的缓存存储与上游 Fetcher，共享同一个 http.Client。
func buildRegistry(cfg *config.Config, logger *logrus.Logger) (*server.WorkerRegistry, error) {
	httpClient := upstream.NewHTTPClient(cfg)
	factory := func(wc config.WorkerConfig, upstreamURL, proxyURL *url.URL) (*worker.Worker, error) {
		storage, err := openStorage(cfg.Global, wc.Name)
		if err != nil {
			return nil, err
		}
		return worker.New(worker.Options{
			Name:               wc.Name,
			CacheName:          wc.EffectiveCacheName(),
			Scope:              upstreamURL,
			Manifest:           worker.Manifest(wc.Manifest),
			Storage:            storage,
			Network:            newFetcher(httpClient, wc, proxyURL),
			Logger:             logger,
			InstallConcurrency: cfg.Global.InstallConcurrency,
			InstallTimeout:     cfg.Global.InstallTimeout.DurationValue(),
		})
	}
	return server.NewWorkerRegistry(cfg, factory)
}

func newFetcher(client *http.Client, wc config.WorkerConfig, proxyURL *url.URL) *upstream.Fetcher {
	return upstream.NewFetcher(client, upstream.FetcherOptions{
		ProxyURL: proxyURL,
		Username: wc.Username,
		Password: wc.Password,
	})
}

// openStorage 按驱动创建 Worker 的缓存存储：磁盘驱动以 Worker 名称划分目录，内存驱动每个 Worker 独立计算配额。
func openStorage(global config.GlobalConfig, workerName string) (cache.Storage, error) {
	switch global.StorageDriver {
	case config.StorageDriverMemory:
		return cache.NewMemoryStorage(global.MaxMemoryCache), nil
	default:
		storage, err := cache.NewFileStorage(filepath.Join(global.StoragePath, workerName))
		if err != nil {
			return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
		}
		return storage, nil
	}
}

// installWorkers 并发触发每个 Worker 的首次安装。安装失败的 Worker 进入 redundant 状态，
// 请求直接透传到网络，进程继续运行。
func installWorkers(ctx context.Context, registry *server.WorkerRegistry, logger *logrus.Logger) {
	var group errgroup.Group
	for _, route := range registry.List() {
		if route.Worker == nil {
			continue
		}
		w := route.Worker
		group.Go(func() error {
			// 错误已由 Worker.Install 记录日志。
			_ = w.Install(ctx)
			return nil
		})
	}
	_ = group.Wait()

	activated := 0
	for _, route := range registry.List() {
		if route.Worker != nil && route.Worker.State() == worker.StateActivated {
			activated++
		}
	}
	logger.WithFields(logrus.Fields{
		"action":    "install",
		"workers":   len(registry.List()),
		"activated": activated,
	}).Info("首次安装完成")
}

func startHTTPServer(cfg *config.Config, registry *server.WorkerRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterWorkerRoutes(app, registry)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
