package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/moles-world/shellcache/internal/cache"
	"github.com/moles-world/shellcache/internal/config"
	"github.com/moles-world/shellcache/internal/logging"
	"github.com/moles-world/shellcache/internal/obs"
	"github.com/moles-world/shellcache/internal/proxy"
	"github.com/moles-world/shellcache/internal/server"
	"github.com/moles-world/shellcache/internal/server/routes"
	"github.com/moles-world/shellcache/internal/upstream"
	"github.com/moles-world/shellcache/internal/version"
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
		fields["origin"] = cfg.Global.Origin
		fields["caches"] = cfg.Generations().Names()
		fields["precache"] = len(cfg.Global.Precache)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存后端 → worker 与宿主 → 安装/激活 → 定时器 → Fiber server，
	// 所有请求与后台任务共享同一个缓存注册表。
	backend, err := cache.OpenBackend(cfg.Global.CacheBackend, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存后端失败: %v\n", err)
		return 1
	}
	registry, err := cache.NewRegistry(backend, cfg.Generations())
	if err != nil {
		_ = backend.Close()
		fmt.Fprintf(stdErr, "构建缓存注册表失败: %v\n", err)
		return 1
	}
	defer registry.Close()

	metrics := obs.NewMetrics()
	host, err := server.Assemble(server.AssembleOptions{
		Config:   cfg,
		Registry: registry,
		Fetcher:  upstream.NewClient(cfg.Global.UpstreamTimeout.DurationValue()),
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Global.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_backend"] = cfg.Global.CacheBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 安装失败时 worker 进入 redundant，网关仍以直连模式服务，可通过 /-/lifecycle/install 重试。
	if err := host.Boot(ctx); err != nil {
		logger.WithError(err).WithField("action", "startup").Warn("worker_boot_failed")
	}
	host.Start(ctx)
	defer host.Stop()

	if err := startHTTPServer(ctx, cfg, host, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
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

func newHTTPApp(cfg *config.Config, host *server.Host, logger *logrus.Logger) (*fiber.App, error) {
	site, err := server.NewSite(cfg)
	if err != nil {
		return nil, err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Site:       site,
		Proxy:      proxy.NewHandler(host, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterRuntimeRoutes(app, host)
	return app, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, host *server.Host, logger *logrus.Logger) error {
	app, err := newHTTPApp(cfg, host, logger)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		if err := app.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
