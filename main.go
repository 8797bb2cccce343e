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

	"github.com/any-hub/asset-cache/internal/cache"
	"github.com/any-hub/asset-cache/internal/config"
	"github.com/any-hub/asset-cache/internal/lifecycle"
	"github.com/any-hub/asset-cache/internal/logging"
	"github.com/any-hub/asset-cache/internal/network"
	"github.com/any-hub/asset-cache/internal/proxy"
	"github.com/any-hub/asset-cache/internal/server"
	"github.com/any-hub/asset-cache/internal/server/routes"
	"github.com/any-hub/asset-cache/internal/version"
)

// configEnv 覆盖默认配置路径的环境变量。
const configEnv = "ASSET_CACHE_CONFIG"

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
		fields["cache_version"] = cfg.Worker.CacheVersion
		fields["manifest"] = len(cfg.Worker.Manifest)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI 启动遵循“配置 → 日志 → 缓存存储 → 网络客户端 → 注册表 → 首个 worker 版本 → Fiber server”顺序。
	rt, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	if cfg.Global.WatchConfig {
		if err := config.Watch(opts.configPath, func(next *config.Config, err error) {
			rt.deployer.Reload(context.Background(), next, err)
		}); err != nil {
			logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).
				WithError(err).Warn("config_watch_failed")
		}
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Worker.Origin
	fields["cache_version"] = cfg.Worker.CacheVersion
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["watch_config"] = cfg.Global.WatchConfig
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, rt.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("asset-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ASSET_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// runtimeState 持有进程生命周期内共享的组件。
type runtimeState struct {
	storage      cache.Storage
	registration *lifecycle.Registration
	deployer     *deployer
	app          *fiber.App
}

// bootstrap 组装存储、网络、注册表与 Fiber 应用，并安装首个 worker 版本。
// 首个版本安装失败只记录日志：边缘服务照常启动，请求全部直接回源。
func bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*runtimeState, error) {
	storage, err := cache.OpenStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	origin, err := cfg.Worker.OriginURL()
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("解析源站失败: %w", err)
	}
	client, err := network.NewClient(server.NewUpstreamClient(cfg), origin)
	if err != nil {
		storage.Close()
		return nil, err
	}

	registration, err := lifecycle.NewRegistration(client, logger)
	if err != nil {
		storage.Close()
		return nil, err
	}

	dep := newDeployer(storage, client, registration, logger)
	if err := dep.Deploy(ctx, cfg.Worker); err != nil && !errors.Is(err, lifecycle.ErrInstallFailed) {
		storage.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(registration, origin, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}
	routes.RegisterCacheRoutes(app, storage, registration)

	return &runtimeState{
		storage:      storage,
		registration: registration,
		deployer:     dep,
		app:          app,
	}, nil
}

// Close 等待后台缓存写入完成后关闭存储。
func (rt *runtimeState) Close() {
	rt.registration.Wait()
	_ = rt.storage.Close()
}

func startHTTPServer(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("shutdown_failed")
		}
	}()

	return app.Listen(fmt.Sprintf(":%d", port))
}
