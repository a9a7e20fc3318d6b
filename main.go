package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/npm-hub/internal/attachment"
	"github.com/any-hub/npm-hub/internal/config"
	"github.com/any-hub/npm-hub/internal/logging"
	"github.com/any-hub/npm-hub/internal/proxy"
	"github.com/any-hub/npm-hub/internal/publish"
	"github.com/any-hub/npm-hub/internal/server"
	"github.com/any-hub/npm-hub/internal/server/routes"
	"github.com/any-hub/npm-hub/internal/store"
	"github.com/any-hub/npm-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	refreshMeta bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// dnsRefreshInterval 控制上游 DNS 缓存的刷新周期。
const dnsRefreshInterval = 5 * time.Minute

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
		fields["storage_path"] = cfg.Global.StoragePath
		fields["registry"] = cfg.Forward.Registry
		fields["proxy_mode"] = cfg.Forward.ProxyMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → registry 根目录 → 元数据存储 → 上游客户端 → 附件/发布 → Fiber server
	registry, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 registry 失败: %v\n", err)
		return 1
	}

	if opts.refreshMeta {
		meta, err := registry.RefreshMeta(ctx)
		if err != nil {
			fmt.Fprintf(stdErr, "重新统计失败: %v\n", err)
			return 1
		}
		fields := logging.BaseFields("refresh_meta", opts.configPath)
		fields["count"] = meta.Count
		fields["local"] = meta.Local
		fields["proxied"] = meta.Proxied
		logger.WithFields(fields).Info("计数已重新统计")
		return 0
	}

	resolver := server.NewResolver(ctx, dnsRefreshInterval)
	forwarder := proxy.NewForwarder(registry, proxy.Options{
		Client:         server.NewUpstreamClient(cfg, resolver),
		DownloadClient: server.NewDownloadClient(cfg, resolver),
		PublicBaseURL:  cfg.Global.PublicBaseURL(),
		Logger:         logger,
	})
	attachments := attachment.New(registry, forwarder, attachment.Options{
		Fs:     registry.Fs(),
		Root:   registry.Root(),
		Logger: logger,
	})
	publisher := publish.New(registry, attachments, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_addr"] = cfg.Global.ListenAddr()
	fields["storage_path"] = registry.Root()
	fields["registry"] = cfg.Forward.Registry
	fields["proxy_mode"] = cfg.Forward.ProxyMode()
	fields["auto_forward"] = cfg.Forward.AutoForward
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	deps := server.AppOptions{
		Logger:      logger,
		Store:       registry,
		Publisher:   publisher,
		Forwarder:   forwarder,
		Attachments: attachments,
	}
	if err := startHTTPServer(ctx, cfg, deps, registry, forwarder); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// openRegistry 打开已存在的 registry 根目录；根目录缺失时返回配置错误。
// 转发设置以配置文件为准，仅在与 registry.json 中保存的不同时写回。
func openRegistry(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*store.Store, error) {
	registry, err := store.Open(ctx, afero.NewOsFs(), cfg.Global.StoragePath, store.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	settings := store.Settings{
		Registry:    cfg.Forward.Registry,
		Proxy:       cfg.Forward.Proxy,
		AutoForward: cfg.Forward.AutoForward,
		UserAgent:   cfg.Forward.UserAgent,
	}
	if registry.Settings() == settings {
		return registry, nil
	}
	if err := registry.UpdateSettings(ctx, settings); err != nil {
		return nil, err
	}
	return registry, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("npm-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		refreshMeta bool
		showVer     bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 NPM_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&refreshMeta, "refresh-meta", false, "重新统计 registry 计数后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("NPM_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		refreshMeta: refreshMeta,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, deps server.AppOptions, registry routes.Registry, forwarder routes.BreakerReporter) error {
	app, err := server.NewApp(deps)
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, forwarder, deps.Logger)

	go func() {
		<-ctx.Done()
		deps.Logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.Shutdown()
	}()

	addr := cfg.Global.ListenAddr()
	deps.Logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   addr,
	}).Info("Fiber 服务启动")

	return app.Listen(addr)
}
