package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/version"
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
	defer func() { _ = logging.Close(logger) }()

	manifests, err := loadManifests(cfg.Apps)
	if err != nil {
		fmt.Fprintf(stdErr, "加载 manifest 失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["apps"] = config.AppNames(cfg.Apps)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → bucket 存储 → 各 App 控制器 → AppRegistry → Fiber server”顺序，
	// 保证所有请求共享统一的存储与生命周期实例。
	rt, err := buildRuntime(cfg, manifests, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["apps"] = config.AppNames(cfg.Apps)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与 manifest 后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
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

// loadManifests 读取每个 App 的构建期 manifest，任何一个无效都会阻止启动。
func loadManifests(apps []config.AppConfig) (map[string]*manifest.Manifest, error) {
	result := make(map[string]*manifest.Manifest, len(apps))
	for _, app := range apps {
		m, err := manifest.Load(app.Manifest)
		if err != nil {
			return nil, fmt.Errorf("app %s: %w", app.Name, err)
		}
		result[app.Name] = m
	}
	return result, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *hubRuntime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	rt.start(ctx)

	go func() {
		<-ctx.Done()
		_ = rt.app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return rt.app.Listen(fmt.Sprintf(":%d", port))
}
