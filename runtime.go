package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/reconcile"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/upstream"
)

// appRuntime 是单个 App 的运行期组件。
type appRuntime struct {
	config     config.AppConfig
	manifest   *manifest.Manifest
	controller *lifecycle.Controller

	mu            sync.Mutex
	cancelInstall context.CancelFunc
}

// hubRuntime 持有进程内共享的存储、控制器与 Fiber 应用。
type hubRuntime struct {
	app    *fiber.App
	store  cache.Store
	apps   []*appRuntime
	logger *logrus.Logger
	retry  installRetry
	wg     sync.WaitGroup
}

// installRetry 是安装失败后的退避区间。
type installRetry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func buildRuntime(cfg *config.Config, manifests map[string]*manifest.Manifest, logger *logrus.Logger) (*hubRuntime, error) {
	store, err := cache.NewFromConfig(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化 bucket 存储失败: %w", err)
	}

	client := upstream.NewClient(cfg.Global.UpstreamTimeout.DurationValue())
	retry := upstream.RetryOptions{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	}

	rt := &hubRuntime{
		store:  store,
		logger: logger,
		retry: installRetry{
			InitialInterval: cfg.Global.InstallRetry.DurationValue(),
			MaxInterval:     cfg.Global.InstallRetryMax.DurationValue(),
		},
	}
	controllers := make(map[string]*lifecycle.Controller, len(cfg.Apps))
	for _, app := range cfg.Apps {
		m, ok := manifests[app.Name]
		if !ok {
			_ = store.Close()
			return nil, fmt.Errorf("app %s: manifest not loaded", app.Name)
		}
		origin, err := url.Parse(app.Origin)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("app %s: invalid origin: %w", app.Name, err)
		}

		fetcher := upstream.NewHTTPFetcher(client, origin, config.NormalizeScope(app.Scope), retry)
		factory := reconcilerFactory(app.Name, store, fetcher, cfg.Global, logger)
		ctrl := lifecycle.NewController(app.Name, factory, lifecycle.Options{
			AutoActivate: app.ShouldAutoActivate(),
			Logger:       logger,
		})
		controllers[app.Name] = ctrl
		rt.apps = append(rt.apps, &appRuntime{config: app, manifest: m, controller: ctrl})
	}

	registry, err := server.NewAppRegistry(cfg, controllers)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("构建 App 注册表失败: %w", err)
	}

	handler := proxy.NewHandler(client, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	routes.RegisterControlRoutes(app, registry)
	rt.app = app
	return rt, nil
}

func reconcilerFactory(app string, store cache.Store, fetcher upstream.Fetcher, g config.GlobalConfig, logger *logrus.Logger) lifecycle.ReconcilerFactory {
	gate := reconcile.NewWriteGate()
	return func(m *manifest.Manifest, notifier reconcile.Notifier) *reconcile.Reconciler {
		return reconcile.New(app, m, store, fetcher, reconcile.Options{
			Logger:       logger,
			Notifier:     notifier,
			Concurrency:  g.FetchConcurrency,
			PrefetchRate: g.PrefetchRate,
			Gate:         gate,
		})
	}
}

// start 启动每个 App 的控制器工作协程、首次安装与 manifest 监听，均在 ctx 结束时退出。
func (rt *hubRuntime) start(ctx context.Context) {
	for _, app := range rt.apps {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := app.controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.WithError(err).WithFields(logging.AppFields(app.config.Name, "controller")).Error("controller stopped")
			}
		}()

		rt.install(ctx, app, app.manifest)

		if app.config.ShouldWatchManifest() {
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				rt.watch(ctx, app)
			}()
		}
	}
}

// install 以指数退避重试安装 m，直到成功、ctx 结束或被更新的 manifest 取代。
// 同一 App 同一时刻只保留最新 manifest 的重试循环。
func (rt *hubRuntime) install(ctx context.Context, app *appRuntime, m *manifest.Manifest) {
	app.mu.Lock()
	if app.cancelInstall != nil {
		app.cancelInstall()
	}
	installCtx, cancel := context.WithCancel(ctx)
	app.cancelInstall = cancel
	app.mu.Unlock()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer cancel()
		rt.installWithRetry(installCtx, app, m)
	}()
}

func (rt *hubRuntime) installWithRetry(ctx context.Context, app *appRuntime, m *manifest.Manifest) {
	fields := logging.AppFields(app.config.Name, "install")
	fields["manifest_version"] = m.ID()

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     rt.retry.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         rt.retry.MaxInterval,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := app.controller.Install(ctx, m)
		if err == nil || errors.Is(err, reconcile.ErrBootstrapFailed) || errors.Is(err, reconcile.ErrReconcileFailed) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			rt.logger.WithError(err).WithFields(fields).WithField("retry_in", next.String()).
				Warn("install failed, will retry")
		}),
	)
	if err != nil && ctx.Err() == nil {
		rt.logger.WithError(err).WithFields(fields).Warn("install did not complete")
	}
}

func (rt *hubRuntime) watch(ctx context.Context, app *appRuntime) {
	watcher := manifest.NewWatcher(app.config.Manifest, app.manifest, rt.logger)
	err := watcher.Run(ctx, func(next *manifest.Manifest) {
		rt.install(ctx, app, next)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.WithError(err).WithFields(logging.AppFields(app.config.Name, "watch_manifest")).
			Warn("manifest watcher stopped")
	}
}

// close 等待后台协程退出后关闭存储。调用前需先取消 start 使用的 ctx。
func (rt *hubRuntime) close() {
	rt.wg.Wait()
	if err := rt.store.Close(); err != nil {
		rt.logger.WithError(err).WithField("action", "shutdown").Warn("close bucket store failed")
	}
}
