package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/reconcile"
)

// Message 是外部发送给控制器的按需指令。
type Message string

const (
	MessageSkipWaiting     Message = "skipWaiting"
	MessageDownloadOffline Message = "downloadOffline"
)

var (
	// ErrUnknownMessage 表示无法识别的消息。
	ErrUnknownMessage = errors.New("unknown lifecycle message")
	// ErrNoActiveVersion 表示当前没有正在服务的版本。
	ErrNoActiveVersion = errors.New("no active version")
	// ErrStopped 表示控制器的工作协程已退出。
	ErrStopped = errors.New("lifecycle controller stopped")
)

// ReconcilerFactory 为某个 manifest 构建 Reconciler，notifier 即控制器本身。
type ReconcilerFactory func(m *manifest.Manifest, notifier reconcile.Notifier) *reconcile.Reconciler

// Options 控制 Controller 行为。
type Options struct {
	// AutoActivate 为 true 时安装成功后立即激活，否则等待 skipWaiting。
	AutoActivate bool
	Logger       *logrus.Logger
}

type eventKind int

const (
	eventInstall eventKind = iota
	eventMessage
)

type event struct {
	kind     eventKind
	manifest *manifest.Manifest
	message  Message
	done     chan error
}

// Status 是控制器状态快照。
type Status struct {
	App            string                    `json:"app"`
	State          State                     `json:"state"`
	ActiveVersion  string                    `json:"active_version,omitempty"`
	ActiveDigest   string                    `json:"active_digest,omitempty"`
	Resources      int                       `json:"resources"`
	PendingVersion string                    `json:"pending_version,omitempty"`
	LastDelta      *manifest.Delta           `json:"last_delta,omitempty"`
	LastPrefetch   *reconcile.PrefetchReport `json:"last_prefetch,omitempty"`
	LastError      string                    `json:"last_error,omitempty"`
	LastErrorAt    *time.Time                `json:"last_error_at,omitempty"`
	InstalledAt    *time.Time                `json:"installed_at,omitempty"`
	ActivatedAt    *time.Time                `json:"activated_at,omitempty"`
}

// Controller 串行处理单个应用的生命周期事件。
type Controller struct {
	app          string
	factory      ReconcilerFactory
	autoActivate bool
	logger       *logrus.Logger
	machine      *Machine
	events       chan event
	stopped      chan struct{}

	mu           sync.RWMutex
	active       *reconcile.Reconciler
	pending      *reconcile.Reconciler
	ready        chan struct{}
	lastDelta    *manifest.Delta
	lastPrefetch *reconcile.PrefetchReport
	lastErr      error
	lastErrAt    time.Time
	installedAt  time.Time
	activatedAt  time.Time
}

// NewController 构建控制器；需调用 Run 启动工作协程。
func NewController(app string, factory ReconcilerFactory, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Controller{
		app:          app,
		factory:      factory,
		autoActivate: opts.AutoActivate,
		logger:       logger,
		machine:      NewMachine(),
		events:       make(chan event),
		stopped:      make(chan struct{}),
		ready:        make(chan struct{}),
	}
}

// App 返回应用名称。
func (c *Controller) App() string {
	return c.app
}

// State 返回当前生命周期状态。
func (c *Controller) State() State {
	return c.machine.State()
}

// Run 运行工作协程直到 ctx 结束。
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			ev.done <- c.handle(ctx, ev)
		}
	}
}

// Install 提交一个 manifest 版本并等待安装（以及可能的自动激活）完成。
func (c *Controller) Install(ctx context.Context, m *manifest.Manifest) error {
	return c.submit(ctx, event{kind: eventInstall, manifest: m})
}

// Send 提交按需消息并等待其处理结果。
func (c *Controller) Send(ctx context.Context, msg Message) error {
	switch msg {
	case MessageSkipWaiting, MessageDownloadOffline:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg)
	}
	return c.submit(ctx, event{kind: eventMessage, message: msg})
}

func (c *Controller) submit(ctx context.Context, ev event) error {
	ev.done = make(chan error, 1)
	select {
	case c.events <- ev:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handle(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventInstall:
		return c.install(ctx, ev.manifest)
	case eventMessage:
		switch ev.message {
		case MessageSkipWaiting:
			return c.activate(ctx)
		case MessageDownloadOffline:
			return c.downloadOffline(ctx)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnknownMessage, ev.message)
}

// Claim 实现 reconcile.Notifier：切换服务中的版本并唤醒等待就绪的请求。
func (c *Controller) Claim(r *reconcile.Reconciler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = r
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// Ready 返回在存在服务版本时关闭的通道。
func (c *Controller) Ready() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Active 返回当前服务中的 Reconciler，没有时返回 nil。
func (c *Controller) Active() *reconcile.Reconciler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// WaitActive 在 timeout 内等待服务版本出现；timeout<=0 时不等待。
func (c *Controller) WaitActive(ctx context.Context, timeout time.Duration) *reconcile.Reconciler {
	if active := c.Active(); active != nil || timeout <= 0 {
		return active
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.Ready():
	case <-timer.C:
	case <-ctx.Done():
	}
	return c.Active()
}

// Snapshot 返回状态快照。
func (c *Controller) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status := Status{
		App:          c.app,
		State:        c.machine.State(),
		LastDelta:    c.lastDelta,
		LastPrefetch: c.lastPrefetch,
	}
	if c.active != nil {
		m := c.active.Manifest()
		status.ActiveVersion = m.ID()
		status.ActiveDigest = m.Digest()
		status.Resources = m.Len()
	}
	if c.pending != nil {
		status.PendingVersion = c.pending.Manifest().ID()
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
		status.LastErrorAt = timePtr(c.lastErrAt)
	}
	status.InstalledAt = timePtr(c.installedAt)
	status.ActivatedAt = timePtr(c.activatedAt)
	return status
}

func (c *Controller) install(ctx context.Context, m *manifest.Manifest) error {
	fields := logging.AppFields(c.app, "install")
	fields["manifest_version"] = m.ID()

	active := c.Active()
	if active != nil && sameVersion(active.Manifest(), m) {
		c.logger.WithFields(fields).Info("manifest unchanged, install skipped")
		return nil
	}

	r := c.factory(m, c)
	if active == nil {
		restored, err := c.restore(ctx, r)
		if err != nil {
			c.logger.WithError(err).WithFields(fields).Warn("read stored manifest failed")
		}
		if restored {
			return nil
		}
	}

	if err := c.machine.Transition(StateInstalling); err != nil {
		return err
	}
	c.logger.WithFields(fields).WithField("state", StateInstalling.String()).Info("install started")

	if err := r.Bootstrap(ctx); err != nil {
		c.recordError(err)
		if active != nil {
			_ = c.machine.Transition(StateServing)
		} else {
			c.machine.Reset()
		}
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.logger.WithError(err).WithFields(fields).Error("install failed")
		return err
	}

	if err := c.machine.Transition(StateInstalled); err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = r
	c.installedAt = time.Now().UTC()
	c.mu.Unlock()
	c.logger.WithFields(fields).WithField("state", StateInstalled.String()).Info("install finished")

	if !c.autoActivate {
		return nil
	}
	return c.activate(ctx)
}

// restore 在进程重启后接管已协调过的同版本缓存，避免离线时无法提供服务。
func (c *Controller) restore(ctx context.Context, r *reconcile.Reconciler) (bool, error) {
	stored, err := r.StoredManifest(ctx)
	if err != nil || stored == nil || !sameVersion(stored, r.Manifest()) {
		return false, err
	}
	for _, next := range []State{StateInstalling, StateInstalled, StateActivating} {
		if err := c.machine.Transition(next); err != nil {
			return false, err
		}
	}
	c.Claim(r)
	if err := c.machine.Transition(StateServing); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.pending = nil
	c.activatedAt = time.Now().UTC()
	c.mu.Unlock()
	c.logger.WithFields(logging.AppFields(c.app, "restore")).
		WithField("manifest_version", r.Manifest().ID()).
		Info("resumed serving stored version")
	return true, nil
}

func (c *Controller) activate(ctx context.Context) error {
	if err := c.machine.Transition(StateActivating); err != nil {
		return err
	}
	c.mu.RLock()
	pending := c.pending
	c.mu.RUnlock()

	fields := logging.AppFields(c.app, "activate")
	fields["manifest_version"] = pending.Manifest().ID()

	stored, err := pending.StoredManifest(ctx)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("read stored manifest failed")
	}
	delta := manifest.Diff(stored, pending.Manifest())

	if err := pending.Reconcile(ctx); err != nil {
		c.machine.Reset()
		c.recordError(err)
		c.mu.Lock()
		c.active = nil
		c.pending = nil
		select {
		case <-c.ready:
			c.ready = make(chan struct{})
		default:
		}
		c.mu.Unlock()
		c.logger.WithError(err).WithFields(fields).Error("activation failed")
		return err
	}

	if err := c.machine.Transition(StateServing); err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = nil
	c.lastDelta = &delta
	c.lastPrefetch = nil
	c.activatedAt = time.Now().UTC()
	c.mu.Unlock()
	c.logger.WithFields(fields).WithFields(logrus.Fields{
		"state":   StateServing.String(),
		"changed": len(delta.Changed),
		"removed": len(delta.Removed),
		"added":   len(delta.Added),
	}).Info("activation finished")
	return nil
}

func (c *Controller) downloadOffline(ctx context.Context) error {
	active := c.Active()
	if active == nil {
		return ErrNoActiveVersion
	}
	report, err := active.Prefetch(ctx)
	c.mu.Lock()
	c.lastPrefetch = &report
	c.mu.Unlock()
	if err != nil {
		c.recordError(err)
	}
	return err
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.lastErrAt = time.Now().UTC()
}

func sameVersion(a, b *manifest.Manifest) bool {
	return a.Equal(b) && a.Version() == b.Version()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
