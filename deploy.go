package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/cache"
	"github.com/any-hub/asset-cache/internal/config"
	"github.com/any-hub/asset-cache/internal/lifecycle"
	"github.com/any-hub/asset-cache/internal/network"
	"github.com/any-hub/asset-cache/internal/worker"
)

// deployer 把 Worker 配置转换成新的 worker 版本并交给注册表安装。
type deployer struct {
	storage      cache.Storage
	network      *network.Client
	registration *lifecycle.Registration
	logger       *logrus.Logger

	mu       sync.Mutex
	current  config.WorkerConfig
	deployed bool
}

func newDeployer(storage cache.Storage, client *network.Client, registration *lifecycle.Registration, logger *logrus.Logger) *deployer {
	return &deployer{
		storage:      storage,
		network:      client,
		registration: registration,
		logger:       logger,
	}
}

// Deploy 构建一个绑定到 wcfg.CacheVersion 的 Manager，并通过 Registration.Update 完成安装与激活。
// 安装失败时保留上一个版本，返回包装了 lifecycle.ErrInstallFailed 的错误。
func (d *deployer) Deploy(ctx context.Context, wcfg config.WorkerConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deployLocked(ctx, wcfg)
}

func (d *deployer) deployLocked(ctx context.Context, wcfg config.WorkerConfig) error {
	manager, err := worker.New(worker.Options{
		Version:  wcfg.CacheVersion,
		Manifest: wcfg.Manifest,
		Origin:   d.network.Origin(),
		Storage:  d.storage,
		Network:  d.network,
		Logger:   d.logger,
	})
	if err != nil {
		return fmt.Errorf("构建 worker 失败: %w", err)
	}

	emitter := lifecycle.NewEmitter(d.logger)
	manager.Register(emitter)
	if err := d.registration.Update(ctx, lifecycle.NewVersion(wcfg.CacheVersion, emitter)); err != nil {
		return err
	}
	d.current = wcfg
	d.deployed = true
	return nil
}

// Reload 处理配置热更新：部署内容未变化时忽略，源站变化需要重启进程。
func (d *deployer) Reload(ctx context.Context, next *config.Config, loadErr error) {
	fields := logrus.Fields{"action": "config_reload"}
	if loadErr != nil {
		d.logger.WithFields(fields).WithError(loadErr).Warn("config_reload_failed")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deployed && next.Worker.SameDeployment(d.current) {
		return
	}
	fields["cache_version"] = next.Worker.CacheVersion
	if !network.SameOrigin(mustOrigin(next.Worker), d.network.Origin()) {
		fields["origin"] = next.Worker.Origin
		d.logger.WithFields(fields).Warn("origin_change_requires_restart")
		return
	}

	if err := d.deployLocked(ctx, next.Worker); err != nil {
		if errors.Is(err, lifecycle.ErrInstallFailed) {
			// 详细原因已由注册表记录，这里只标记本次热更新未生效。
			d.logger.WithFields(fields).Warn("config_reload_not_applied")
			return
		}
		d.logger.WithFields(fields).WithError(err).Error("config_reload_failed")
		return
	}
	d.logger.WithFields(fields).Info("config_reload_applied")
}

// mustOrigin 只用于已通过 Validate 的配置。
func mustOrigin(w config.WorkerConfig) *url.URL {
	origin, err := w.OriginURL()
	if err != nil {
		return &url.URL{}
	}
	return origin
}
