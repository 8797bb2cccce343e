package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/cache"
	"github.com/any-hub/asset-cache/internal/network"
)

// State 描述一个 worker 版本所处的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Version 是一个已注册处理函数的 worker 版本，ID 即缓存版本标识。
type Version struct {
	ID      string
	Emitter *Emitter

	mu    sync.RWMutex
	state State
}

// NewVersion 包装一个 worker 版本，初始状态为 parsed。
func NewVersion(id string, emitter *Emitter) *Version {
	return &Version{ID: id, Emitter: emitter, state: StateParsed}
}

// State returns the current lifecycle state.
func (v *Version) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *Version) setState(state State) {
	v.mu.Lock()
	v.state = state
	v.mu.Unlock()
}

// ErrInstallFailed 包装 install 阶段的失败原因，上一版本继续提供服务。
var ErrInstallFailed = errors.New("worker install failed")

// Registration 管理 active / waiting 版本以及当前 controller。
// 所有 fetch 都派发给 controller；没有 controller 或处理函数未接管时走默认网络行为。
type Registration struct {
	network network.Fetcher
	logger  *logrus.Logger

	// updateMu 串行化 Update/ReleaseClients，同一时刻只有一个版本在安装或激活。
	updateMu sync.Mutex

	mu         sync.RWMutex
	active     *Version
	waiting    *Version
	controller *Version
	history    []*Version
}

// NewRegistration 构造注册表，network 为默认网络行为（透传）使用的 Fetcher。
func NewRegistration(net network.Fetcher, logger *logrus.Logger) (*Registration, error) {
	if net == nil {
		return nil, errors.New("network fetcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Registration{network: net, logger: logger}, nil
}

// Update 安装新版本：失败时标记为 redundant 并保留旧版本；成功后若调用了 SkipWaiting
// 或当前没有 active 版本则立即激活，否则进入 waiting。
func (r *Registration) Update(ctx context.Context, v *Version) error {
	if v == nil || v.Emitter == nil {
		return errors.New("worker version is required")
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	r.history = append(r.history, v)
	r.mu.Unlock()

	started := time.Now()
	v.setState(StateInstalling)
	ev, err := v.Emitter.DispatchInstall(ctx)
	if err != nil {
		v.setState(StateRedundant)
		r.logger.WithFields(logrus.Fields{
			"action":     "install",
			"version":    v.ID,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).WithError(err).Error("worker_install_failed")
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, v.ID, err)
	}
	v.setState(StateInstalled)

	r.mu.Lock()
	previousWaiting := r.waiting
	r.waiting = v
	hasActive := r.active != nil
	r.mu.Unlock()
	if previousWaiting != nil && previousWaiting != v {
		previousWaiting.setState(StateRedundant)
	}

	r.logger.WithFields(logrus.Fields{
		"action":       "install",
		"version":      v.ID,
		"skip_waiting": ev.SkippedWaiting(),
		"elapsed_ms":   time.Since(started).Milliseconds(),
	}).Info("worker_installed")

	if ev.SkippedWaiting() || !hasActive {
		return r.activateWaiting(ctx)
	}
	return nil
}

// ReleaseClients 模拟旧版本的所有客户端都已关闭，激活 waiting 版本。
func (r *Registration) ReleaseClients(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	return r.activateWaiting(ctx)
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	next := r.waiting
	if next == nil {
		r.mu.Unlock()
		return nil
	}
	previous := r.active
	hadController := r.controller != nil
	r.waiting = nil
	r.active = next
	r.mu.Unlock()

	if previous != nil && previous != next {
		previous.setState(StateRedundant)
	}

	next.setState(StateActivating)
	ev, err := next.Emitter.DispatchActivate(ctx)
	// activate 失败不会回滚：版本仍然成为 active，与平台行为一致。
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"action":  "activate",
			"version": next.ID,
		}).WithError(err).Warn("worker_activate_failed")
	}
	next.setState(StateActivated)

	claimed := ev != nil && ev.Claimed()
	r.mu.Lock()
	if claimed || !hadController {
		r.controller = next
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"version": next.ID,
		"claimed": claimed,
	}).Info("worker_activated")
	return nil
}

// Reload 相当于客户端刷新页面：active 版本成为 controller。
func (r *Registration) Reload() {
	r.mu.Lock()
	r.controller = r.active
	r.mu.Unlock()
}

// Controller 返回当前负责处理 fetch 的版本，可能为 nil。
func (r *Registration) Controller() *Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// Active returns the active version, if any.
func (r *Registration) Active() *Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed version waiting for activation, if any.
func (r *Registration) Waiting() *Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// FetchResult 记录一次派发的结果来源，供边缘层输出 X-Asset-Cache 头与日志。
type FetchResult struct {
	Response *cache.Response
	// Handled 为 true 表示 controller 的 fetch 处理函数接管了请求。
	Handled bool
	// Version 是处理请求的 controller 版本，透传时为空。
	Version string
}

// Fetch 将请求派发给 controller；未接管的请求直接交给网络。
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (FetchResult, error) {
	controller := r.Controller()
	if controller != nil {
		resp, handled, err := controller.Emitter.DispatchFetch(ctx, req)
		if handled || err != nil {
			return FetchResult{Response: resp, Handled: handled, Version: controller.ID}, err
		}
	}

	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Response: resp}, nil
}

// Wait 等待所有版本的后台任务完成。
func (r *Registration) Wait() {
	r.mu.RLock()
	versions := append([]*Version(nil), r.history...)
	r.mu.RUnlock()
	for _, v := range versions {
		v.Emitter.Wait()
	}
}

// VersionStatus 是 Snapshot 中单个版本的诊断信息。
type VersionStatus struct {
	ID         string `json:"id"`
	State      State  `json:"state"`
	Controller bool   `json:"controller"`
}

// Snapshot 按注册顺序返回所有版本状态，供诊断接口输出。
func (r *Registration) Snapshot() []VersionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]VersionStatus, 0, len(r.history))
	for _, v := range r.history {
		result = append(result, VersionStatus{
			ID:         v.ID,
			State:      v.State(),
			Controller: v == r.controller,
		})
	}
	return result
}
