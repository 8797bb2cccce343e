// Package lifecycle models the install / activate / fetch event source a
// worker version registers against, and the Registration that moves versions
// through their states and routes fetches to the controlling version.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/any-hub/asset-cache/internal/cache"
)

// ErrNoResponse 表示 fetch 处理函数接管了请求却没有给出可用响应（离线）。
var ErrNoResponse = errors.New("no response from worker")

// Task 是一段由事件延长生命周期的异步工作。
type Task func(ctx context.Context) error

// Responder 生成 fetch 事件的响应；返回 (nil, nil) 表示放弃响应。
type Responder func(ctx context.Context) (*cache.Response, error)

// extendable 汇总 WaitUntil 注册的任务，由派发方统一等待。
type extendable struct {
	mu    sync.Mutex
	tasks []Task
}

// WaitUntil 延长事件生命周期，直到 task 完成；task 的错误会使事件失败。
func (e *extendable) WaitUntil(task Task) {
	if task == nil {
		return
	}
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
}

func (e *extendable) drain() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	tasks := e.tasks
	e.tasks = nil
	return tasks
}

// InstallEvent 在新版本注册时派发一次。
type InstallEvent struct {
	extendable

	mu          sync.Mutex
	skipWaiting bool
}

// SkipWaiting 请求安装成功后立即激活，不等待旧客户端关闭。
func (e *InstallEvent) SkipWaiting() {
	e.mu.Lock()
	e.skipWaiting = true
	e.mu.Unlock()
}

// SkippedWaiting reports whether a handler called SkipWaiting.
func (e *InstallEvent) SkippedWaiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipWaiting
}

// ActivateEvent 在版本接管控制权时派发。
type ActivateEvent struct {
	extendable

	mu      sync.Mutex
	claimed bool
}

// Claim 请求立即接管所有已打开的客户端，无需刷新。
func (e *ActivateEvent) Claim() {
	e.mu.Lock()
	e.claimed = true
	e.mu.Unlock()
}

// Claimed reports whether a handler called Claim.
func (e *ActivateEvent) Claimed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimed
}

// FetchEvent 对应受控客户端发出的一次请求。
type FetchEvent struct {
	extendable

	request *http.Request

	mu        sync.Mutex
	responder Responder
}

// NewFetchEvent 构造 fetch 事件，主要供测试直接调用处理函数。
func NewFetchEvent(req *http.Request) *FetchEvent {
	return &FetchEvent{request: req}
}

// Request 返回被拦截的请求。
func (e *FetchEvent) Request() *http.Request {
	return e.request
}

// RespondWith 接管请求；只有第一次调用生效。
func (e *FetchEvent) RespondWith(fn Responder) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder == nil {
		e.responder = fn
	}
}

// Responder returns the responder registered via RespondWith, if any.
func (e *FetchEvent) Responder() Responder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder
}
