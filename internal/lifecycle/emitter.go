package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/cache"
)

// Source 是生命周期事件源，worker 只向它注册处理函数。
type Source interface {
	OnInstall(func(*InstallEvent))
	OnActivate(func(*ActivateEvent))
	OnFetch(func(*FetchEvent))
}

// Emitter 同时实现 Source 与事件派发，生产环境与测试共用。
type Emitter struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	install  []func(*InstallEvent)
	activate []func(*ActivateEvent)
	fetch    []func(*FetchEvent)

	background sync.WaitGroup
}

// NewEmitter 创建事件派发器；logger 为空时后台任务失败不输出日志。
func NewEmitter(logger *logrus.Logger) *Emitter {
	return &Emitter{logger: logger}
}

func (e *Emitter) OnInstall(fn func(*InstallEvent)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.install = append(e.install, fn)
	e.mu.Unlock()
}

func (e *Emitter) OnActivate(fn func(*ActivateEvent)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.activate = append(e.activate, fn)
	e.mu.Unlock()
}

func (e *Emitter) OnFetch(fn func(*FetchEvent)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.fetch = append(e.fetch, fn)
	e.mu.Unlock()
}

// DispatchInstall 依次调用 install 处理函数，并等待全部 WaitUntil 任务；
// 任一任务失败即视为安装失败。
func (e *Emitter) DispatchInstall(ctx context.Context) (*InstallEvent, error) {
	ev := &InstallEvent{}
	e.mu.RLock()
	handlers := append([]func(*InstallEvent){}, e.install...)
	e.mu.RUnlock()

	for _, fn := range handlers {
		if err := invoke("install", func() { fn(ev) }); err != nil {
			return ev, err
		}
	}
	return ev, awaitAll(ctx, ev.drain())
}

// DispatchActivate 与 DispatchInstall 相同，只是派发 activate 事件。
func (e *Emitter) DispatchActivate(ctx context.Context) (*ActivateEvent, error) {
	ev := &ActivateEvent{}
	e.mu.RLock()
	handlers := append([]func(*ActivateEvent){}, e.activate...)
	e.mu.RUnlock()

	for _, fn := range handlers {
		if err := invoke("activate", func() { fn(ev) }); err != nil {
			return ev, err
		}
	}
	return ev, awaitAll(ctx, ev.drain())
}

// DispatchFetch 派发 fetch 事件。handled=false 表示没有处理函数接管，调用方应走默认网络行为。
// WaitUntil 任务在后台运行，不阻塞响应，其错误只会写日志。
func (e *Emitter) DispatchFetch(ctx context.Context, req *http.Request) (*cache.Response, bool, error) {
	ev := NewFetchEvent(req)
	e.mu.RLock()
	handlers := append([]func(*FetchEvent){}, e.fetch...)
	e.mu.RUnlock()

	for _, fn := range handlers {
		if err := invoke("fetch", func() { fn(ev) }); err != nil {
			e.detach(ctx, ev.drain())
			return nil, false, err
		}
		if ev.Responder() != nil {
			break
		}
	}

	responder := ev.Responder()
	if responder == nil {
		e.detach(ctx, ev.drain())
		return nil, false, nil
	}

	var (
		resp *cache.Response
		err  error
	)
	panicErr := invoke("fetch responder", func() { resp, err = responder(ctx) })
	// 响应生成期间注册的任务也一并放到后台。
	e.detach(ctx, ev.drain())
	if panicErr != nil {
		return nil, true, panicErr
	}
	if err != nil {
		return nil, true, err
	}
	if resp == nil {
		return nil, true, ErrNoResponse
	}
	return resp, true, nil
}

// Wait 阻塞直到所有后台任务结束，用于优雅退出与测试。
func (e *Emitter) Wait() {
	e.background.Wait()
}

func (e *Emitter) detach(ctx context.Context, tasks []Task) {
	if len(tasks) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	for _, task := range tasks {
		e.background.Add(1)
		go func(task Task) {
			defer e.background.Done()
			var taskErr error
			if err := invoke("background task", func() { taskErr = task(bg) }); err != nil {
				taskErr = err
			}
			if taskErr != nil && e.logger != nil {
				e.logger.WithFields(logrus.Fields{
					"action": "background_task",
				}).WithError(taskErr).Warn("background_task_failed")
			}
		}(task)
	}
}

type panicError struct {
	phase string
	value interface{}
}

func (p panicError) Error() string {
	return fmt.Sprintf("%s handler panic: %v", p.phase, p.value)
}

func invoke(phase string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{phase: phase, value: r}
		}
	}()
	fn()
	return nil
}

// awaitAll 并发执行全部任务并等待完成，返回第一个错误。
func awaitAll(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			var taskErr error
			if err := invoke("wait_until", func() { taskErr = task(ctx) }); err != nil {
				errs[i] = err
				return
			}
			errs[i] = taskErr
		}(i, task)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
