package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/asset-cache/internal/cache"
)

func TestDispatchInstallAwaitsWaitUntil(t *testing.T) {
	emitter := NewEmitter(nil)
	var finished atomic.Bool
	emitter.OnInstall(func(ev *InstallEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		})
		ev.SkipWaiting()
	})

	ev, err := emitter.DispatchInstall(context.Background())
	require.NoError(t, err)
	assert.True(t, finished.Load(), "dispatch must wait for WaitUntil tasks")
	assert.True(t, ev.SkippedWaiting())
}

func TestDispatchInstallPropagatesFirstError(t *testing.T) {
	emitter := NewEmitter(nil)
	boom := errors.New("asset fetch failed")
	emitter.OnInstall(func(ev *InstallEvent) {
		ev.WaitUntil(func(context.Context) error { return nil })
		ev.WaitUntil(func(context.Context) error { return boom })
	})

	_, err := emitter.DispatchInstall(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	emitter := NewEmitter(nil)
	emitter.OnActivate(func(*ActivateEvent) { panic("kaboom") })

	_, err := emitter.DispatchActivate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestDispatchFetchUnhandledPassesThrough(t *testing.T) {
	emitter := NewEmitter(nil)
	emitter.OnFetch(func(ev *FetchEvent) {})

	req, _ := http.NewRequest(http.MethodPost, "https://app.local/api", nil)
	resp, handled, err := emitter.DispatchFetch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Nil(t, resp)
}

func TestDispatchFetchNilResponseIsOffline(t *testing.T) {
	emitter := NewEmitter(nil)
	emitter.OnFetch(func(ev *FetchEvent) {
		ev.RespondWith(func(context.Context) (*cache.Response, error) { return nil, nil })
	})

	req, _ := http.NewRequest(http.MethodGet, "https://app.local/", nil)
	_, handled, err := emitter.DispatchFetch(context.Background(), req)
	assert.True(t, handled)
	require.ErrorIs(t, err, ErrNoResponse)
}

func TestDispatchFetchDoesNotWaitForBackgroundTasks(t *testing.T) {
	emitter := NewEmitter(nil)
	release := make(chan struct{})
	var done atomic.Bool
	emitter.OnFetch(func(ev *FetchEvent) {
		ev.RespondWith(func(ctx context.Context) (*cache.Response, error) {
			ev.WaitUntil(func(ctx context.Context) error {
				<-release
				done.Store(true)
				return nil
			})
			return &cache.Response{Status: http.StatusOK}, nil
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequest(http.MethodGet, "https://app.local/", nil)
	resp, handled, err := emitter.DispatchFetch(ctx, req)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, done.Load(), "response must not wait on background work")

	// 请求结束后后台任务仍然继续执行。
	cancel()
	close(release)
	emitter.Wait()
	assert.True(t, done.Load())
}

func TestBackgroundTaskFailureIsOnlyLogged(t *testing.T) {
	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	emitter := NewEmitter(logger)
	emitter.OnFetch(func(ev *FetchEvent) {
		ev.WaitUntil(func(context.Context) error { return errors.New("disk full") })
		ev.RespondWith(func(context.Context) (*cache.Response, error) {
			return &cache.Response{Status: http.StatusOK}, nil
		})
	})

	req, _ := http.NewRequest(http.MethodGet, "https://app.local/", nil)
	resp, _, err := emitter.DispatchFetch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)

	emitter.Wait()
	assert.Contains(t, buf.String(), "background_task_failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestRespondWithFirstCallWins(t *testing.T) {
	ev := NewFetchEvent(nil)
	ev.RespondWith(func(context.Context) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusOK}, nil
	})
	ev.RespondWith(func(context.Context) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusTeapot}, nil
	})

	resp, err := ev.Responder()(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}
