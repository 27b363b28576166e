package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
	"github.com/kennethnrk/npu-supervisor/internal/container"
	"github.com/kennethnrk/npu-supervisor/internal/executor"
	"github.com/kennethnrk/npu-supervisor/internal/registry"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeHost scripts the commands a controller issues against one container.
type fakeHost struct {
	listening  atomic.Bool
	pid        atomic.Int64
	startErr   atomic.Bool
	checkErr   atomic.Bool
	pgrepErr   atomic.Bool
	killErr    atomic.Bool
	hangCheck  atomic.Bool
	release    chan struct{}
	mu         sync.Mutex
	kills      int
	dispatches int
}

func (h *fakeHost) handle(line string) (executor.Result, error) {
	switch {
	case strings.Contains(line, "exec -d"):
		h.mu.Lock()
		h.dispatches++
		h.mu.Unlock()
		if h.startErr.Load() {
			return executor.Result{ExitCode: 1, Stderr: "Error: No such container: c1"}, nil
		}
		return executor.Result{}, nil
	case strings.Contains(line, "ss -tln"):
		if h.hangCheck.Load() {
			<-h.release
		}
		if h.checkErr.Load() {
			return executor.Result{ExitCode: 1, Stderr: "container not running"}, nil
		}
		if h.listening.Load() {
			return executor.Result{Stdout: "State Recv-Q Send-Q Local Address:Port Peer Address:Port\nLISTEN 0 4096 0.0.0.0:9000 0.0.0.0:*\n"}, nil
		}
		return executor.Result{Stdout: "State Recv-Q Send-Q Local Address:Port Peer Address:Port\n"}, nil
	case strings.Contains(line, "pgrep"):
		if h.pgrepErr.Load() {
			return executor.Result{}, errors.New("exec failed")
		}
		if pid := h.pid.Load(); pid > 0 {
			return executor.Result{Stdout: "4242\n"}, nil
		}
		return executor.Result{}, nil
	case strings.Contains(line, "pkill"):
		h.mu.Lock()
		h.kills++
		h.mu.Unlock()
		if h.killErr.Load() {
			return executor.Result{ExitCode: 126, Stderr: "permission denied"}, nil
		}
		h.listening.Store(false)
		h.pid.Store(0)
		return executor.Result{}, nil
	}
	return executor.Result{}, nil
}

func (h *fakeHost) killCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeHost, *registry.Registry) {
	t.Helper()
	host := &fakeHost{release: make(chan struct{})}
	t.Cleanup(func() { close(host.release) })
	fake := &executor.Fake{Handler: host.handle}
	rt := container.New(fake, constants.ContainerRuntimeDocker, nil)
	reg := registry.New()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 500 * time.Millisecond
	}
	c := NewController(rt, reg, cfg, nil)
	t.Cleanup(c.Close)
	return c, host, reg
}

func startRequest() StartRequest {
	return StartRequest{
		Container: "c1",
		Command:   "serve --port 9000",
		Model:     "m1",
		Port:      9000,
		Devices:   []int{0},
	}
}

func statusOf(c *Controller, id string) constants.ServiceStatus {
	svc, _ := c.Get(id)
	return svc.Status
}

func TestStartReturnsStarting(t *testing.T) {
	c, _, _ := newTestController(t, Config{PollInterval: time.Hour, ReadyTimeout: 2 * time.Hour})

	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	assert.Equal(t, constants.ServiceStatusStarting, svc.Status)

	got, ok := c.Get(svc.ID)
	require.True(t, ok)
	assert.Equal(t, constants.ServiceStatusStarting, got.Status)
	assert.Equal(t, "c1", got.Container)
	assert.Equal(t, []int{0}, got.Devices)
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	c, _, reg := newTestController(t, Config{})

	req := startRequest()
	req.Port = 0
	_, err := c.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, reg.Len())
}

func TestWatchPromotesToRunning(t *testing.T) {
	c, host, _ := newTestController(t, Config{})

	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	host.pid.Store(4242)
	host.listening.Store(true)

	require.Eventually(t, func() bool {
		got, _ := c.Get(svc.ID)
		return got.Status == constants.ServiceStatusRunning && got.PID == 4242
	}, waitFor, tick)
	assert.Equal(t, 1, c.RunningCount())
}

func TestStartRefreshStopExample(t *testing.T) {
	c, host, _ := newTestController(t, Config{})
	ctx := context.Background()

	svc, err := c.Start(ctx, startRequest())
	require.NoError(t, err)
	require.Equal(t, constants.ServiceStatusStarting, svc.Status)

	host.listening.Store(true)
	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusRunning
	}, waitFor, tick)

	require.NoError(t, c.RefreshAll(ctx))
	assert.Equal(t, constants.ServiceStatusRunning, statusOf(c, svc.ID))

	host.listening.Store(false)
	require.NoError(t, c.RefreshAll(ctx))
	assert.Equal(t, constants.ServiceStatusStopped, statusOf(c, svc.ID))
}

func TestRefreshNeverPromotesStarting(t *testing.T) {
	c, host, _ := newTestController(t, Config{PollInterval: time.Hour, ReadyTimeout: 2 * time.Hour})
	ctx := context.Background()

	svc, err := c.Start(ctx, startRequest())
	require.NoError(t, err)

	host.listening.Store(true)
	require.NoError(t, c.RefreshAll(ctx))
	assert.Equal(t, constants.ServiceStatusStarting, statusOf(c, svc.ID))
}

func TestRefreshCheckFailureMovesToError(t *testing.T) {
	c, host, _ := newTestController(t, Config{})
	ctx := context.Background()

	svc, err := c.Start(ctx, startRequest())
	require.NoError(t, err)
	host.listening.Store(true)
	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusRunning
	}, waitFor, tick)

	host.checkErr.Store(true)
	require.NoError(t, c.Refresh(ctx, svc.ID))

	got, _ := c.Get(svc.ID)
	assert.Equal(t, constants.ServiceStatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, constants.ErrMsgPortNotChecked)
}

func TestTimeoutWithoutProcessIsError(t *testing.T) {
	c, _, _ := newTestController(t, Config{ReadyTimeout: 50 * time.Millisecond})

	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusError
	}, waitFor, tick)
	got, _ := c.Get(svc.ID)
	assert.Equal(t, constants.ErrMsgStartTimedOut, got.ErrorMessage)
}

func TestReadyAtTimeoutIsRunning(t *testing.T) {
	c, host, _ := newTestController(t, Config{PollInterval: time.Hour, ReadyTimeout: 50 * time.Millisecond})
	host.listening.Store(true)

	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusRunning
	}, waitFor, tick)
}

func TestHungCheckDoesNotOutliveTimeout(t *testing.T) {
	c, host, _ := newTestController(t, Config{PollInterval: 20 * time.Millisecond, ReadyTimeout: 100 * time.Millisecond})
	host.hangCheck.Store(true)

	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusError
	}, waitFor, tick)
	got, _ := c.Get(svc.ID)
	assert.Equal(t, constants.ErrMsgStartTimedOut, got.ErrorMessage)
}

func TestTimeoutWithUncheckableStatusIsError(t *testing.T) {
	c, host, _ := newTestController(t, Config{ReadyTimeout: 50 * time.Millisecond})
	host.pgrepErr.Store(true)

	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusError
	}, waitFor, tick)
	got, _ := c.Get(svc.ID)
	assert.Equal(t, constants.ErrMsgStatusUnknown, got.ErrorMessage)
}

func TestTimeoutWithLiveProcessStaysStarting(t *testing.T) {
	c, host, _ := newTestController(t, Config{ReadyTimeout: 50 * time.Millisecond})
	host.pid.Store(4242)

	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := c.Get(svc.ID)
		return got.PID == 4242
	}, waitFor, tick)
	assert.Equal(t, constants.ServiceStatusStarting, statusOf(c, svc.ID))
}

func TestStartDispatchFailure(t *testing.T) {
	c, host, _ := newTestController(t, Config{})
	host.startErr.Store(true)

	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	assert.Equal(t, constants.ServiceStatusError, svc.Status)
	assert.Contains(t, svc.ErrorMessage, "No such container")

	got, ok := c.Get(svc.ID)
	require.True(t, ok)
	assert.Equal(t, constants.ServiceStatusError, got.Status)
}

func TestStartRuntimeUnavailable(t *testing.T) {
	rt := container.Detect(&executor.Fake{}, "", nil)
	c := NewController(rt, registry.New(), Config{}, nil)
	t.Cleanup(c.Close)

	svc, err := c.Start(context.Background(), startRequest())
	require.ErrorIs(t, err, container.ErrRuntimeUnavailable)
	assert.NotEmpty(t, svc.ID)
	assert.Equal(t, constants.ServiceStatusError, svc.Status)
	assert.NotEmpty(t, svc.ErrorMessage)

	ok, err := c.Stop(context.Background(), svc.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, container.ErrRuntimeUnavailable)
}

func TestStopIsIdempotent(t *testing.T) {
	c, _, _ := newTestController(t, Config{PollInterval: time.Hour, ReadyTimeout: 2 * time.Hour})
	ctx := context.Background()

	svc, err := c.Start(ctx, startRequest())
	require.NoError(t, err)

	ok, err := c.Stop(ctx, svc.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, constants.ServiceStatusStopped, statusOf(c, svc.ID))

	ok, err = c.Stop(ctx, svc.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, constants.ServiceStatusStopped, statusOf(c, svc.ID))
}

func TestStopUnknown(t *testing.T) {
	c, host, _ := newTestController(t, Config{})

	ok, err := c.Stop(context.Background(), "missing")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, host.killCount())
}

func TestStopDispatchFailureLeavesState(t *testing.T) {
	c, host, _ := newTestController(t, Config{})
	ctx := context.Background()

	svc, err := c.Start(ctx, startRequest())
	require.NoError(t, err)
	host.listening.Store(true)
	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusRunning
	}, waitFor, tick)

	host.killErr.Store(true)
	ok, err := c.Stop(ctx, svc.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := c.Get(svc.ID)
	assert.Equal(t, constants.ServiceStatusRunning, got.Status)
	assert.Contains(t, got.ErrorMessage, "permission denied")
}

func TestStopDuringStartIsNotReverted(t *testing.T) {
	c, host, _ := newTestController(t, Config{})
	ctx := context.Background()

	svc, err := c.Start(ctx, startRequest())
	require.NoError(t, err)

	ok, err := c.Stop(ctx, svc.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// The port starts listening after the stop; the watch must not bring the
	// service back to running.
	host.listening.Store(true)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, constants.ServiceStatusStopped, statusOf(c, svc.ID))
}

func TestRemove(t *testing.T) {
	c, host, reg := newTestController(t, Config{})
	ctx := context.Background()

	assert.False(t, c.Remove(ctx, "missing"))
	assert.Equal(t, 0, reg.Len())

	svc, err := c.Start(ctx, startRequest())
	require.NoError(t, err)
	host.listening.Store(true)
	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusRunning
	}, waitFor, tick)

	assert.True(t, c.Remove(ctx, svc.ID))
	assert.Equal(t, 1, host.killCount())
	_, ok := c.Get(svc.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestRemoveUnknownKeepsSize(t *testing.T) {
	c, _, reg := newTestController(t, Config{PollInterval: time.Hour, ReadyTimeout: 2 * time.Hour})
	_, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	assert.False(t, c.Remove(context.Background(), "nope"))
	assert.Equal(t, 1, reg.Len())
}

func TestRemoveStartingSkipsStop(t *testing.T) {
	c, host, _ := newTestController(t, Config{PollInterval: time.Hour, ReadyTimeout: 2 * time.Hour})
	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)

	assert.True(t, c.Remove(context.Background(), svc.ID))
	assert.Equal(t, 0, host.killCount())
}

func TestCloseStopsWatches(t *testing.T) {
	c, _, _ := newTestController(t, Config{PollInterval: time.Hour, ReadyTimeout: 2 * time.Hour})
	for i := 0; i < 5; i++ {
		_, err := c.Start(context.Background(), startRequest())
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close() did not return")
	}
}

func TestRunRefreshLoopStopsWithContext(t *testing.T) {
	c, host, _ := newTestController(t, Config{})
	svc, err := c.Start(context.Background(), startRequest())
	require.NoError(t, err)
	host.listening.Store(true)
	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusRunning
	}, waitFor, tick)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunRefreshLoop(ctx, 10*time.Millisecond)
		close(done)
	}()

	host.listening.Store(false)
	require.Eventually(t, func() bool {
		return statusOf(c, svc.ID) == constants.ServiceStatusStopped
	}, waitFor, tick)

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("RunRefreshLoop() did not return after cancel")
	}
}
