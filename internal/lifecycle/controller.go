// Package lifecycle drives supervised services through their state machine:
// detached start, readiness watch, refresh, stop and removal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
	"github.com/kennethnrk/npu-supervisor/internal/container"
	"github.com/kennethnrk/npu-supervisor/internal/executor"
	"github.com/kennethnrk/npu-supervisor/internal/registry"
)

var ErrInvalidRequest = errors.New("invalid start request")

// ContainerExec runs commands inside containers.
type ContainerExec interface {
	Exec(ctx context.Context, containerName, script string, detach bool) (executor.Result, error)
	ListeningPorts(ctx context.Context, containerName string) ([]int, error)
}

// Config tunes the readiness watch. Zero values select defaults.
type Config struct {
	PollInterval   time.Duration
	ReadyTimeout   time.Duration
	ProcessPattern string
}

// StartRequest describes a service to launch.
type StartRequest struct {
	Container string
	Command   string
	Model     string
	Port      int
	Devices   []int
}

// Controller owns the lifecycle of every service in its registry.
type Controller struct {
	runtime  ContainerExec
	registry *registry.Registry
	cfg      Config
	logger   *slog.Logger

	// watches run under ctx so Close can stop them; request contexts end
	// long before a watch does.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(rt ContainerExec, reg *registry.Registry, cfg Config, logger *slog.Logger) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultReadyPollInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = constants.DefaultReadyTimeout
	}
	if cfg.ProcessPattern == "" {
		cfg.ProcessPattern = constants.ServiceProcessPattern
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		runtime:  rt,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers a new service, launches its command detached inside the
// container and schedules the readiness watch. It returns without waiting
// for readiness. If the launch cannot be dispatched the service is returned
// in error state; the error is non-nil only when no container runtime is
// available.
func (c *Controller) Start(ctx context.Context, req StartRequest) (registry.Service, error) {
	if req.Container == "" || req.Command == "" || req.Port <= 0 || req.Port > 65535 {
		return registry.Service{}, fmt.Errorf("%w: container, command and a valid port are required", ErrInvalidRequest)
	}

	if req.Devices == nil {
		req.Devices = []int{}
	}
	svc := c.registry.Create(registry.Service{
		Container: req.Container,
		Command:   req.Command,
		Model:     req.Model,
		Port:      req.Port,
		Devices:   req.Devices,
	})
	logger := c.logger.With("service", svc.ID, "container", svc.Container, "port", svc.Port)

	if _, err := c.runtime.Exec(ctx, svc.Container, svc.Command, true); err != nil {
		logger.Error("failed to dispatch service start", "error", err)
		if errored, terr := c.registry.Transition(svc.ID, constants.ServiceStatusError, err.Error()); terr == nil {
			svc = errored
		}
		if errors.Is(err, container.ErrRuntimeUnavailable) {
			return svc, err
		}
		return svc, nil
	}

	logger.Info("service start dispatched", "model", svc.Model)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch(svc.ID, svc.Container, svc.Port)
	}()
	return svc, nil
}

// watch polls until the service's port is listening or the ready timeout
// passes. It is the only writer of starting -> running and of the timeout
// transition to error. Checks run under the ready timeout so a hung
// runtime call cannot hold the watch past it.
func (c *Controller) watch(id, containerName string, port int) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.ctx.Err() != nil {
				return
			}
			c.finishWatch(id, containerName, port)
			return
		case <-ticker.C:
		}

		if c.checkReady(ctx, id, containerName, port) {
			return
		}
	}
}

// checkReady promotes the service once its port is listening. It reports
// whether the watch is over.
func (c *Controller) checkReady(ctx context.Context, id, containerName string, port int) bool {
	logger := c.logger.With("service", id, "container", containerName, "port", port)

	if !c.stillStarting(id) {
		logger.Debug("readiness watch ended early")
		return true
	}

	listening, err := c.portListening(ctx, containerName, port)
	if err != nil {
		logger.Debug("readiness check failed", "error", err)
		return false
	}
	if !listening {
		return false
	}

	if _, err := c.registry.Transition(id, constants.ServiceStatusRunning, ""); err != nil {
		logger.Debug("service left starting before it became ready", "error", err)
		return true
	}
	logger.Info("service is running")
	c.recordPID(ctx, id, containerName, port)
	return true
}

// finishWatch runs once the ready timeout has passed: a last readiness
// check, then the live-process check. Each call gets one poll interval.
func (c *Controller) finishWatch(id, containerName string, port int) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PollInterval)
	ready := c.checkReady(ctx, id, containerName, port)
	cancel()
	if ready {
		return
	}
	logger := c.logger.With("service", id, "container", containerName, "port", port)

	ctx, cancel = context.WithTimeout(c.ctx, c.cfg.PollInterval)
	defer cancel()
	pid, err := c.findPID(ctx, containerName, port)
	switch {
	case err != nil:
		if c.ctx.Err() != nil {
			return
		}
		logger.Warn("service status check failed after ready timeout", "error", err)
		c.transitionQuietly(id, constants.ServiceStatusError, constants.ErrMsgStatusUnknown)
	case pid == 0:
		logger.Warn("service did not become ready", "timeout", c.cfg.ReadyTimeout)
		c.transitionQuietly(id, constants.ServiceStatusError, constants.ErrMsgStartTimedOut)
	default:
		// Process alive but never listened; left in starting.
		logger.Warn("service process alive but port not listening after ready timeout", "pid", pid)
		c.registry.Update(id, func(s *registry.Service) error {
			s.PID = pid
			return nil
		})
	}
}

func (c *Controller) stillStarting(id string) bool {
	svc, ok := c.registry.Get(id)
	return ok && svc.Status == constants.ServiceStatusStarting
}

func (c *Controller) transitionQuietly(id string, to constants.ServiceStatus, msg string) {
	if _, err := c.registry.Transition(id, to, msg); err != nil {
		c.logger.Debug("status transition skipped", "service", id, "to", to, "error", err)
	}
}

func (c *Controller) recordPID(ctx context.Context, id, containerName string, port int) {
	pid, err := c.findPID(ctx, containerName, port)
	if err != nil || pid == 0 {
		return
	}
	c.registry.Update(id, func(s *registry.Service) error {
		s.PID = pid
		return nil
	})
}

func (c *Controller) portListening(ctx context.Context, containerName string, port int) (bool, error) {
	ports, err := c.runtime.ListeningPorts(ctx, containerName)
	if err != nil {
		return false, err
	}
	return slices.Contains(ports, port), nil
}

func (c *Controller) findPID(ctx context.Context, containerName string, port int) (int, error) {
	res, err := c.runtime.Exec(ctx, containerName, findProcessScript(c.cfg.ProcessPattern, port), false)
	if err != nil {
		return 0, err
	}
	return firstPID(res.Stdout), nil
}

// Stop kills the process bound to the service's port. Once the kill was
// dispatched the service is stopped; services already stopped or errored
// keep their state. Unknown ids return false.
func (c *Controller) Stop(ctx context.Context, id string) (bool, error) {
	svc, ok := c.registry.Get(id)
	if !ok {
		return false, nil
	}
	logger := c.logger.With("service", id, "container", svc.Container, "port", svc.Port)

	if _, err := c.runtime.Exec(ctx, svc.Container, killScript(c.cfg.ProcessPattern, svc.Port), false); err != nil {
		logger.Error("failed to stop service", "error", err)
		c.registry.Update(id, func(s *registry.Service) error {
			s.ErrorMessage = err.Error()
			return nil
		})
		if errors.Is(err, container.ErrRuntimeUnavailable) {
			return false, err
		}
		return false, nil
	}

	if svc.Status.IsTerminal() {
		return true, nil
	}
	if _, err := c.registry.Transition(id, constants.ServiceStatusStopped, ""); err != nil {
		// Removed or moved to a terminal state concurrently.
		logger.Debug("stop transition skipped", "error", err)
		return true, nil
	}
	logger.Info("service stopped")
	return true, nil
}

// Remove stops a running service and deletes it from the registry. It
// returns false only for unknown ids.
func (c *Controller) Remove(ctx context.Context, id string) bool {
	svc, ok := c.registry.Get(id)
	if !ok {
		return false
	}
	if svc.Status == constants.ServiceStatusRunning {
		if stopped, err := c.Stop(ctx, id); !stopped {
			c.logger.Warn("removing service that failed to stop", "service", id, "error", err)
		}
	}
	c.registry.Delete(id)
	c.logger.Info("service removed", "service", id)
	return true
}

// Refresh re-checks one running service and demotes it to stopped when its
// port is no longer listening. It never promotes a service. A failed check
// moves the service to error; only ErrRuntimeUnavailable is returned.
func (c *Controller) Refresh(ctx context.Context, id string) error {
	svc, ok := c.registry.Get(id)
	if !ok || svc.Status != constants.ServiceStatusRunning {
		return nil
	}
	logger := c.logger.With("service", id, "container", svc.Container, "port", svc.Port)

	listening, err := c.portListening(ctx, svc.Container, svc.Port)
	if err != nil {
		if errors.Is(err, container.ErrRuntimeUnavailable) || ctx.Err() != nil {
			return err
		}
		logger.Warn("service port check failed", "error", err)
		c.transitionQuietly(id, constants.ServiceStatusError, fmt.Sprintf("%s: %v", constants.ErrMsgPortNotChecked, err))
		return nil
	}
	if !listening {
		logger.Info("service port no longer listening")
		c.transitionQuietly(id, constants.ServiceStatusStopped, "")
	}
	return nil
}

// RefreshAll refreshes every tracked service.
func (c *Controller) RefreshAll(ctx context.Context) error {
	for _, svc := range c.registry.ListByStatus(constants.ServiceStatusRunning, constants.ServiceStatusStarting) {
		if err := c.Refresh(ctx, svc.ID); err != nil {
			return err
		}
	}
	return nil
}

// RunRefreshLoop calls RefreshAll immediately and then on every interval
// until ctx is done.
func (c *Controller) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	c.logger.Info("service refresh loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.RefreshAll(ctx); err != nil {
		c.logger.Warn("initial service refresh failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshAll(ctx); err != nil {
				c.logger.Warn("service refresh failed", "error", err)
			}
		}
	}
}

func (c *Controller) Get(id string) (registry.Service, bool) {
	return c.registry.Get(id)
}

func (c *Controller) List() []registry.Service {
	return c.registry.List()
}

func (c *Controller) RunningCount() int {
	return c.registry.RunningCount()
}

// Close cancels in-flight readiness watches and waits for them to exit.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}
