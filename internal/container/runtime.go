// Package container wraps the container runtime CLI (docker, podman or
// nerdctl) behind the handful of operations the supervisor needs.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
	"github.com/kennethnrk/npu-supervisor/internal/executor"
)

var ErrRuntimeUnavailable = errors.New("no container runtime available")

// CommandError reports a runtime command that was dispatched but failed.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, msg)
}

// PortMapping is one published TCP port of a container.
type PortMapping struct {
	ContainerPort int `json:"container_port"`
	HostPort      int `json:"host_port"`
}

var portMappingPattern = regexp.MustCompile(`(\d+)/tcp\s*->\s*0\.0\.0\.0:(\d+)`)

// Runtime issues commands through one container runtime binary.
type Runtime struct {
	name   constants.ContainerRuntime
	exec   executor.Executor
	logger *slog.Logger
}

// Detect returns a Runtime bound to the first runtime found on PATH, or to
// override when set. The returned Runtime is never nil; when nothing was
// found every operation fails with ErrRuntimeUnavailable.
func Detect(ex executor.Executor, override string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{exec: ex, logger: logger}

	candidates := constants.ContainerRuntimes
	if override != "" {
		candidates = []constants.ContainerRuntime{constants.ContainerRuntime(override)}
	}
	for _, c := range candidates {
		if _, err := ex.LookPath(string(c)); err == nil {
			r.name = c
			logger.Info("container runtime detected", "runtime", c)
			return r
		}
	}
	logger.Warn("no container runtime found", "candidates", candidates)
	return r
}

// New binds a Runtime to an explicit runtime binary without probing PATH.
func New(ex executor.Executor, name constants.ContainerRuntime, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{name: name, exec: ex, logger: logger}
}

func (r *Runtime) Name() constants.ContainerRuntime {
	return r.name
}

func (r *Runtime) Available() bool {
	return r.name != ""
}

// run dispatches one runtime subcommand. A non-zero exit is returned as a
// *CommandError together with the captured result.
func (r *Runtime) run(ctx context.Context, args ...string) (executor.Result, error) {
	if !r.Available() {
		return executor.Result{}, ErrRuntimeUnavailable
	}
	res, err := r.exec.Run(ctx, string(r.name), args...)
	if err != nil {
		return res, fmt.Errorf("dispatch %s %s: %w", r.name, args[0], err)
	}
	if !res.Success() {
		return res, &CommandError{
			Command:  executor.CommandLine(string(r.name), args...),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

// Exec runs script through bash inside the container. With detach set the
// runtime returns as soon as the process is launched.
func (r *Runtime) Exec(ctx context.Context, containerName, script string, detach bool) (executor.Result, error) {
	args := []string{"exec"}
	if detach {
		args = append(args, "-d")
	}
	args = append(args, containerName, "bash", "-c", script)
	return r.run(ctx, args...)
}

// InspectName returns the human-readable name bound to a container id.
func (r *Runtime) InspectName(ctx context.Context, id string) (string, error) {
	res, err := r.run(ctx, "inspect", "--format", "{{.Name}}", id)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(strings.TrimSpace(res.Stdout), "/"), nil
}

// PortMappings lists the TCP ports the container publishes on all interfaces.
func (r *Runtime) PortMappings(ctx context.Context, containerName string) ([]PortMapping, error) {
	res, err := r.run(ctx, "port", containerName)
	if err != nil {
		return nil, err
	}
	var mappings []PortMapping
	for _, m := range portMappingPattern.FindAllStringSubmatch(res.Stdout, -1) {
		cport, _ := strconv.Atoi(m[1])
		hport, _ := strconv.Atoi(m[2])
		mappings = append(mappings, PortMapping{ContainerPort: cport, HostPort: hport})
	}
	return mappings, nil
}

// Logs returns the last lines of the container's combined output.
func (r *Runtime) Logs(ctx context.Context, containerName string, lines int) (string, error) {
	res, err := r.run(ctx, "logs", "--tail", strconv.Itoa(lines), containerName)
	if err != nil {
		return "", err
	}
	return res.Stdout + res.Stderr, nil
}
