// Package discovery finds inference servers already running on the host's
// devices, including ones the supervisor did not start.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
	"github.com/kennethnrk/npu-supervisor/internal/container"
	"github.com/kennethnrk/npu-supervisor/internal/executor"
	"github.com/kennethnrk/npu-supervisor/internal/telemetry"
)

var portFlagPattern = regexp.MustCompile(`--port[ =](\d+)`)

// Service describes one discovered server, grouped per container.
type Service struct {
	Container   string `json:"container"`
	PID         int    `json:"pid"`
	ProcessName string `json:"process_name"`
	Devices     []int  `json:"npu_devices"`
	Port        int    `json:"port"`
	MemoryMB    int    `json:"memory_mb"`
}

// SnapshotSource yields attributed device snapshots.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (telemetry.Snapshot, bool)
}

// Runtime is the subset of the container runtime discovery needs.
type Runtime interface {
	Exec(ctx context.Context, containerName, script string, detach bool) (executor.Result, error)
	PortMappings(ctx context.Context, containerName string) ([]container.PortMapping, error)
	ListeningPorts(ctx context.Context, containerName string) ([]int, error)
}

// Owners maps a host pid to the name of the container it runs in.
type Owners interface {
	Resolve(ctx context.Context, pid int) (string, bool)
}

// Config tunes discovery. Zero values select defaults.
type Config struct {
	ProcessPattern string
	CommonPorts    []int
	DefaultPort    int
}

type Discoverer struct {
	source  SnapshotSource
	runtime Runtime
	owners  Owners
	cfg     Config
	logger  *slog.Logger

	// host process hooks, replaced in tests
	cmdline func(ctx context.Context, pid int32) (string, error)
	kill    func(ctx context.Context, pid int32) error
}

// New builds a Discoverer. owners may be nil, in which case host pids are
// never signalled directly.
func New(source SnapshotSource, rt Runtime, owners Owners, cfg Config, logger *slog.Logger) *Discoverer {
	if cfg.ProcessPattern == "" {
		cfg.ProcessPattern = constants.ServiceProcessPattern
	}
	if len(cfg.CommonPorts) == 0 {
		cfg.CommonPorts = constants.CommonServicePorts
	}
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = constants.DefaultServicePort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		source:  source,
		runtime: rt,
		owners:  owners,
		cfg:     cfg,
		logger:  logger,
		cmdline: hostCmdline,
		kill:    hostKill,
	}
}

func hostCmdline(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.CmdlineWithContext(ctx)
}

func hostKill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// Discover lists matching device processes that belong to a container,
// merged per container: every process row counts, device ids are collected,
// memory is summed and the first pid is kept.
func (d *Discoverer) Discover(ctx context.Context) ([]Service, error) {
	snap, _ := d.source.Snapshot(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pattern := strings.ToLower(d.cfg.ProcessPattern)
	var services []*Service
	byContainer := make(map[string]*Service)

	for _, proc := range snap.AllProcesses {
		if proc.Container == "" || !strings.Contains(strings.ToLower(proc.Name), pattern) {
			continue
		}

		if svc, ok := byContainer[proc.Container]; ok {
			if !slices.Contains(svc.Devices, proc.DeviceID) {
				svc.Devices = append(svc.Devices, proc.DeviceID)
			}
			svc.MemoryMB += proc.MemoryMB
			continue
		}

		svc := &Service{
			Container:   proc.Container,
			PID:         proc.PID,
			ProcessName: proc.Name,
			Devices:     []int{proc.DeviceID},
			MemoryMB:    proc.MemoryMB,
		}
		svc.Port = d.inferPort(ctx, proc.Container, proc.PID)
		byContainer[proc.Container] = svc
		services = append(services, svc)
	}

	out := make([]Service, len(services))
	for i, svc := range services {
		out[i] = *svc
	}
	return out, nil
}

// inferPort tries, in order: the host process command line, the server
// command line inside the container, the container's published ports, and
// the common serving ports. It falls back to the default port.
func (d *Discoverer) inferPort(ctx context.Context, containerName string, pid int) int {
	logger := d.logger.With("container", containerName, "pid", pid)

	if cmd, err := d.cmdline(ctx, int32(pid)); err == nil {
		if port, ok := portFromCmdline(cmd); ok {
			return port
		}
	} else {
		logger.Debug("host cmdline unavailable", "error", err)
	}

	script := fmt.Sprintf("ps aux | grep '%s serve' | head -1", container.ExclusivePattern(d.cfg.ProcessPattern))
	if res, err := d.runtime.Exec(ctx, containerName, script, false); err == nil {
		if port, ok := portFromCmdline(res.Stdout); ok {
			return port
		}
	}

	if mappings, err := d.runtime.PortMappings(ctx, containerName); err == nil && len(mappings) > 0 {
		return mappings[0].HostPort
	}

	if listening, err := d.runtime.ListeningPorts(ctx, containerName); err == nil {
		for _, p := range d.cfg.CommonPorts {
			if slices.Contains(listening, p) {
				return p
			}
		}
	}

	return d.cfg.DefaultPort
}

func portFromCmdline(cmd string) (int, bool) {
	m := portFlagPattern.FindStringSubmatch(cmd)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// Kill terminates a discovered server. A positive pid is signalled on the
// host only when it is attributed to containerName; otherwise, or when that
// fails, every matching process inside the container is killed.
func (d *Discoverer) Kill(ctx context.Context, containerName string, pid int) error {
	logger := d.logger.With("container", containerName, "pid", pid)

	if pid > 0 && d.ownedBy(ctx, containerName, pid) {
		err := d.kill(ctx, int32(pid))
		if err == nil {
			logger.Info("killed discovered service")
			return nil
		}
		logger.Warn("host kill failed, falling back to container pkill", "error", err)
	} else if pid > 0 {
		logger.Warn("pid is not attributed to container, killing inside the container instead")
	}

	script := fmt.Sprintf("pkill -9 -f '%s'", container.ExclusivePattern(d.cfg.ProcessPattern))
	if _, err := d.runtime.Exec(ctx, containerName, script, false); err != nil {
		return fmt.Errorf("kill %s in %s: %w", d.cfg.ProcessPattern, containerName, err)
	}
	logger.Info("killed discovered service in container")
	return nil
}

func (d *Discoverer) ownedBy(ctx context.Context, containerName string, pid int) bool {
	if d.owners == nil || containerName == "" {
		return false
	}
	owner, ok := d.owners.Resolve(ctx, pid)
	return ok && owner == containerName
}
