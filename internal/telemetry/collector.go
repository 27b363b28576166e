package telemetry

import (
	"context"
	"log/slog"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
	"github.com/kennethnrk/npu-supervisor/internal/executor"
)

// ContainerResolver maps a host pid to the owning container name.
type ContainerResolver interface {
	Resolve(ctx context.Context, pid int) (string, bool)
}

// CollectorConfig configures a Collector. Zero values select defaults.
type CollectorConfig struct {
	Tool               string
	PlaceholderDevices int
	Parser             *Parser
}

// Collector runs the device tool, parses its dump and attributes the
// occupying processes to containers.
type Collector struct {
	exec        executor.Executor
	resolver    ContainerResolver
	parser      *Parser
	tool        string
	placeholder int
	logger      *slog.Logger
}

func NewCollector(ex executor.Executor, resolver ContainerResolver, cfg CollectorConfig, logger *slog.Logger) *Collector {
	if cfg.Tool == "" {
		cfg.Tool = constants.DeviceTool
	}
	if cfg.PlaceholderDevices <= 0 {
		cfg.PlaceholderDevices = constants.DefaultPlaceholderDevices
	}
	if cfg.Parser == nil {
		cfg.Parser = NewParser()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		exec:        ex,
		resolver:    resolver,
		parser:      cfg.Parser,
		tool:        cfg.Tool,
		placeholder: cfg.PlaceholderDevices,
		logger:      logger,
	}
}

// Fetch returns the current device fleet. When the tool is missing or its
// output holds no devices, a placeholder fleet of unknown-health devices is
// returned instead.
func (c *Collector) Fetch(ctx context.Context) ([]Device, error) {
	snap, ok := c.Snapshot(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return PlaceholderFleet(c.placeholder), nil
	}
	return snap.Devices, nil
}

// Snapshot runs the tool once and returns the attributed parse result. The
// boolean mirrors Parser.Parse.
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, bool) {
	dump, ok := c.dump(ctx)
	if !ok {
		return Snapshot{}, false
	}

	snap, ok := c.parser.Parse(dump)
	if ok {
		c.attribute(ctx, &snap)
	}
	return snap, ok
}

func (c *Collector) dump(ctx context.Context) (string, bool) {
	if _, err := c.exec.LookPath(c.tool); err != nil {
		c.logger.Debug("device tool not found", "tool", c.tool)
		return "", false
	}
	res, err := c.exec.Run(ctx, c.tool, "info")
	if err != nil {
		c.logger.Warn("device tool failed", "tool", c.tool, "error", err)
		return "", false
	}
	if !res.Success() {
		c.logger.Debug("device tool exited non-zero", "tool", c.tool, "exit_code", res.ExitCode)
	}
	return res.Stdout, true
}

// attribute resolves each distinct pid once and copies the container name
// into the process lists and the device's embedded process.
func (c *Collector) attribute(ctx context.Context, snap *Snapshot) {
	if c.resolver == nil || len(snap.AllProcesses) == 0 {
		return
	}

	names := make(map[int]string)
	for i := range snap.AllProcesses {
		pid := snap.AllProcesses[i].PID
		name, seen := names[pid]
		if !seen {
			name, _ = c.resolver.Resolve(ctx, pid)
			names[pid] = name
		}
		snap.AllProcesses[i].Container = name
	}
	for i := range snap.Processes {
		snap.Processes[i].Container = names[snap.Processes[i].PID]
	}

	for i := range snap.Devices {
		if p := snap.Devices[i].Process; p != nil {
			p.Container = names[p.PID]
		}
	}
}

// PlaceholderFleet returns n devices with unknown health, available and idle.
func PlaceholderFleet(n int) []Device {
	devices := make([]Device, n)
	for i := range devices {
		devices[i] = Device{
			ID:         i,
			Health:     constants.DeviceHealthUnknown,
			HBMTotalMB: constants.DefaultHBMTotalMB,
			Available:  true,
		}
	}
	return devices
}
