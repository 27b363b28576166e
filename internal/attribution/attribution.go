// Package attribution maps host process ids to the containers that own them.
package attribution

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
)

var (
	// systemd cgroup driver: ".../docker-<id>.scope" (libpod for podman).
	scopePattern = regexp.MustCompile(`(?:docker|libpod)-([a-f0-9]{12,})\.scope`)
	// cgroupfs driver: ".../docker/<id>" or ".../docker/<id>/...".
	pathPattern = regexp.MustCompile(`/docker/([a-f0-9]{12,})(?:/|$)`)
)

// NameInspector resolves a container id to its name.
type NameInspector interface {
	InspectName(ctx context.Context, id string) (string, error)
}

// Resolver reads /proc/<pid>/cgroup and asks the runtime for the name of the
// container found there.
type Resolver struct {
	procRoot  string
	inspector NameInspector
	logger    *slog.Logger
}

// NewResolver creates a Resolver. procRoot defaults to /proc.
func NewResolver(inspector NameInspector, procRoot string, logger *slog.Logger) *Resolver {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{procRoot: procRoot, inspector: inspector, logger: logger}
}

// Resolve returns the owning container's name. A process that is not in a
// container, has exited, or whose container cannot be inspected yields
// ("", false).
func (r *Resolver) Resolve(ctx context.Context, pid int) (string, bool) {
	if pid <= 0 {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(r.procRoot, strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return "", false
	}

	id, ok := ContainerIDFromCgroup(string(data))
	if !ok {
		return "", false
	}

	name, err := r.inspector.InspectName(ctx, id)
	if err != nil {
		r.logger.Debug("container inspect failed", "pid", pid, "container_id", id, "error", err)
		return "", false
	}
	if name == "" {
		return "", false
	}
	return name, true
}

// ContainerIDFromCgroup extracts the short container id from the contents of
// a cgroup membership file.
func ContainerIDFromCgroup(data string) (string, bool) {
	var id string
	if m := scopePattern.FindStringSubmatch(data); m != nil {
		id = m[1]
	} else {
		for _, line := range strings.Split(data, "\n") {
			if m := pathPattern.FindStringSubmatch(line); m != nil {
				id = m[1]
				break
			}
		}
	}
	if id == "" {
		return "", false
	}
	if len(id) > constants.ContainerIDShortLength {
		id = id[:constants.ContainerIDShortLength]
	}
	return id, true
}
