package container

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

// listenScript prints the listening TCP sockets inside a container. The
// trailing "|| true" keeps a missing ss/netstat from looking like a failed
// dispatch.
const listenScript = "ss -tln 2>/dev/null || netstat -tln 2>/dev/null || true"

// ListeningPorts returns the TCP ports with a listening socket inside the
// container.
func (r *Runtime) ListeningPorts(ctx context.Context, containerName string) ([]int, error) {
	res, err := r.Exec(ctx, containerName, listenScript, false)
	if err != nil {
		return nil, err
	}
	return ParseListeningPorts(res.Stdout), nil
}

// ParseListeningPorts reads `ss -tln` or `netstat -tln` output. Both put the
// local address in the fourth column.
func ParseListeningPorts(output string) []int {
	seen := make(map[int]bool)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if fields[0] != "LISTEN" && !strings.HasPrefix(fields[0], "tcp") {
			continue
		}
		local := fields[3]
		idx := strings.LastIndex(local, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(local[idx+1:])
		if err != nil || port <= 0 {
			continue
		}
		seen[port] = true
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
