package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/kennethnrk/npu-supervisor/internal/executor"
)

type countingResolver struct {
	names map[int]string
	calls map[int]int
}

func (r *countingResolver) Resolve(ctx context.Context, pid int) (string, bool) {
	if r.calls == nil {
		r.calls = make(map[int]int)
	}
	r.calls[pid]++
	name, ok := r.names[pid]
	return name, ok
}

func toolExecutor(dump string, err error) *executor.Fake {
	return &executor.Fake{
		Paths: map[string]string{"npu-smi": "/usr/local/bin/npu-smi"},
		Handler: func(line string) (executor.Result, error) {
			if line != "npu-smi info" {
				return executor.Result{}, errors.New("unexpected command " + line)
			}
			return executor.Result{Stdout: dump}, err
		},
	}
}

func TestFetchPlaceholderWhenToolMissing(t *testing.T) {
	c := NewCollector(&executor.Fake{}, nil, CollectorConfig{}, nil)

	devices, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(devices) != 8 {
		t.Fatalf("Fetch() devices = %d, want 8 placeholders", len(devices))
	}
	for i, d := range devices {
		if d.ID != i || d.Health != "Unknown" || !d.Available || d.Occupied || d.HBMTotalMB != 65536 {
			t.Fatalf("Fetch() placeholder[%d] = %+v", i, d)
		}
	}
}

func TestFetchPlaceholderWhenNoData(t *testing.T) {
	c := NewCollector(toolExecutor("npu-smi: driver not loaded\n", nil), nil, CollectorConfig{PlaceholderDevices: 4}, nil)

	devices, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(devices) != 4 {
		t.Fatalf("Fetch() devices = %d, want 4 placeholders", len(devices))
	}
}

func TestFetchPlaceholderWhenDispatchFails(t *testing.T) {
	c := NewCollector(toolExecutor("", errors.New("fork failed")), nil, CollectorConfig{}, nil)

	devices, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(devices) != 8 || devices[0].Health != "Unknown" {
		t.Fatalf("Fetch() = %+v, want placeholders", devices)
	}
}

func TestFetchAttributesProcesses(t *testing.T) {
	resolver := &countingResolver{names: map[int]string{4242: "vllm-a"}}
	c := NewCollector(toolExecutor(twoDeviceDump, nil), resolver, CollectorConfig{}, nil)

	devices, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("Fetch() devices = %d, want 3", len(devices))
	}
	if devices[0].Process == nil || devices[0].Process.Container != "vllm-a" {
		t.Fatalf("Fetch() device 0 process = %+v, want container vllm-a", devices[0].Process)
	}
	if resolver.calls[4242] != 1 {
		t.Fatalf("Resolve(4242) calls = %d, want 1", resolver.calls[4242])
	}
}

func TestSnapshotResolvesEachPidOnce(t *testing.T) {
	dump := "| 0  910B3 | OK | 90.0  40 |\n" +
		"| 1  910B3 | OK | 90.0  40 |\n" +
		"| NPU Chip | Process id | Process name | Process memory(MB) |\n" +
		"| 0  0 | 777 | vllm | 10 |\n" +
		"| 1  0 | 777 | vllm | 20 |\n"
	resolver := &countingResolver{}
	c := NewCollector(toolExecutor(dump, nil), resolver, CollectorConfig{}, nil)

	snap, ok := c.Snapshot(context.Background())
	if !ok || len(snap.Processes) != 2 {
		t.Fatalf("Snapshot() = %+v, %v", snap, ok)
	}
	if resolver.calls[777] != 1 {
		t.Fatalf("Resolve(777) calls = %d, want 1 per snapshot", resolver.calls[777])
	}
	if snap.Processes[0].Container != "" {
		t.Fatalf("Snapshot() container = %q, want empty on attribution miss", snap.Processes[0].Container)
	}
}

func TestSnapshotSkipsAttributionWithoutDevices(t *testing.T) {
	dump := "| NPU Chip | Process id | Process name | Process memory(MB) |\n" +
		"| 0  0 | 4242 | vllm | 54000 |\n"
	resolver := &countingResolver{names: map[int]string{4242: "vllm-a"}}
	c := NewCollector(toolExecutor(dump, nil), resolver, CollectorConfig{}, nil)

	if _, ok := c.Snapshot(context.Background()); ok {
		t.Fatalf("Snapshot() ok = true, want false")
	}
	if len(resolver.calls) != 0 {
		t.Fatalf("Resolve() calls = %v, want none", resolver.calls)
	}
}
