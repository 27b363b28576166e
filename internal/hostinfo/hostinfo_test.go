package hostinfo

import (
	"context"
	"runtime"
	"testing"
)

func TestCollect(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("host probes only exercised on linux and darwin")
	}
	info := Collect(context.Background(), nil)

	if info.CPUCount <= 0 {
		t.Fatalf("Collect() CPUCount = %d, want > 0", info.CPUCount)
	}
	if info.Memory.Total <= 0 {
		t.Fatalf("Collect() Memory.Total = %d, want > 0", info.Memory.Total)
	}
	if info.Memory.Used > info.Memory.Total {
		t.Fatalf("Collect() Memory.Used = %d exceeds Total %d", info.Memory.Used, info.Memory.Total)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Must not panic; fields may or may not be populated.
	_ = Collect(ctx, nil)
}
