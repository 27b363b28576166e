package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kennethnrk/npu-supervisor/internal/container"
)

// processPattern builds a pgrep/pkill pattern for a process started with
// --port <port>.
func processPattern(name string, port int) string {
	return fmt.Sprintf("%s.*--port[ =]%d( |$)", container.ExclusivePattern(name), port)
}

func findProcessScript(name string, port int) string {
	return fmt.Sprintf("pgrep -f '%s' || true", processPattern(name, port))
}

func killScript(name string, port int) string {
	return fmt.Sprintf("pkill -f '%s' || kill -9 $(lsof -t -i:%d) 2>/dev/null || true", processPattern(name, port), port)
}

// firstPID returns the first pid in pgrep output, or 0.
func firstPID(output string) int {
	for _, line := range strings.Split(output, "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}
