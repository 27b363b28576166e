package registry

import (
	"slices"
	"time"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
)

// Service is one supervised inference process running inside a container.
type Service struct {
	ID           string                  `json:"id"`
	Container    string                  `json:"container"`
	Model        string                  `json:"model"`
	Port         int                     `json:"port"`
	Devices      []int                   `json:"npu_devices"`
	Status       constants.ServiceStatus `json:"status"`
	StartTime    time.Time               `json:"start_time"`
	Command      string                  `json:"command"`
	PID          int                     `json:"pid,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

func (s Service) clone() Service {
	s.Devices = slices.Clone(s.Devices)
	return s
}

// transitions lists the allowed status changes. stopped and error have no
// outgoing edges.
var transitions = map[constants.ServiceStatus][]constants.ServiceStatus{
	constants.ServiceStatusStarting: {
		constants.ServiceStatusRunning,
		constants.ServiceStatusError,
		constants.ServiceStatusStopped,
	},
	constants.ServiceStatusRunning: {
		constants.ServiceStatusStopped,
		constants.ServiceStatusError,
	},
}

// CanTransition reports whether a service may move from one status to another.
func CanTransition(from, to constants.ServiceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
