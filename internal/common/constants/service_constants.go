package constants

import "time"

type ServiceStatus string

const (
	ServiceStatusStarting ServiceStatus = "starting"
	ServiceStatusRunning  ServiceStatus = "running"
	ServiceStatusStopped  ServiceStatus = "stopped"
	ServiceStatusError    ServiceStatus = "error"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s ServiceStatus) IsTerminal() bool {
	return s == ServiceStatusStopped || s == ServiceStatusError
}

const (
	ServiceIDLength = 8

	DefaultReadyPollInterval = 5 * time.Second
	DefaultReadyTimeout      = 120 * time.Second
	DefaultRefreshInterval   = 30 * time.Second
	DefaultServicePort       = 8000

	ServiceProcessPattern = "vllm"
)

const (
	ErrMsgStartTimedOut  = "start timed out or process exited"
	ErrMsgStatusUnknown  = "unable to determine service status"
	ErrMsgPortNotChecked = "unable to check service port"
)

// CommonServicePorts are probed when no explicit port can be inferred for a
// discovered service.
var CommonServicePorts = []int{8000, 8001, 8002, 8003, 9000, 9001, 9002, 9003}
