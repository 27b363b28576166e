// Package telemetry turns npu-smi text dumps into device and process records.
package telemetry

// OccupyingProcess is a process the device tool reports as holding a device.
type OccupyingProcess struct {
	DeviceID  int    `json:"device_id"`
	PID       int    `json:"pid"`
	Name      string `json:"name"`
	MemoryMB  int    `json:"memory_mb"`
	Container string `json:"container,omitempty"` // empty when attribution failed
}

// Device is one accelerator as seen in a single snapshot.
type Device struct {
	ID          int               `json:"id"`
	Health      string            `json:"health"`
	Utilization int               `json:"utilization"`
	HBMUsedMB   int               `json:"hbm_used"`
	HBMTotalMB  int               `json:"hbm_total"`
	Power       float64           `json:"power"`
	Temperature int               `json:"temperature"`
	Available   bool              `json:"available"`
	Occupied    bool              `json:"occupied"`
	Process     *OccupyingProcess `json:"process,omitempty"`
}

// Snapshot is the result of parsing one dump. Devices are ordered by ID and
// Processes, one per device, by device ID. AllProcesses keeps every process
// row in dump order, including several on the same device.
type Snapshot struct {
	Devices      []Device           `json:"devices"`
	Processes    []OccupyingProcess `json:"processes"`
	AllProcesses []OccupyingProcess `json:"all_processes"`
}
