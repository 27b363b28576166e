package telemetry

import (
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
)

// hbmPairPattern matches "used / total" pairs such as "57369/ 65536".
var hbmPairPattern = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)

// Parser recognises the row shapes of npu-smi info output.
type Parser struct {
	// ModelTokens identify a device header row.
	ModelTokens []string
	// HealthyIndicators are the health values that make a device available.
	HealthyIndicators []string
}

// NewParser returns a Parser with the default model tokens and health values.
func NewParser() *Parser {
	return &Parser{
		ModelTokens:       constants.DefaultDeviceModelTokens,
		HealthyIndicators: constants.DefaultHealthyDeviceIndicators,
	}
}

// Parse parses a dump with the default Parser.
func Parse(dump string) (Snapshot, bool) {
	return NewParser().Parse(dump)
}

// Parse splits the dump into its device and process sections and extracts
// whatever rows it recognises. Unrecognised lines are skipped. The boolean is
// false when the device section yielded no devices at all, which callers
// treat as "no data" rather than "no devices"; the snapshot is then empty.
func (p *Parser) Parse(dump string) (Snapshot, bool) {
	devices := make(map[int]*Device)
	processes := make(map[int]OccupyingProcess)
	var rows []OccupyingProcess

	inProcessSection := false
	current := -1

	for _, line := range strings.Split(dump, "\n") {
		if strings.Contains(line, "Process id") && strings.Contains(line, "Process name") {
			inProcessSection = true
			continue
		}
		if !strings.Contains(line, "|") {
			continue
		}

		if inProcessSection {
			if proc, ok := parseProcessRow(line); ok {
				processes[proc.DeviceID] = proc
				rows = append(rows, proc)
			}
			continue
		}

		if p.isHeaderRow(line) {
			if dev, ok := parseHeaderRow(line); ok {
				dev.Available = slices.Contains(p.HealthyIndicators, dev.Health)
				devices[dev.ID] = &dev
				current = dev.ID
			}
			continue
		}

		if strings.Contains(line, constants.DeviceBusAddressToken) && current >= 0 {
			parseMetricsRow(line, devices[current])
		}
	}

	if len(devices) == 0 {
		return Snapshot{}, false
	}

	snap := Snapshot{AllProcesses: rows}
	for _, dev := range devices {
		if proc, ok := processes[dev.ID]; ok {
			dev.Occupied = true
			dev.Process = &proc
		}
		snap.Devices = append(snap.Devices, *dev)
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })

	for _, proc := range processes {
		snap.Processes = append(snap.Processes, proc)
	}
	sort.Slice(snap.Processes, func(i, j int) bool { return snap.Processes[i].DeviceID < snap.Processes[j].DeviceID })

	return snap, true
}

func (p *Parser) isHeaderRow(line string) bool {
	for _, tok := range p.ModelTokens {
		if strings.Contains(line, tok) {
			return true
		}
	}
	return false
}

// splitColumns splits a pipe-delimited row and trims every column. The
// leading border produces an empty first column, so data starts at index 1.
func splitColumns(line string) []string {
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseHeaderRow reads "| 0  910B2C | OK | 65.0  42 |".
func parseHeaderRow(line string) (Device, bool) {
	parts := splitColumns(line)
	if len(parts) < 4 {
		return Device{}, false
	}

	idFields := strings.Fields(parts[1])
	if len(idFields) == 0 {
		return Device{}, false
	}
	id, err := strconv.Atoi(idFields[0])
	if err != nil || id < 0 {
		return Device{}, false
	}

	dev := Device{
		ID:         id,
		Health:     parts[2],
		HBMTotalMB: constants.DefaultHBMTotalMB,
	}

	powerTemp := strings.Fields(parts[3])
	if len(powerTemp) > 0 {
		if power, err := strconv.ParseFloat(powerTemp[0], 64); err == nil {
			dev.Power = power
		}
	}
	if len(powerTemp) > 1 {
		if temp, err := strconv.Atoi(powerTemp[1]); err == nil {
			dev.Temperature = temp
		}
	}
	return dev, true
}

// parseMetricsRow reads "| 0 | 0000:C1:00.0 | 0  0 / 0  57369/ 65536 |" into
// dev. The HBM pair is the last used/total pair in the third column.
func parseMetricsRow(line string, dev *Device) {
	if dev == nil {
		return
	}
	parts := splitColumns(line)
	if len(parts) < 4 {
		return
	}

	metrics := strings.Fields(parts[3])
	if len(metrics) == 0 {
		return
	}
	util, err := strconv.Atoi(metrics[0])
	if err != nil {
		return
	}
	dev.Utilization = util

	pairs := hbmPairPattern.FindAllStringSubmatch(parts[3], -1)
	if len(pairs) == 0 {
		return
	}
	last := pairs[len(pairs)-1]
	used, errUsed := strconv.Atoi(last[1])
	total, errTotal := strconv.Atoi(last[2])
	if errUsed == nil && errTotal == nil {
		dev.HBMUsedMB = used
		dev.HBMTotalMB = total
	}
}

// parseProcessRow reads "| 0  0 | 12345 | python3 | 54000 |".
func parseProcessRow(line string) (OccupyingProcess, bool) {
	if strings.Contains(line, "No running processes") || strings.Contains(line, "===") {
		return OccupyingProcess{}, false
	}
	parts := splitColumns(line)
	if len(parts) < 5 {
		return OccupyingProcess{}, false
	}

	devFields := strings.Fields(parts[1])
	if len(devFields) == 0 {
		return OccupyingProcess{}, false
	}
	deviceID, err := strconv.Atoi(devFields[0])
	if err != nil || deviceID < 0 {
		return OccupyingProcess{}, false
	}
	pid, err := strconv.Atoi(parts[2])
	if err != nil || pid <= 0 {
		return OccupyingProcess{}, false
	}

	proc := OccupyingProcess{
		DeviceID: deviceID,
		PID:      pid,
		Name:     parts[3],
	}
	if memFields := strings.Fields(parts[4]); len(memFields) > 0 {
		if mem, err := strconv.Atoi(memFields[0]); err == nil {
			proc.MemoryMB = mem
		}
	}
	return proc, true
}
