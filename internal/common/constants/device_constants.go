package constants

type ContainerRuntime string

const (
	ContainerRuntimeDocker  ContainerRuntime = "docker"
	ContainerRuntimePodman  ContainerRuntime = "podman"
	ContainerRuntimeNerdctl ContainerRuntime = "nerdctl"
)

// ContainerRuntimes lists supported runtimes in detection order.
var ContainerRuntimes = []ContainerRuntime{
	ContainerRuntimeDocker,
	ContainerRuntimePodman,
	ContainerRuntimeNerdctl,
}

const (
	DeviceTool = "npu-smi"

	DeviceHealthUnknown = "Unknown"

	DefaultHBMTotalMB         = 65536
	DefaultPlaceholderDevices = 8
	ContainerIDShortLength    = 12

	// DeviceBusAddressToken marks the per-chip metrics row in npu-smi output.
	DeviceBusAddressToken = "0000:"
)

var (
	DefaultDeviceModelTokens       = []string{"910B", "310P", "Ascend"}
	DefaultHealthyDeviceIndicators = []string{"OK", "Warning"}
)
