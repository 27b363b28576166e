// Package config loads the supervisor configuration.
//
// Configuration starts from Default, is merged with an optional YAML file
// (named by --config or SUPERVISOR_CONFIG), then listen addresses may be
// overridden by SUPERVISOR_HTTP_ADDR and SUPERVISOR_GRPC_ADDR, and finally by
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
	"github.com/kennethnrk/npu-supervisor/internal/container"
)

const (
	EnvConfigPath = "SUPERVISOR_CONFIG"
	EnvHTTPAddr   = "SUPERVISOR_HTTP_ADDR"
	EnvGRPCAddr   = "SUPERVISOR_GRPC_ADDR"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	// HTTPAddr is the listen address of the REST API.
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr is the listen address of the gRPC health endpoint.
	GRPCAddr string `yaml:"grpc_addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// Runtime forces a container runtime instead of probing PATH.
	Runtime string `yaml:"runtime"`
	// ProcRoot is where process cgroup files are read from.
	ProcRoot string `yaml:"proc_root"`

	Device    DeviceConfig    `yaml:"device"`
	Service   ServiceConfig   `yaml:"service"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Models    ModelsConfig    `yaml:"models"`
}

type DeviceConfig struct {
	Tool               string   `yaml:"tool"`
	PlaceholderDevices int      `yaml:"placeholder_devices"`
	ModelTokens        []string `yaml:"model_tokens"`
	HealthyIndicators  []string `yaml:"healthy_indicators"`
}

type ServiceConfig struct {
	PollInterval       Duration `yaml:"poll_interval"`
	ReadyTimeout       Duration `yaml:"ready_timeout"`
	RefreshInterval    Duration `yaml:"refresh_interval"`
	HealthSyncInterval Duration `yaml:"health_sync_interval"`
	ProcessPattern     string   `yaml:"process_pattern"`
}

type DiscoveryConfig struct {
	CommonPorts []int `yaml:"common_ports"`
	DefaultPort int   `yaml:"default_port"`
}

// ModelsConfig locates model weights listed by the catalog.
type ModelsConfig struct {
	// Roots each hold one directory per model.
	Roots []string `yaml:"roots"`
	// ModelScopeCache is the ModelScope hub cache; "~/" is expanded.
	ModelScopeCache string `yaml:"modelscope_cache"`
}

func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		LogLevel: "info",
		ProcRoot: "/proc",
		Device: DeviceConfig{
			Tool:               constants.DeviceTool,
			PlaceholderDevices: constants.DefaultPlaceholderDevices,
			ModelTokens:        append([]string(nil), constants.DefaultDeviceModelTokens...),
			HealthyIndicators:  append([]string(nil), constants.DefaultHealthyDeviceIndicators...),
		},
		Service: ServiceConfig{
			PollInterval:       Duration(constants.DefaultReadyPollInterval),
			ReadyTimeout:       Duration(constants.DefaultReadyTimeout),
			RefreshInterval:    Duration(constants.DefaultRefreshInterval),
			HealthSyncInterval: Duration(10 * time.Second),
			ProcessPattern:     constants.ServiceProcessPattern,
		},
		Discovery: DiscoveryConfig{
			CommonPorts: append([]int(nil), constants.CommonServicePorts...),
			DefaultPort: constants.DefaultServicePort,
		},
		Models: ModelsConfig{
			Roots:           append([]string(nil), constants.DefaultModelRoots...),
			ModelScopeCache: constants.DefaultModelScopeCache,
		},
	}
}

// Load reads path (or SUPERVISOR_CONFIG when path is empty) over the
// defaults and applies environment overrides. No file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv(EnvGRPCAddr); v != "" {
		c.GRPCAddr = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Runtime != "" && !isKnownRuntime(c.Runtime) {
		errs = append(errs, fmt.Errorf("runtime must be one of %v", constants.ContainerRuntimes))
	}
	if c.Device.Tool == "" {
		errs = append(errs, errors.New("device.tool is required"))
	}
	if c.Device.PlaceholderDevices <= 0 {
		errs = append(errs, errors.New("device.placeholder_devices must be positive"))
	}
	if len(c.Device.ModelTokens) == 0 {
		errs = append(errs, errors.New("device.model_tokens must not be empty"))
	}
	if c.Service.PollInterval <= 0 {
		errs = append(errs, errors.New("service.poll_interval must be positive"))
	}
	if c.Service.ReadyTimeout < c.Service.PollInterval {
		errs = append(errs, errors.New("service.ready_timeout must not be shorter than service.poll_interval"))
	}
	if c.Service.RefreshInterval <= 0 {
		errs = append(errs, errors.New("service.refresh_interval must be positive"))
	}
	if c.Service.HealthSyncInterval <= 0 {
		errs = append(errs, errors.New("service.health_sync_interval must be positive"))
	}
	if !container.ValidProcessPattern(c.Service.ProcessPattern) {
		errs = append(errs, fmt.Errorf("service.process_pattern %q cannot be matched safely by pgrep", c.Service.ProcessPattern))
	}
	if c.Discovery.DefaultPort <= 0 || c.Discovery.DefaultPort > 65535 {
		errs = append(errs, errors.New("discovery.default_port must be a valid port"))
	}

	for _, root := range c.Models.Roots {
		if root == "" {
			errs = append(errs, errors.New("models.roots must not contain empty paths"))
			break
		}
	}

	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

func isKnownRuntime(name string) bool {
	for _, rt := range constants.ContainerRuntimes {
		if string(rt) == name {
			return true
		}
	}
	return false
}
