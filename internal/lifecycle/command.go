package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
)

// ServeConfig describes a vLLM server launch. BuildServeCommand renders it
// into the shell command passed to Start.
type ServeConfig struct {
	Model              string `json:"model"`
	Source             string `json:"source,omitempty"` // "local" (default) or "modelscope"
	ServedModelName    string `json:"served_model_name,omitempty"`
	Host               string `json:"host,omitempty"`
	Port               int    `json:"port"`
	TensorParallelSize int    `json:"tensor_parallel_size,omitempty"`
	MaxModelLen        int    `json:"max_model_len,omitempty"`
	TrustRemoteCode    bool   `json:"trust_remote_code,omitempty"`
	DType              string `json:"dtype,omitempty"`
	AdditionalArgs     string `json:"additional_args,omitempty"`
	Devices            []int  `json:"npu_devices"`
}

// BuildServeCommand renders cfg as a bash command line that pins the
// requested devices and runs vllm serve.
func BuildServeCommand(cfg ServeConfig) string {
	devices := make([]string, len(cfg.Devices))
	for i, d := range cfg.Devices {
		devices[i] = strconv.Itoa(d)
	}

	env := []string{"export ASCEND_RT_VISIBLE_DEVICES=" + strings.Join(devices, ",")}
	if cfg.Source == "modelscope" {
		env = append(env, `export VLLM_USE_MODELSCOPE="True"`)
	}

	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	served := cfg.ServedModelName
	if served == "" {
		served = cfg.Model
	}
	tp := cfg.TensorParallelSize
	if tp <= 0 {
		tp = len(cfg.Devices)
	}
	if tp <= 0 {
		tp = 1
	}

	args := []string{
		"vllm serve " + shellQuote(cfg.Model),
		"--served-model-name " + shellQuote(served),
		"--host " + shellQuote(host),
		fmt.Sprintf("--port %d", cfg.Port),
		fmt.Sprintf("--tensor-parallel-size %d", tp),
	}
	if cfg.MaxModelLen > 0 {
		args = append(args, fmt.Sprintf("--max-model-len %d", cfg.MaxModelLen))
	}
	if cfg.TrustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if cfg.DType != "" && cfg.DType != "auto" {
		args = append(args, "--dtype "+shellQuote(cfg.DType))
	}
	if cfg.AdditionalArgs != "" {
		args = append(args, cfg.AdditionalArgs)
	}

	return strings.Join(env, " && ") + " && " + strings.Join(args, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '-' || r == '_' || r == '.' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
