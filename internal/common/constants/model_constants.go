package constants

// ModelSource tells where a catalogued model's weights came from.
type ModelSource string

const (
	ModelSourceLocal      ModelSource = "local"
	ModelSourceModelScope ModelSource = "modelscope"
)

const (
	// ModelConfigFile marks a directory as a model.
	ModelConfigFile = "config.json"
	// ModelScopeNameEscape is how ModelScope writes "." in cached model
	// directory names (Qwen3-0___6B is Qwen3-0.6B).
	ModelScopeNameEscape = "___"

	DefaultModelScopeCache = "~/.cache/modelscope/hub"
)

var DefaultModelRoots = []string{"/data2/weights", "/data/weights", "/data2/modelscope-weight"}
