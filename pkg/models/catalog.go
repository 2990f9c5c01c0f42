package models

// ModelKind groups models by the executor that can run them.
type ModelKind string

const (
	ModelKindSuperRes    ModelKind = "superres"
	ModelKindFace        ModelKind = "face"
	ModelKindPrompt      ModelKind = "prompt"
	ModelKindMaskInpaint ModelKind = "mask-inpaint"
	ModelKindStructure   ModelKind = "structure"
)

// ModelSpec describes one restoration model known to the catalog.
type ModelSpec struct {
	ID             string    `json:"id"                     yaml:"id"`
	Name           string    `json:"name"                   yaml:"name"`
	Kind           ModelKind `json:"kind"                   yaml:"kind"`
	Description    string    `json:"description"            yaml:"description"`
	Repo           string    `json:"repo,omitempty"         yaml:"repo"`
	Homepage       string    `json:"homepage,omitempty"     yaml:"homepage"`
	Tags           []string  `json:"tags"                   yaml:"tags"`
	DefaultDevice  string    `json:"default_device"         yaml:"default_device"`
	WeightHint     string    `json:"weight_hint,omitempty"  yaml:"weight_hint"`
	SupportsPrompt bool      `json:"supports_prompt"        yaml:"supports_prompt"`
	SupportsMask   bool      `json:"supports_mask"          yaml:"supports_mask"`
}

// StageSpec is one step of a pipeline bound to a default model.
type StageSpec struct {
	ID          string         `json:"id"                 yaml:"id"`
	Name        string         `json:"name"               yaml:"name"`
	ModelID     string         `json:"model_id"           yaml:"model_id"`
	Description string         `json:"description"        yaml:"description"`
	Optional    bool           `json:"optional"           yaml:"optional"`
	Defaults    map[string]any `json:"defaults,omitempty" yaml:"defaults"`
}

// PipelineSpec is an ordered list of stages. Stage order is execution order.
type PipelineSpec struct {
	ID                 string      `json:"id"                  yaml:"id"`
	Name               string      `json:"name"                yaml:"name"`
	Description        string      `json:"description"         yaml:"description"`
	Tags               []string    `json:"tags"                yaml:"tags"`
	Stages             []StageSpec `json:"stages"              yaml:"stages"`
	RecommendedPresets []string    `json:"recommended_presets" yaml:"recommended_presets"`
	SupportsPrompt     bool        `json:"supports_prompt"     yaml:"supports_prompt"`
	SupportsMask       bool        `json:"supports_mask"       yaml:"supports_mask"`
}
