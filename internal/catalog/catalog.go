// Package catalog is the immutable registry of restoration models, pipelines
// and presets. It is built once at startup and only read afterwards.
package catalog

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/kiranshivaraju/relaize/pkg/models"
	"gopkg.in/yaml.v3"
)

var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is safe for concurrent use because it is never mutated after construction.
type Catalog struct {
	models    []models.ModelSpec
	pipelines []models.PipelineSpec
	modelIdx  map[string]int
	pipeIdx   map[string]int
	presets   map[string]string
}

// extension is the on-disk format of CATALOG_FILE.
type extension struct {
	Models    []models.ModelSpec    `yaml:"models"`
	Pipelines []models.PipelineSpec `yaml:"pipelines"`
	Presets   map[string]string     `yaml:"presets"`
}

// New returns the built-in catalog.
func New() *Catalog {
	c, err := build(builtinModels, builtinPipelines, builtinPresets)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is inconsistent: %v", err))
	}
	return c
}

// Load returns the built-in catalog extended with the entries of the YAML file
// at path. An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse extends the built-in catalog with a YAML document.
func Parse(data []byte) (*Catalog, error) {
	var ext extension
	if err := yaml.Unmarshal(data, &ext); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidCatalog, err)
	}

	ms := slices.Concat(builtinModels, ext.Models)
	ps := slices.Concat(builtinPipelines, ext.Pipelines)
	presets := maps.Clone(builtinPresets)
	for preset, model := range ext.Presets {
		presets[preset] = model
	}
	return build(ms, ps, presets)
}

func build(ms []models.ModelSpec, ps []models.PipelineSpec, presets map[string]string) (*Catalog, error) {
	c := &Catalog{
		models:    make([]models.ModelSpec, 0, len(ms)),
		pipelines: make([]models.PipelineSpec, 0, len(ps)),
		modelIdx:  make(map[string]int, len(ms)),
		pipeIdx:   make(map[string]int, len(ps)),
		presets:   presets,
	}

	for _, m := range ms {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: model without id", ErrInvalidCatalog)
		}
		if _, dup := c.modelIdx[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate model %q", ErrInvalidCatalog, m.ID)
		}
		if m.DefaultDevice == "" {
			m.DefaultDevice = "cuda"
		}
		c.modelIdx[m.ID] = len(c.models)
		c.models = append(c.models, m)
	}

	for _, p := range ps {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: pipeline without id", ErrInvalidCatalog)
		}
		if _, dup := c.pipeIdx[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate pipeline %q", ErrInvalidCatalog, p.ID)
		}
		if len(p.Stages) == 0 {
			return nil, fmt.Errorf("%w: pipeline %q has no stages", ErrInvalidCatalog, p.ID)
		}
		for _, s := range p.Stages {
			if _, ok := c.modelIdx[s.ModelID]; !ok {
				return nil, fmt.Errorf("%w: pipeline %q stage %q references unknown model %q",
					ErrInvalidCatalog, p.ID, s.ID, s.ModelID)
			}
		}
		c.pipeIdx[p.ID] = len(c.pipelines)
		c.pipelines = append(c.pipelines, p)
	}

	if _, ok := c.pipeIdx[DefaultPipelineID]; !ok {
		return nil, fmt.Errorf("%w: default pipeline %q missing", ErrInvalidCatalog, DefaultPipelineID)
	}
	for preset, model := range c.presets {
		spec, ok := c.Model(model)
		if !ok || spec.Kind != models.ModelKindSuperRes {
			return nil, fmt.Errorf("%w: preset %q must reference a super-resolution model, got %q",
				ErrInvalidCatalog, preset, model)
		}
	}
	return c, nil
}

// Models lists every model in registration order.
func (c *Catalog) Models() []models.ModelSpec {
	return slices.Clone(c.models)
}

// Pipelines lists every pipeline in registration order.
func (c *Catalog) Pipelines() []models.PipelineSpec {
	return slices.Clone(c.pipelines)
}

// Presets returns a copy of the preset to model mapping.
func (c *Catalog) Presets() map[string]string {
	return maps.Clone(c.presets)
}

// Model looks up a model by id.
func (c *Catalog) Model(id string) (models.ModelSpec, bool) {
	i, ok := c.modelIdx[id]
	if !ok {
		return models.ModelSpec{}, false
	}
	return c.models[i], true
}

// Pipeline looks up a pipeline by id.
func (c *Catalog) Pipeline(id string) (models.PipelineSpec, bool) {
	i, ok := c.pipeIdx[id]
	if !ok {
		return models.PipelineSpec{}, false
	}
	return c.pipelines[i], true
}

// DefaultPipeline returns the fallback pipeline. It always exists.
func (c *Catalog) DefaultPipeline() models.PipelineSpec {
	return c.pipelines[c.pipeIdx[DefaultPipelineID]]
}

// ModelLabel returns the display name of id, or id itself when unknown.
func (c *Catalog) ModelLabel(id string) string {
	if m, ok := c.Model(id); ok {
		return m.Name
	}
	return id
}

// IsSuperRes reports whether id names a super-resolution model.
func (c *Catalog) IsSuperRes(id string) bool {
	m, ok := c.Model(id)
	return ok && m.Kind == models.ModelKindSuperRes
}

// KnownSuperRes reports whether name is a super-resolution model id or the
// weight file stem of one. A ".pth" suffix is ignored.
func (c *Catalog) KnownSuperRes(name string) bool {
	name = strings.TrimSuffix(name, ".pth")
	if c.IsSuperRes(name) {
		return true
	}
	for _, m := range c.models {
		if m.Kind != models.ModelKindSuperRes || m.WeightHint == "" {
			continue
		}
		stem := path.Base(m.WeightHint)
		if strings.TrimSuffix(stem, path.Ext(stem)) == name {
			return true
		}
	}
	return false
}

// PresetModel returns the super-resolution model bound to a preset.
func (c *Catalog) PresetModel(preset string) (string, bool) {
	m, ok := c.presets[preset]
	return m, ok
}

// SuperResOverride returns the global super-resolution model requested by
// adjustments: an explicit model_name first, then the preset mapping.
func (c *Catalog) SuperResOverride(adj *models.Adjustments) string {
	if adj == nil {
		return ""
	}
	if adj.ModelName != "" {
		return adj.ModelName
	}
	if adj.PresetID != "" {
		if m, ok := c.PresetModel(adj.PresetID); ok {
			return m
		}
	}
	return ""
}
