package handler

import (
	"net/http"

	"github.com/kiranshivaraju/relaize/internal/api/response"
	"github.com/kiranshivaraju/relaize/internal/catalog"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// CatalogReader is the read-only view of the model registry.
type CatalogReader interface {
	Models() []models.ModelSpec
	Pipelines() []models.PipelineSpec
	Presets() map[string]string
}

var _ CatalogReader = (*catalog.Catalog)(nil)

type Catalog struct {
	cat CatalogReader
}

func NewCatalog(cat CatalogReader) *Catalog {
	return &Catalog{cat: cat}
}

// All handles GET /api/catalog.
func (h *Catalog) All(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, map[string]any{
		"models":    h.cat.Models(),
		"pipelines": h.cat.Pipelines(),
		"presets":   h.cat.Presets(),
	})
}

func (h *Catalog) Models(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, h.cat.Models())
}

func (h *Catalog) Pipelines(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, h.cat.Pipelines())
}
