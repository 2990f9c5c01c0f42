package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/relaize/internal/api/response"
	"github.com/kiranshivaraju/relaize/internal/report"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

type ReportGenerator interface {
	Generate(ctx context.Context, taskID string) (*models.Report, error)
}

var _ ReportGenerator = (*report.Generator)(nil)

type Reports struct {
	gen ReportGenerator
}

func NewReports(gen ReportGenerator) *Reports {
	return &Reports{gen: gen}
}

// Get handles GET /api/reports/{id}.
func (h *Reports) Get(w http.ResponseWriter, r *http.Request) {
	rep, err := h.gen.Generate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, rep)
}
