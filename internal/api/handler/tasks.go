package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/relaize/internal/api/response"
	"github.com/kiranshivaraju/relaize/internal/processor"
	"github.com/kiranshivaraju/relaize/internal/store"
	"github.com/kiranshivaraju/relaize/internal/task"
	"github.com/kiranshivaraju/relaize/pkg/models"
	"go.uber.org/zap"
)

// DefaultMaxUploadBytes caps multipart uploads.
const DefaultMaxUploadBytes = 50 << 20

// TaskService defines the interface the task handlers depend on.
type TaskService interface {
	Create(ctx context.Context, up task.Upload) (*models.Task, error)
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error)
	Update(ctx context.Context, id string, u models.TaskUpdate) (*models.Task, error)
	Reprocess(ctx context.Context, id string) (*models.Task, error)
	Cancel(ctx context.Context, id string) (*models.Task, error)
	Adjust(ctx context.Context, id string, adj *models.Adjustments) (*models.Task, error)
	PreviewAdjust(ctx context.Context, id string, adj *models.Adjustments) (*processor.Preview, error)
	ClearAll(ctx context.Context) (int, error)
	SourceFile(ctx context.Context, id string) (string, error)
	ProcessedFile(ctx context.Context, id string) (string, error)
}

var _ TaskService = (*task.Service)(nil)

type Tasks struct {
	svc            TaskService
	previewLog     *zap.Logger
	maxUploadBytes int64
}

// NewTasks builds the task handlers. previewLog receives diagnostics for
// failed inline previews; nil discards them.
func NewTasks(svc TaskService, previewLog *zap.Logger, maxUploadBytes int64) *Tasks {
	if previewLog == nil {
		previewLog = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Tasks{svc: svc, previewLog: previewLog, maxUploadBytes: maxUploadBytes}
}

// Upload handles POST /api/uploads. The image is the multipart "file" part;
// an optional "adjustments" part carries JSON adjustments.
func (h *Tasks) Upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		h.tooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.tooLarge(w)
			return
		}
		badRequest(w, "Expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file is required")
		return
	}
	defer file.Close()

	var adj *models.Adjustments
	if raw := r.FormValue("adjustments"); raw != "" {
		adj = &models.Adjustments{}
		if err := json.Unmarshal([]byte(raw), adj); err != nil {
			badRequest(w, "adjustments must be a JSON object")
			return
		}
	}

	created, err := h.svc.Create(r.Context(), task.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
		Adjustments: adj,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	response.Created(w, created)
}

func (h *Tasks) tooLarge(w http.ResponseWriter) {
	response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
		fmt.Sprintf("Upload exceeds %d bytes", h.maxUploadBytes), nil)
}

// List handles GET /api/tasks?status=&offset=&limit=.
func (h *Tasks) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		badRequest(w, "offset must be a non-negative integer")
		return
	}
	limit, err := intParam(q.Get("limit"), store.DefaultListLimit)
	if err != nil || limit < 1 || limit > store.MaxListLimit {
		badRequest(w, fmt.Sprintf("limit must be between 1 and %d", store.MaxListLimit))
		return
	}

	tasks, err := h.svc.List(r.Context(), store.TaskFilter{
		Status: models.TaskStatus(q.Get("status")),
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	response.Collection(w, tasks, response.PaginationMeta{
		Offset:  offset,
		Limit:   limit,
		Count:   len(tasks),
		HasNext: len(tasks) == limit,
	})
}

// ClearAll handles DELETE /api/tasks.
func (h *Tasks) ClearAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, map[string]int{"deleted": n})
}

func (h *Tasks) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, t)
}

// Update handles PATCH /api/tasks/{id}.
func (h *Tasks) Update(w http.ResponseWriter, r *http.Request) {
	var u models.TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	t, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, t)
}

func (h *Tasks) Reprocess(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.Accepted(w, t)
}

func (h *Tasks) Cancel(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, t)
}

// Adjust handles POST /api/tasks/{id}/adjust and returns the new task.
func (h *Tasks) Adjust(w http.ResponseWriter, r *http.Request) {
	adj, ok := decodeAdjustments(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Adjust(r.Context(), chi.URLParam(r, "id"), adj)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Created(w, t)
}

// PreviewAdjust handles POST /api/tasks/{id}/preview-adjust. Pipeline
// failures are written to the preview diagnostics log with a stack trace.
func (h *Tasks) PreviewAdjust(w http.ResponseWriter, r *http.Request) {
	adj, ok := decodeAdjustments(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	preview, err := h.svc.PreviewAdjust(r.Context(), id, adj)
	if err != nil {
		if isClientError(err) {
			writeError(w, err)
			return
		}
		h.previewLog.Error("preview-adjust failed",
			zap.String("task_id", id),
			zap.Error(err),
			zap.Stack("stack"),
		)
		response.Error(w, http.StatusInternalServerError, "PREVIEW_FAILED",
			"Preview generation failed", nil)
		return
	}
	response.JSON(w, preview)
}

func (h *Tasks) Source(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, h.svc.SourceFile)
}

// Preview serves the processed output file.
func (h *Tasks) Preview(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, h.svc.ProcessedFile)
}

func (h *Tasks) serveFile(w http.ResponseWriter, r *http.Request, locate func(context.Context, string) (string, error)) {
	path, err := locate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

// decodeAdjustments reads an optional JSON body. An empty body means no
// adjustments.
func decodeAdjustments(w http.ResponseWriter, r *http.Request) (*models.Adjustments, bool) {
	var adj models.Adjustments
	err := json.NewDecoder(r.Body).Decode(&adj)
	if errors.Is(err, io.EOF) {
		return nil, true
	}
	if err != nil {
		badRequest(w, "Invalid JSON body")
		return nil, false
	}
	return &adj, true
}

func isClientError(err error) bool {
	return errors.Is(err, task.ErrTaskNotFound) ||
		errors.Is(err, task.ErrFileNotFound) ||
		errors.Is(err, models.ErrInvalidAdjustments)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
