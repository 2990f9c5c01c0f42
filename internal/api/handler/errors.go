package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/relaize/internal/api/response"
	"github.com/kiranshivaraju/relaize/internal/report"
	"github.com/kiranshivaraju/relaize/internal/task"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// writeError maps service errors onto status codes and error codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		response.Error(w, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found", nil)
	case errors.Is(err, task.ErrFileNotFound):
		response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND", "File not available", nil)
	case errors.Is(err, task.ErrInvalidUpload),
		errors.Is(err, task.ErrInvalidStatus),
		errors.Is(err, models.ErrInvalidAdjustments):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, task.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, report.ErrNoMetrics):
		response.Error(w, http.StatusConflict, "REPORT_NOT_READY", "Task has not produced metrics yet", nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", msg, nil)
}
