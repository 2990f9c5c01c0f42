package inference

import (
	"errors"
	"strings"
)

// Errors returned by loaders and models. Backends wrap them with detail.
var (
	// ErrOutOfMemory means the accelerator ran out of memory.
	ErrOutOfMemory = errors.New("inference device out of memory")
	// ErrBackendUnavailable means the backend cannot be started at all: the
	// executable is missing or refused to start.
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	// ErrBackendCrashed means a started backend died or was closed while
	// serving a request. The model must be loaded again.
	ErrBackendCrashed = errors.New("inference backend crashed")
	// ErrWeightsMissing means the weights file for the model was not found.
	ErrWeightsMissing = errors.New("model weights missing")
	// ErrEmptyOutput means the model returned no pixels.
	ErrEmptyOutput = errors.New("inference returned empty output")
	// ErrUnsupported means the backend does not know the model.
	ErrUnsupported = errors.New("model not supported by backend")
)

// IsOutOfMemory reports whether err signals accelerator memory exhaustion.
// Backends that only surface a message are matched on "out of memory".
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "out of memory")
}
