package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/relaize/internal/imageutil"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/internal/superres"
)

// Kind classifies why a stage failed.
type Kind string

const (
	// KindConfiguration means the stage cannot run in this deployment or
	// for this input: missing weights, missing backend, missing prompt or mask.
	// Optional stages treat it as a skip.
	KindConfiguration Kind = "configuration"
	// KindRuntime is any failure while the model was running.
	KindRuntime Kind = "runtime"
	// KindResourceExhausted is accelerator memory exhaustion that survived
	// every recovery attempt.
	KindResourceExhausted Kind = "resource_exhausted"
)

// Error is returned by Executor.Run for every failure.
type Error struct {
	Kind    Kind
	ModelID string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.ModelID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a stage error. Errors that did not come from a
// stage are runtime errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindRuntime
}

// IsConfiguration reports whether err is a stage configuration error.
func IsConfiguration(err error) bool {
	return err != nil && KindOf(err) == KindConfiguration
}

func configError(modelID, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, ModelID: modelID, Err: fmt.Errorf(format, args...)}
}

// classify wraps a backend or engine error with its stage kind.
func classify(modelID string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	kind := KindRuntime
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, inference.ErrBackendCrashed):
		kind = KindRuntime
	case errors.Is(err, superres.ErrDisabled),
		errors.Is(err, inference.ErrBackendUnavailable),
		errors.Is(err, inference.ErrWeightsMissing),
		errors.Is(err, inference.ErrUnsupported),
		errors.Is(err, imageutil.ErrInvalidDataURL):
		kind = KindConfiguration
	case inference.IsOutOfMemory(err):
		kind = KindResourceExhausted
	}
	return &Error{Kind: kind, ModelID: modelID, Err: err}
}
