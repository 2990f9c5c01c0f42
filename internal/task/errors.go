package task

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrFileNotFound      = errors.New("file not found")
	ErrInvalidUpload     = errors.New("invalid upload")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid task status")
)
