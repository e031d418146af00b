package ingester

import "errors"

var (
	// ErrFileNotFound is returned before any state change when the input is missing.
	ErrFileNotFound = errors.New("log file not found")
	// ErrInvalidTransition rejects an UploadedFile status change outside the lifecycle.
	ErrInvalidTransition = errors.New("invalid file status transition")
	ErrNotFound          = errors.New("not found")
)
