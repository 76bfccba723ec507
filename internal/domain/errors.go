package domain

import "errors"

// Error taxonomy shared across the engine. Adapters wrap their native
// failures into one of these so the pipeline can decide whether to
// degrade or surface the error.
var (
	ErrUnavailable    = errors.New("dependency unavailable")
	ErrTimeout        = errors.New("stage deadline exceeded")
	ErrInvalidInput   = errors.New("invalid input")
	ErrSchemaMismatch = errors.New("vector schema mismatch")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrCanceled       = errors.New("canceled")
	ErrInternal       = errors.New("internal error")
)
