package apperrors

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrUnknownEntity  = errors.New("unknown entity type")
	ErrConfigDisabled = errors.New("sync config is disabled")
	ErrSyncInFlight   = errors.New("sync cycle already running for entity type")
)
