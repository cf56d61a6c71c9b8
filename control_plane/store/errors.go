package store

import "errors"

var (
	// ErrModelNotFound is returned when a probe outcome targets a model
	// that was deleted while its job was in flight.
	ErrModelNotFound = errors.New("model not found")
)
