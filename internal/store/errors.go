package store

import "errors"

var (
	// ErrNotReady is returned while the schema has not been initialized yet.
	// It is transient: callers retry with backoff.
	ErrNotReady = errors.New("store not ready")

	// ErrCorrupt is returned when the schema cannot be brought up to date.
	// It is fatal for the store instance.
	ErrCorrupt = errors.New("store corrupt")
)
