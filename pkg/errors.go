package pkg

import "github.com/cockroachdb/errors"

var (
	// ErrNodeExists is returned when creating a store entry that already exists
	ErrNodeExists = errors.New("node already exists")

	// ErrNodeNotFound is returned when a store entry doesn't exist
	ErrNodeNotFound = errors.New("node not found")

	// ErrStoreClosed is returned when the coordination store is closed
	ErrStoreClosed = errors.New("coordination store closed")

	// ErrHandlerStopped is returned when a change is submitted after shutdown
	ErrHandlerStopped = errors.New("load drop handler stopped")

	// ErrLocationFull is returned when no storage location can hold a segment
	ErrLocationFull = errors.New("no storage location with enough free space")
)
