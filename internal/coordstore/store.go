// Package coordstore abstracts the coordination store the cluster shares:
// a small hierarchical keyspace with ephemeral entries and child watches.
package coordstore

import (
	"context"
	"strings"
)

// ChildEventType identifies what happened to a child entry.
type ChildEventType int

const (
	// ChildAdded means a new child entry appeared under the watched path.
	ChildAdded ChildEventType = iota

	// ChildRemoved means a child entry disappeared from the watched path.
	ChildRemoved
)

// String returns a readable name for logging.
func (t ChildEventType) String() string {
	switch t {
	case ChildAdded:
		return "added"
	case ChildRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ChildEvent describes one change to the children of a watched path.
type ChildEvent struct {
	Type ChildEventType

	// Name is the entry's name directly under the watched path.
	Name string

	// Payload carries the entry's value for ChildAdded events.
	Payload []byte
}

// Store is the coordination keyspace shared with the placement authority.
//
// Paths are slash separated like file paths. Ephemeral entries vanish when
// the session that created them ends. WatchChildren streams membership
// changes for the immediate children of a path and must resynchronize with a
// full listing after any watch interruption, so a consumer can treat the
// stream as complete even across reconnects.
type Store interface {
	// EnsurePath creates the entry at path if it does not exist yet.
	EnsurePath(ctx context.Context, path string) error

	// Create writes a new entry, failing with ErrNodeExists if present.
	Create(ctx context.Context, path string, payload []byte, ephemeral bool) error

	// CreateOrReplace writes an entry, overwriting any existing one.
	CreateOrReplace(ctx context.Context, path string, payload []byte, ephemeral bool) error

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether an entry is present.
	Exists(ctx context.Context, path string) (bool, error)

	// Get returns an entry's payload, or ErrNodeNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Children returns the immediate children of path keyed by name.
	Children(ctx context.Context, path string) (map[string][]byte, error)

	// WatchChildren streams child membership changes until ctx ends. The
	// children present when the watch starts arrive first as ChildAdded
	// events. The returned channel is closed when the watch stops.
	WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error)

	// Close releases the store's session, expiring its ephemeral entries.
	Close() error
}

// JoinPath joins coordination path elements with slashes.
func JoinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// childName extracts the immediate child name of key under dir, returning ""
// when key is dir itself or nested deeper than one level.
func childName(dir, key string) string {
	rest, ok := strings.CutPrefix(key, dir+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
