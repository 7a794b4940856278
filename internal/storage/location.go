package storage

import (
	"path/filepath"
	"sync"
)

// Location is one local directory segments are cached in, with a byte budget
// tracked against configured capacity.
type Location struct {
	path             string
	maxSize          int64
	freeSpacePercent float64

	mu   sync.Mutex
	used int64
}

// NewLocation creates a location rooted at path with the given byte budget.
func NewLocation(path string, maxSize int64, freeSpacePercent float64) *Location {
	return &Location{
		path:             path,
		maxSize:          maxSize,
		freeSpacePercent: freeSpacePercent,
	}
}

// Path returns the location's root directory.
func (l *Location) Path() string {
	return l.path
}

// MaxSize returns the configured byte budget.
func (l *Location) MaxSize() int64 {
	return l.maxSize
}

// Used returns the bytes currently reserved.
func (l *Location) Used() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Available returns how many bytes can still be reserved.
func (l *Location) Available() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usable() - l.used
}

// Reserve claims size bytes if they fit, reporting whether it succeeded.
func (l *Location) Reserve(size int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used+size > l.usable() {
		return false
	}
	l.used += size
	return true
}

// ForceReserve claims size bytes even past the budget. Used when accounting
// for segments found on disk at startup, which are served regardless.
func (l *Location) ForceReserve(size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used += size
}

// Release returns size bytes to the budget.
func (l *Location) Release(size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.used -= size
	if l.used < 0 {
		l.used = 0
	}
}

// SegmentDir returns the directory a segment occupies in this location.
func (l *Location) SegmentDir(segmentID string) string {
	return filepath.Join(l.path, segmentID)
}

// usable returns the budget after the free-space reserve. Callers must hold
// l.mu.
func (l *Location) usable() int64 {
	if l.freeSpacePercent <= 0 {
		return l.maxSize
	}
	reserve := int64(float64(l.maxSize) * l.freeSpacePercent / 100.0)
	return l.maxSize - reserve
}
