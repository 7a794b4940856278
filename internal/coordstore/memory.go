package coordstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/quayside/stevedore/pkg"
)

// MemoryStore implements Store with an in-memory map. It mirrors the real
// store's semantics closely enough for tests and single-process setups:
// create-if-absent, idempotent delete, child watches, and ephemeral entries
// that can be expired on demand.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*memEntry
	watchers map[string][]*memWatcher
	closed   atomic.Bool

	// Metrics for monitoring
	creates atomic.Int64
	deletes atomic.Int64
}

// memEntry represents a stored entry and its lifetime class.
type memEntry struct {
	payload   []byte
	ephemeral bool
}

// memWatcher fans child events out to one WatchChildren caller. Events are
// staged in an unbounded queue and pumped to the channel by a dedicated
// goroutine, so store mutations never block on a slow consumer.
type memWatcher struct {
	dir      string
	ch       chan ChildEvent
	mu       sync.Mutex
	queue    []ChildEvent
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (w *memWatcher) enqueue(ev ChildEvent) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memWatcher) pump() {
	defer close(w.ch)
	for {
		w.mu.Lock()
		pending := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, ev := range pending {
			select {
			case w.ch <- ev:
			case <-w.done:
				return
			}
		}

		select {
		case <-w.wake:
		case <-w.done:
			return
		}
	}
}

func (w *memWatcher) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// NewMemoryStore creates an empty in-memory coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]*memEntry),
		watchers: make(map[string][]*memWatcher),
	}
}

// EnsurePath creates a bare entry at path if nothing is stored there yet.
func (ms *MemoryStore) EnsurePath(ctx context.Context, path string) error {
	if err := ms.guard(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.data[path]; !exists {
		ms.data[path] = &memEntry{}
	}
	return nil
}

// Create stores a new entry, failing if one already exists at path.
func (ms *MemoryStore) Create(ctx context.Context, path string, payload []byte, ephemeral bool) error {
	if err := ms.guard(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	if _, exists := ms.data[path]; exists {
		ms.mu.Unlock()
		return pkg.ErrNodeExists
	}

	entry := &memEntry{
		payload:   append([]byte(nil), payload...),
		ephemeral: ephemeral,
	}
	ms.data[path] = entry
	watchers := ms.watchersOf(parentOf(path))
	ms.mu.Unlock()

	ms.creates.Add(1)
	notify(watchers, ChildEvent{
		Type:    ChildAdded,
		Name:    lastElement(path),
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// CreateOrReplace stores an entry, overwriting any existing payload.
func (ms *MemoryStore) CreateOrReplace(ctx context.Context, path string, payload []byte, ephemeral bool) error {
	if err := ms.guard(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	_, existed := ms.data[path]
	ms.data[path] = &memEntry{
		payload:   append([]byte(nil), payload...),
		ephemeral: ephemeral,
	}
	var watchers []*memWatcher
	if !existed {
		watchers = ms.watchersOf(parentOf(path))
	}
	ms.mu.Unlock()

	ms.creates.Add(1)
	if !existed {
		notify(watchers, ChildEvent{
			Type:    ChildAdded,
			Name:    lastElement(path),
			Payload: append([]byte(nil), payload...),
		})
	}
	return nil
}

// Delete removes an entry. Deleting a missing entry is a no-op.
func (ms *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ms.guard(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	_, existed := ms.data[path]
	delete(ms.data, path)
	var watchers []*memWatcher
	if existed {
		watchers = ms.watchersOf(parentOf(path))
	}
	ms.mu.Unlock()

	if existed {
		ms.deletes.Add(1)
		notify(watchers, ChildEvent{Type: ChildRemoved, Name: lastElement(path)})
	}
	return nil
}

// Exists reports whether an entry is present at path.
func (ms *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ms.guard(ctx); err != nil {
		return false, err
	}

	ms.mu.RLock()
	_, exists := ms.data[path]
	ms.mu.RUnlock()
	return exists, nil
}

// Get returns a copy of the payload stored at path.
func (ms *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ms.guard(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	entry, exists := ms.data[path]
	ms.mu.RUnlock()

	if !exists {
		return nil, pkg.ErrNodeNotFound
	}
	return append([]byte(nil), entry.payload...), nil
}

// Children returns the immediate children of path keyed by name.
func (ms *MemoryStore) Children(ctx context.Context, path string) (map[string][]byte, error) {
	if err := ms.guard(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	result := make(map[string][]byte)
	for key, entry := range ms.data {
		if name := childName(path, key); name != "" {
			result[name] = append([]byte(nil), entry.payload...)
		}
	}
	return result, nil
}

// WatchChildren streams child changes under path until ctx is canceled. The
// children present at watch time are delivered first as ChildAdded events.
func (ms *MemoryStore) WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error) {
	if err := ms.guard(ctx); err != nil {
		return nil, err
	}

	w := &memWatcher{
		dir:  path,
		ch:   make(chan ChildEvent, 16),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	// Registering and snapshotting under one lock keeps the stream gapless:
	// anything not in the snapshot arrives as a later event.
	ms.mu.Lock()
	ms.watchers[path] = append(ms.watchers[path], w)
	for key, entry := range ms.data {
		if name := childName(path, key); name != "" {
			w.enqueue(ChildEvent{
				Type:    ChildAdded,
				Name:    name,
				Payload: append([]byte(nil), entry.payload...),
			})
		}
	}
	ms.mu.Unlock()

	go w.pump()
	go func() {
		<-ctx.Done()
		ms.removeWatcher(w)
	}()

	return w.ch, nil
}

// ExpireEphemerals drops every ephemeral entry, simulating the loss of the
// session that created them.
func (ms *MemoryStore) ExpireEphemerals(ctx context.Context) error {
	if err := ms.guard(ctx); err != nil {
		return err
	}

	type expired struct {
		watchers []*memWatcher
		event    ChildEvent
	}

	ms.mu.Lock()
	var all []expired
	for key, entry := range ms.data {
		if !entry.ephemeral {
			continue
		}
		delete(ms.data, key)
		all = append(all, expired{
			watchers: ms.watchersOf(parentOf(key)),
			event:    ChildEvent{Type: ChildRemoved, Name: lastElement(key)},
		})
	}
	ms.mu.Unlock()

	for _, e := range all {
		ms.deletes.Add(1)
		notify(e.watchers, e.event)
	}
	return nil
}

// Close shuts the store down and unblocks all watchers.
func (ms *MemoryStore) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	ms.mu.Lock()
	watchers := ms.watchers
	ms.watchers = make(map[string][]*memWatcher)
	ms.data = make(map[string]*memEntry)
	ms.mu.Unlock()

	for _, ws := range watchers {
		for _, w := range ws {
			w.stop()
		}
	}
	return nil
}

// MemoryStats holds counters for test assertions.
type MemoryStats struct {
	Entries  int
	Creates  int64
	Deletes  int64
	Watchers int
}

// Stats returns current store statistics.
func (ms *MemoryStore) Stats() MemoryStats {
	ms.mu.RLock()
	entries := len(ms.data)
	watchers := 0
	for _, ws := range ms.watchers {
		watchers += len(ws)
	}
	ms.mu.RUnlock()

	return MemoryStats{
		Entries:  entries,
		Creates:  ms.creates.Load(),
		Deletes:  ms.deletes.Load(),
		Watchers: watchers,
	}
}

func (ms *MemoryStore) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ms.closed.Load() {
		return pkg.ErrStoreClosed
	}
	return nil
}

// watchersOf returns a snapshot of the watchers for dir. Callers must hold
// ms.mu.
func (ms *MemoryStore) watchersOf(dir string) []*memWatcher {
	ws := ms.watchers[dir]
	if len(ws) == 0 {
		return nil
	}
	return append([]*memWatcher(nil), ws...)
}

func (ms *MemoryStore) removeWatcher(target *memWatcher) {
	ms.mu.Lock()
	ws := ms.watchers[target.dir]
	for i, w := range ws {
		if w == target {
			ms.watchers[target.dir] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	ms.mu.Unlock()

	target.stop()
}

// notify stages an event for each watcher without blocking the caller.
func notify(watchers []*memWatcher, ev ChildEvent) {
	for _, w := range watchers {
		w.enqueue(ev)
	}
}

func parentOf(path string) string {
	idx := lastSlash(path)
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func lastElement(path string) string {
	return path[lastSlash(path)+1:]
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}
