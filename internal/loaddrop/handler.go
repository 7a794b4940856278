// Package loaddrop executes segment change requests against local storage
// and the cluster's announcement paths. It is the part of the node that
// turns "load this" and "drop this" into pulled bytes, serving
// advertisements, and delayed deletes.
package loaddrop

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/quayside/stevedore/internal/announce"
	"github.com/quayside/stevedore/internal/config"
	"github.com/quayside/stevedore/internal/segment"
	"github.com/quayside/stevedore/pkg"
)

// announceBatchSize caps how many recovered segments are advertised per
// announce interval tick during startup.
const announceBatchSize = 64

// SegmentStore is the slice of local segment storage the handler drives.
type SegmentStore interface {
	Load(ctx context.Context, seg *segment.Segment) error
	Drop(ctx context.Context, seg *segment.Segment) error
	IsCached(segmentID string) bool
	BootstrapCache(ctx context.Context) ([]*segment.Segment, error)
}

// Handler executes load and drop requests. Loads run on a bounded pool and
// announce the segment once its bytes are local. Drops unannounce
// immediately, then delete after a grace delay during which a load for the
// same segment cancels them.
//
// Each request returns a result channel that delivers exactly one terminal
// error, nil on success. Requests for one segment are expected to arrive
// serially, which the queue guarantees by keying entries on the segment
// identifier and only admitting a new entry after the previous one
// completes. A request that finds its segment already in flight settles
// immediately as a success without executing; the placement authority
// reconciles any resulting divergence on its next pass.
type Handler struct {
	logger   *pkg.Logger
	store    SegmentStore
	segments announce.SegmentAnnouncer
	server   announce.ServerAnnouncer

	dropDelay        time.Duration
	announceInterval time.Duration

	sem      *semaphore.Weighted
	inflight *inflightSet

	dropMu  sync.Mutex
	pending map[string]*time.Timer

	listenerMu sync.RWMutex
	listeners  []func(SegmentEvent)

	opMu    sync.RWMutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a handler sized by the configured loading thread count.
func NewHandler(cfg *config.Config, store SegmentStore, segments announce.SegmentAnnouncer, server announce.ServerAnnouncer, logger *pkg.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		logger:           logger.WithComponent("loaddrop"),
		store:            store,
		segments:         segments,
		server:           server,
		dropDelay:        cfg.DropDelay,
		announceInterval: cfg.AnnounceInterval,
		sem:              semaphore.NewWeighted(int64(cfg.NumLoadingThreads)),
		inflight:         newInflightSet(),
		pending:          make(map[string]*time.Timer),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start reconciles local storage with reality and brings the node online:
// the cache is rebuilt from descriptor files, every recovered segment is
// announced, and only then does the node's liveness entry appear. The
// authority never sees a live node that has not yet advertised what it
// serves.
func (h *Handler) Start(ctx context.Context) error {
	h.opMu.Lock()
	if h.started {
		h.opMu.Unlock()
		return errors.New("load drop handler already started")
	}
	h.started = true
	h.opMu.Unlock()

	cached, err := h.store.BootstrapCache(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to bootstrap segment cache")
	}

	if err := h.announceRecovered(ctx, cached); err != nil {
		return errors.Wrap(err, "failed to announce cached segments")
	}

	if err := h.server.AnnounceServer(ctx); err != nil {
		return errors.Wrap(err, "failed to announce server")
	}

	h.logger.Info().Int("segments", len(cached)).Msg("load drop handler started")
	return nil
}

// Stop drains in-flight operations and withdraws the node's liveness entry.
// Pending delayed drops are abandoned; the authority re-issues them when it
// next reconciles. If ctx expires before the drain finishes, remaining
// operations are aborted.
func (h *Handler) Stop(ctx context.Context) error {
	h.opMu.Lock()
	if h.stopped {
		h.opMu.Unlock()
		return nil
	}
	h.stopped = true
	h.opMu.Unlock()

	h.dropMu.Lock()
	for id, t := range h.pending {
		t.Stop()
		delete(h.pending, id)
	}
	h.dropMu.Unlock()

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		h.logger.Warn().Msg("shutdown deadline hit, aborting in-flight segment operations")
		h.cancel()
		<-drained
	}
	h.cancel()

	unannCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.UnannounceServer(unannCtx); err != nil {
		h.logger.Error().Err(err).Msg("failed to unannounce server")
		return err
	}

	h.logger.Info().Msg("load drop handler stopped")
	return nil
}

// AddSegment executes a load request. The returned channel delivers the
// request's terminal error exactly once, nil on success: immediately when
// the segment is already in flight (the request is a no-op), after the load
// settles otherwise. A pending drop for the same segment is canceled and
// its serving advertisement restored.
func (h *Handler) AddSegment(seg *segment.Segment) <-chan error {
	result := make(chan error, 1)
	done := settle(result)
	id := seg.ID()

	if h.cancelPendingDrop(id) {
		h.logger.Info().Str("segment", id).Msg("load canceled a pending drop")
		h.emit(newSegmentEvent(EventDropCanceled, seg, nil))
	}

	if !h.inflight.TryAdd(id, opLoad) {
		h.logger.Debug().Str("segment", id).Msg("segment already in flight, settling load as no-op")
		done(nil)
		return result
	}

	if !h.begin() {
		h.inflight.Remove(id)
		done(pkg.ErrHandlerStopped)
		return result
	}
	go h.runLoad(seg.Copy(), done)
	return result
}

// RemoveSegment executes a drop request. The segment stops being advertised
// right away; the local delete runs once the drop delay passes, unless a
// load cancels it first. The result settles when the drop is committed, not
// when the bytes are gone.
func (h *Handler) RemoveSegment(seg *segment.Segment) <-chan error {
	result := make(chan error, 1)
	done := settle(result)
	id := seg.ID()

	if h.inflight.Contains(id) {
		h.logger.Debug().Str("segment", id).Msg("segment already in flight, settling drop as no-op")
		done(nil)
		return result
	}
	if h.isDropPending(id) {
		done(nil)
		return result
	}

	if !h.begin() {
		done(pkg.ErrHandlerStopped)
		return result
	}
	go func() {
		defer h.wg.Done()

		// Queries must stop routing here before the bytes are touched.
		if err := h.segments.UnannounceSegment(h.ctx, seg); err != nil {
			h.logger.Error().Err(err).Str("segment", id).Msg("failed to unannounce segment")
			done(err)
			return
		}

		if !h.store.IsCached(id) {
			done(nil)
			return
		}

		if h.scheduleDrop(seg.Copy()) {
			h.emit(newSegmentEvent(EventDropScheduled, seg, nil))
		}
		done(nil)
	}()
	return result
}

// AddListener registers a callback invoked synchronously for every segment
// event. Listeners must be fast; slow consumers hand off internally.
func (h *Handler) AddListener(fn func(SegmentEvent)) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// InflightCount returns how many segment operations hold slots right now.
func (h *Handler) InflightCount() int {
	return h.inflight.Len()
}

// PendingDropCount returns how many drops are waiting out the delay.
func (h *Handler) PendingDropCount() int {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	return len(h.pending)
}

func (h *Handler) runLoad(seg *segment.Segment, done func(error)) {
	defer h.wg.Done()
	id := seg.ID()
	began := time.Now()

	if err := h.sem.Acquire(h.ctx, 1); err != nil {
		h.inflight.Remove(id)
		done(err)
		return
	}
	defer h.sem.Release(1)

	// A load for an already cached segment skips the pull but still
	// refreshes the announcement, which heals a drop canceled after its
	// unannounce and any earlier announce failure.
	err := h.store.Load(h.ctx, seg)
	if err == nil {
		err = h.segments.AnnounceSegment(h.ctx, seg)
	}

	h.inflight.Remove(id)
	if err != nil {
		h.logger.Error().Err(err).Str("segment", id).Msg("failed to load segment")
		h.emit(loadEvent(EventLoadFailed, seg, err, began))
	} else {
		h.emit(loadEvent(EventLoadCompleted, seg, nil, began))
	}
	done(err)
}

// runDrop is the delayed drop body. It executes only if the drop is still
// pending (not canceled) and the segment's slot is free.
func (h *Handler) runDrop(seg *segment.Segment) {
	if !h.begin() {
		return
	}
	defer h.wg.Done()
	id := seg.ID()

	if !h.claimPendingDrop(id) {
		return
	}
	if !h.inflight.TryAdd(id, opDrop) {
		// A load for the same segment raced the timer and won the slot.
		h.logger.Warn().Str("segment", id).Msg("skipping drop, segment became busy")
		return
	}
	defer h.inflight.Remove(id)

	if err := h.sem.Acquire(h.ctx, 1); err != nil {
		return
	}
	defer h.sem.Release(1)

	if err := h.store.Drop(h.ctx, seg); err != nil {
		// Best effort: the segment is already unannounced and leftover
		// bytes are reclaimed by a later cache bootstrap.
		h.logger.Error().Err(err).Str("segment", id).Msg("failed to drop segment")
		h.emit(newSegmentEvent(EventDropFailed, seg, err))
		return
	}
	h.emit(newSegmentEvent(EventDropCompleted, seg, nil))
}

// announceRecovered advertises recovered segments in interval-paced batches,
// so a node with thousands of cached segments does not hammer the store with
// every write at once.
func (h *Handler) announceRecovered(ctx context.Context, segs []*segment.Segment) error {
	if len(segs) == 0 {
		return nil
	}

	ticker := time.NewTicker(h.announceInterval)
	defer ticker.Stop()

	for start := 0; start < len(segs); start += announceBatchSize {
		end := min(start+announceBatchSize, len(segs))
		if err := h.segments.AnnounceSegments(ctx, segs[start:end]); err != nil {
			return err
		}
		if end == len(segs) {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Handler) scheduleDrop(seg *segment.Segment) bool {
	id := seg.ID()
	h.dropMu.Lock()
	defer h.dropMu.Unlock()

	if _, exists := h.pending[id]; exists {
		return false
	}
	h.pending[id] = time.AfterFunc(h.dropDelay, func() { h.runDrop(seg) })
	return true
}

func (h *Handler) cancelPendingDrop(id string) bool {
	h.dropMu.Lock()
	t, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.dropMu.Unlock()

	if !ok {
		return false
	}
	t.Stop()
	return true
}

// claimPendingDrop transitions a scheduled drop to executing. A cancellation
// that got there first leaves nothing to claim.
func (h *Handler) claimPendingDrop(id string) bool {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()

	if _, ok := h.pending[id]; !ok {
		return false
	}
	delete(h.pending, id)
	return true
}

func (h *Handler) isDropPending(id string) bool {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	_, ok := h.pending[id]
	return ok
}

// begin registers one tracked operation, refusing once the handler stops.
// The read lock fences wg.Add against Stop's wg.Wait.
func (h *Handler) begin() bool {
	h.opMu.RLock()
	defer h.opMu.RUnlock()

	if h.stopped {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) emit(ev SegmentEvent) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, fn := range h.listeners {
		fn(ev)
	}
}

// settle turns a result channel into a one-shot completion. The channel is
// buffered, so settling never blocks and an unread result never leaks a
// goroutine.
func settle(result chan<- error) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() { result <- err })
	}
}
