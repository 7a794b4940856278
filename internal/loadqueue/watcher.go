// Package loadqueue consumes the node's change request queue in the
// coordination store. The placement authority writes one ephemeral entry per
// requested load or drop under the node's queue path; the watcher decodes
// each entry, hands it to the change handler, and deletes the entry once the
// request settles. Entry disappearance is the only completion signal the
// authority sees.
package loadqueue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/quayside/stevedore/internal/config"
	"github.com/quayside/stevedore/internal/coordstore"
	"github.com/quayside/stevedore/internal/segment"
	"github.com/quayside/stevedore/pkg"
)

// entryDeleteTimeout bounds the store round trips that remove a settled
// queue entry.
const entryDeleteTimeout = 10 * time.Second

// ChangeHandler executes change requests asynchronously. Each call returns a
// channel delivering the request's terminal error exactly once.
type ChangeHandler interface {
	AddSegment(seg *segment.Segment) <-chan error
	RemoveSegment(seg *segment.Segment) <-chan error
}

// Watcher tails the node's queue path and drives the change handler. It
// never blocks on request execution: results are consumed on their own
// goroutines so a slow load cannot stall the event stream.
type Watcher struct {
	logger    *pkg.Logger
	store     coordstore.Store
	handler   ChangeHandler
	queuePath string

	opMu    sync.Mutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the configured server's queue path.
func NewWatcher(cfg *config.Config, store coordstore.Store, handler ChangeHandler, logger *pkg.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		logger:    logger.WithComponent("loadqueue"),
		store:     store,
		handler:   handler,
		queuePath: cfg.LoadQueuePath(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start establishes the queue watch. Entries already present are replayed as
// added events, so work enqueued while the node was away is picked up.
func (w *Watcher) Start(ctx context.Context) error {
	w.opMu.Lock()
	if w.started {
		w.opMu.Unlock()
		return errors.New("load queue watcher already started")
	}
	w.started = true
	w.opMu.Unlock()

	if err := w.store.EnsurePath(ctx, w.queuePath); err != nil {
		return errors.Wrapf(err, "failed to ensure queue path %s", w.queuePath)
	}

	events, err := w.store.WatchChildren(w.ctx, w.queuePath)
	if err != nil {
		return errors.Wrapf(err, "failed to watch queue path %s", w.queuePath)
	}

	w.wg.Add(1)
	go w.run(events)

	w.logger.Info().Str("path", w.queuePath).Msg("watching load queue")
	return nil
}

// Stop ends the watch and waits for settled requests to finish deleting
// their entries. Requests still executing in the handler keep their result
// consumers; those finish once the handler itself stops.
func (w *Watcher) Stop(ctx context.Context) error {
	w.opMu.Lock()
	if w.stopped {
		w.opMu.Unlock()
		return nil
	}
	w.stopped = true
	w.opMu.Unlock()

	w.cancel()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		w.logger.Warn().Msg("shutdown deadline hit, change request results still pending")
	}

	w.logger.Info().Msg("load queue watcher stopped")
	return nil
}

func (w *Watcher) run(events <-chan coordstore.ChildEvent) {
	defer w.wg.Done()

	for ev := range events {
		switch ev.Type {
		case coordstore.ChildAdded:
			w.dispatch(ev.Name, ev.Payload)
		case coordstore.ChildRemoved:
			// Either a completed request's delete echoing back or the
			// authority withdrawing the entry. Nothing to do locally.
			w.logger.Debug().Str("entry", ev.Name).Msg("queue entry removed")
		}
	}

	if w.ctx.Err() == nil {
		w.logger.Warn().Msg("load queue watch ended unexpectedly")
	}
}

func (w *Watcher) dispatch(name string, payload []byte) {
	entryPath := coordstore.JoinPath(w.queuePath, name)

	req, err := segment.ParseChangeRequest(payload)
	if err != nil {
		// A bad entry would be redelivered on every watch resync, so it is
		// discarded rather than left to wedge the queue.
		w.logger.Error().Err(err).Str("entry", name).Msg("discarding malformed change request")
		w.deleteEntry(entryPath)
		return
	}

	id := req.Segment.ID()
	w.logger.Info().Str("action", string(req.Action)).Str("segment", id).Msg("received change request")

	var result <-chan error
	switch req.Action {
	case segment.ActionLoad:
		result = w.handler.AddSegment(req.Segment)
	case segment.ActionDrop:
		result = w.handler.RemoveSegment(req.Segment)
	}

	w.wg.Add(1)
	go w.settle(entryPath, id, req.Action, result)
}

// settle waits out one request and removes its queue entry, the completion
// signal the authority watches for. Failed requests also release their
// entry: execution is at-most-once per dispatch and the authority re-issues
// after noticing the segment never got announced.
func (w *Watcher) settle(entryPath, segmentID string, action segment.Action, result <-chan error) {
	defer w.wg.Done()

	err := <-result
	switch {
	case errors.Is(err, pkg.ErrHandlerStopped):
		// Never attempted. The entry stays put for the authority to
		// re-issue against the node's next incarnation.
		w.logger.Debug().Str("segment", segmentID).Msg("request refused during shutdown, leaving queue entry")
		return
	case err != nil:
		w.logger.Error().Err(err).Str("segment", segmentID).Str("action", string(action)).Msg("change request failed")
	default:
		w.logger.Info().Str("segment", segmentID).Str("action", string(action)).Msg("completed change request")
	}
	w.deleteEntry(entryPath)
}

// deleteEntry removes a queue entry, retrying once. It runs on a detached
// context so completions still signal through while the watcher shuts down.
func (w *Watcher) deleteEntry(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), entryDeleteTimeout)
	defer cancel()

	err := w.store.Delete(ctx, path)
	if err == nil {
		return
	}
	w.logger.Warn().Err(err).Str("path", path).Msg("retrying queue entry delete")

	if err := w.store.Delete(ctx, path); err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("failed to delete queue entry")
	}
}
