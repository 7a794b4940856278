package loadqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stevedore/internal/config"
	"github.com/quayside/stevedore/internal/coordstore"
	"github.com/quayside/stevedore/internal/segment"
	"github.com/quayside/stevedore/pkg"
)

// fakeHandler records dispatched requests and settles each result with a
// configured error immediately.
type fakeHandler struct {
	mu      sync.Mutex
	adds    []*segment.Segment
	removes []*segment.Segment
	err     error
}

func (f *fakeHandler) AddSegment(seg *segment.Segment) <-chan error {
	f.mu.Lock()
	f.adds = append(f.adds, seg)
	f.mu.Unlock()

	result := make(chan error, 1)
	result <- f.err
	return result
}

func (f *fakeHandler) RemoveSegment(seg *segment.Segment) <-chan error {
	f.mu.Lock()
	f.removes = append(f.removes, seg)
	f.mu.Unlock()

	result := make(chan error, 1)
	result <- f.err
	return result
}

func (f *fakeHandler) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adds)
}

func (f *fakeHandler) removeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removes)
}

func (f *fakeHandler) lastAdd() *segment.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adds) == 0 {
		return nil
	}
	return f.adds[len(f.adds)-1]
}

type testWatcher struct {
	watcher *Watcher
	store   *coordstore.MemoryStore
	handler *fakeHandler
	cfg     *config.Config
}

func newTestWatcher(t *testing.T) *testWatcher {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ServerName = "segserver-1:8083"

	logger, err := pkg.New(&pkg.LogConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store := coordstore.NewMemoryStore()
	handler := &fakeHandler{}
	w := NewWatcher(cfg, store, handler, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w.Stop(ctx)
		store.Close()
	})

	return &testWatcher{watcher: w, store: store, handler: handler, cfg: cfg}
}

func queueSegment(version string) *segment.Segment {
	day := time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)
	return &segment.Segment{
		DataSource: "test",
		Interval:   segment.NewInterval(day, day.Add(24*time.Hour)),
		Version:    version,
		LoadSpec:   map[string]any{"type": "local", "path": "/tmp/deep/test"},
		Size:       123,
	}
}

func (tw *testWatcher) enqueue(t *testing.T, req *segment.ChangeRequest) string {
	t.Helper()

	payload, err := req.Marshal()
	require.NoError(t, err)

	entry := coordstore.JoinPath(tw.cfg.LoadQueuePath(), req.Segment.ID())
	require.NoError(t, tw.store.Create(context.Background(), entry, payload, true))
	return entry
}

func (tw *testWatcher) waitEntryGone(t *testing.T, entry string) {
	t.Helper()
	require.Eventually(t, func() bool {
		exists, err := tw.store.Exists(context.Background(), entry)
		return err == nil && !exists
	}, 2*time.Second, 10*time.Millisecond, "queue entry should be deleted")
}

func TestWatcher_LoadRequest(t *testing.T) {
	tw := newTestWatcher(t)
	require.NoError(t, tw.watcher.Start(context.Background()))

	seg := queueSegment("v0")
	entry := tw.enqueue(t, segment.NewLoadRequest(seg))

	tw.waitEntryGone(t, entry)
	require.Equal(t, 1, tw.handler.addCount())
	assert.Equal(t, seg.ID(), tw.handler.lastAdd().ID())
	assert.Equal(t, 0, tw.handler.removeCount())
}

func TestWatcher_DropRequest(t *testing.T) {
	tw := newTestWatcher(t)
	require.NoError(t, tw.watcher.Start(context.Background()))

	seg := queueSegment("v0")
	entry := tw.enqueue(t, segment.NewDropRequest(seg))

	tw.waitEntryGone(t, entry)
	assert.Equal(t, 1, tw.handler.removeCount())
	assert.Equal(t, 0, tw.handler.addCount())
}

func TestWatcher_ReplaysEntriesPresentAtStart(t *testing.T) {
	tw := newTestWatcher(t)

	// Work enqueued before the node came up
	seg := queueSegment("v0")
	entry := tw.enqueue(t, segment.NewLoadRequest(seg))

	require.NoError(t, tw.watcher.Start(context.Background()))

	tw.waitEntryGone(t, entry)
	assert.Equal(t, 1, tw.handler.addCount())
}

func TestWatcher_MalformedEntryDiscarded(t *testing.T) {
	tw := newTestWatcher(t)
	require.NoError(t, tw.watcher.Start(context.Background()))

	entry := coordstore.JoinPath(tw.cfg.LoadQueuePath(), "bogus")
	require.NoError(t, tw.store.Create(context.Background(), entry, []byte("{not json"), true))

	tw.waitEntryGone(t, entry)
	assert.Equal(t, 0, tw.handler.addCount(), "malformed entries never reach the handler")
	assert.Equal(t, 0, tw.handler.removeCount())
}

func TestWatcher_FailedRequestStillReleasesEntry(t *testing.T) {
	tw := newTestWatcher(t)
	tw.handler.err = errors.New("load blew up")
	require.NoError(t, tw.watcher.Start(context.Background()))

	entry := tw.enqueue(t, segment.NewLoadRequest(queueSegment("v0")))

	// A failed attempt still signals completion; retry is the authority's job
	tw.waitEntryGone(t, entry)
	assert.Equal(t, 1, tw.handler.addCount())
}

func TestWatcher_RefusedRequestKeepsEntry(t *testing.T) {
	tw := newTestWatcher(t)
	tw.handler.err = pkg.ErrHandlerStopped
	require.NoError(t, tw.watcher.Start(context.Background()))

	entry := tw.enqueue(t, segment.NewLoadRequest(queueSegment("v0")))

	require.Eventually(t, func() bool {
		return tw.handler.addCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The request was never attempted, so the entry must survive for the
	// authority to re-issue
	time.Sleep(100 * time.Millisecond)
	exists, err := tw.store.Exists(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWatcher_StartStop(t *testing.T) {
	tw := newTestWatcher(t)

	require.NoError(t, tw.watcher.Start(context.Background()))
	assert.Error(t, tw.watcher.Start(context.Background()), "double start is rejected")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tw.watcher.Stop(ctx))
	require.NoError(t, tw.watcher.Stop(ctx), "double stop is safe")

	// Entries created after stop are ignored
	entry := tw.enqueue(t, segment.NewLoadRequest(queueSegment("v9")))
	time.Sleep(100 * time.Millisecond)
	exists, err := tw.store.Exists(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 0, tw.handler.addCount())
}
