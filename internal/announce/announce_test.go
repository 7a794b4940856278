package announce

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stevedore/internal/coordstore"
	"github.com/quayside/stevedore/internal/segment"
	"github.com/quayside/stevedore/pkg"
)

func testAnnouncer(t *testing.T) (*StoreAnnouncer, *coordstore.MemoryStore) {
	t.Helper()

	store := coordstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	logger, err := pkg.New(&pkg.LogConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	meta := ServerMetadata{
		Name:      "segserver-1:8083",
		HostPort:  "127.0.0.1:8083",
		Type:      "historical",
		Tier:      "_default_tier",
		MaxSize:   10 << 30,
		StartedAt: time.Now().UTC(),
	}

	a := NewStoreAnnouncer(store, meta,
		"/base/segments/segserver-1:8083",
		"/base/announcements/segserver-1:8083",
		logger,
	)
	return a, store
}

func testSegment(version string) *segment.Segment {
	day := time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)
	return &segment.Segment{
		DataSource: "test",
		Interval:   segment.NewInterval(day, day.Add(24*time.Hour)),
		Version:    version,
		Size:       123,
	}
}

func TestStoreAnnouncer_SegmentLifecycle(t *testing.T) {
	a, store := testAnnouncer(t)
	ctx := context.Background()
	seg := testSegment("v0")

	announced, err := a.IsAnnounced(ctx, seg)
	require.NoError(t, err)
	assert.False(t, announced)

	require.NoError(t, a.AnnounceSegment(ctx, seg))

	announced, err = a.IsAnnounced(ctx, seg)
	require.NoError(t, err)
	assert.True(t, announced)

	// The stored payload is the segment descriptor itself
	payload, err := store.Get(ctx, "/base/segments/segserver-1:8083/"+seg.ID())
	require.NoError(t, err)

	var decoded segment.Segment
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, seg.ID(), decoded.ID())

	// Re-announcing is not an error
	require.NoError(t, a.AnnounceSegment(ctx, seg))

	require.NoError(t, a.UnannounceSegment(ctx, seg))
	announced, err = a.IsAnnounced(ctx, seg)
	require.NoError(t, err)
	assert.False(t, announced)

	// Unannouncing an absent segment is a no-op
	require.NoError(t, a.UnannounceSegment(ctx, seg))
}

func TestStoreAnnouncer_AnnounceSegments(t *testing.T) {
	a, store := testAnnouncer(t)
	ctx := context.Background()

	segs := []*segment.Segment{testSegment("v0"), testSegment("v1"), testSegment("v2")}
	require.NoError(t, a.AnnounceSegments(ctx, segs))

	children, err := store.Children(ctx, "/base/segments/segserver-1:8083")
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestStoreAnnouncer_ServerLifecycle(t *testing.T) {
	a, store := testAnnouncer(t)
	ctx := context.Background()

	require.NoError(t, a.AnnounceServer(ctx))

	payload, err := store.Get(ctx, "/base/announcements/segserver-1:8083")
	require.NoError(t, err)

	var meta ServerMetadata
	require.NoError(t, json.Unmarshal(payload, &meta))
	assert.Equal(t, "segserver-1:8083", meta.Name)
	assert.Equal(t, "historical", meta.Type)
	assert.Equal(t, int64(10<<30), meta.MaxSize)

	require.NoError(t, a.UnannounceServer(ctx))
	exists, err := store.Exists(ctx, "/base/announcements/segserver-1:8083")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStoreAnnouncer_EntriesAreEphemeral(t *testing.T) {
	a, store := testAnnouncer(t)
	ctx := context.Background()

	require.NoError(t, a.AnnounceServer(ctx))
	require.NoError(t, a.AnnounceSegment(ctx, testSegment("v0")))

	// Session loss must withdraw everything this node advertised
	require.NoError(t, store.ExpireEphemerals(ctx))

	exists, err := store.Exists(ctx, "/base/announcements/segserver-1:8083")
	require.NoError(t, err)
	assert.False(t, exists)

	children, err := store.Children(ctx, "/base/segments/segserver-1:8083")
	require.NoError(t, err)
	assert.Empty(t, children)
}
