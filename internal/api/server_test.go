package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stevedore/internal/config"
	"github.com/quayside/stevedore/internal/loaddrop"
	"github.com/quayside/stevedore/internal/segment"
	"github.com/quayside/stevedore/internal/storage"
	"github.com/quayside/stevedore/pkg"
)

type fakeCache struct {
	segments []*segment.Segment
	stats    storage.Stats
}

func (f *fakeCache) Registered() []*segment.Segment { return f.segments }
func (f *fakeCache) Stats() storage.Stats           { return f.stats }

type fakeExecutor struct {
	inflight int
	pending  int
}

func (f *fakeExecutor) InflightCount() int    { return f.inflight }
func (f *fakeExecutor) PendingDropCount() int { return f.pending }

func apiSegment(version string) *segment.Segment {
	day := time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)
	return &segment.Segment{
		DataSource: "test",
		Interval:   segment.NewInterval(day, day.Add(24*time.Hour)),
		Version:    version,
		Size:       123,
	}
}

func newTestServer(t *testing.T) (*Server, *fakeCache, *fakeExecutor) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ServerName = "segserver-1:8083"

	logger, err := pkg.New(&pkg.LogConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	cache := &fakeCache{
		segments: []*segment.Segment{apiSegment("v0"), apiSegment("v1")},
		stats:    storage.Stats{Segments: 2, UsedBytes: 246, MaxBytes: 1000},
	}
	executor := &fakeExecutor{inflight: 1, pending: 2}

	server, err := NewServer(cfg, cache, executor, nil, logger)
	require.NoError(t, err)
	server.startedAt = time.Now().UTC()

	return server, cache, executor
}

func TestServer_Health(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Status(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "segserver-1:8083", status.Server)
	assert.Equal(t, "historical", status.Type)
	assert.Equal(t, "_default_tier", status.Tier)
	assert.Equal(t, 1, status.Inflight)
	assert.Equal(t, 2, status.PendingDrops)
	assert.Equal(t, int64(246), status.Storage.UsedBytes)
}

func TestServer_Segments(t *testing.T) {
	server, cache, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/segments", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp segmentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, cache.segments[0].ID(), resp.Segments[0].ID)
	assert.Equal(t, "test", resp.Segments[0].DataSource)
	assert.Equal(t, int64(123), resp.Segments[0].Size)
}

func TestServer_SegmentByID(t *testing.T) {
	server, cache, _ := newTestServer(t)
	want := cache.segments[1]

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/segments/"+want.ID(), nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var got segment.Segment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, want.ID(), got.ID())

	rec = httptest.NewRecorder()
	server.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/segments/no_such_segment", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketHub_BroadcastsSegmentEvents(t *testing.T) {
	logger, err := pkg.New(&pkg.LogConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	hub := NewWebSocketHub(logger)
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	event := loaddrop.SegmentEvent{
		Type:      loaddrop.EventLoadCompleted,
		SegmentID: "test_seg",
		At:        time.Now().UTC(),
	}
	// Give the hub a moment to register the client before broadcasting
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Broadcast(event))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var got loaddrop.SegmentEvent
	require.NoError(t, json.Unmarshal(message, &got))
	assert.Equal(t, loaddrop.EventLoadCompleted, got.Type)
	assert.Equal(t, "test_seg", got.SegmentID)
}
