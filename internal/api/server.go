// Package api serves the node's HTTP surface: status and segment inventory
// endpoints, Prometheus metrics, and a WebSocket stream of segment events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/quayside/stevedore/internal/config"
	"github.com/quayside/stevedore/internal/loaddrop"
	"github.com/quayside/stevedore/internal/segment"
	"github.com/quayside/stevedore/internal/storage"
	"github.com/quayside/stevedore/pkg"
)

// SegmentSource is the cache view the API reads.
type SegmentSource interface {
	Registered() []*segment.Segment
	Stats() storage.Stats
}

// ExecutorStatus reports the change executor's live counters.
type ExecutorStatus interface {
	InflightCount() int
	PendingDropCount() int
}

// Server is the node's HTTP API server.
type Server struct {
	httpServer *http.Server
	wsHub      *WebSocketHub
	logger     *pkg.Logger

	cfg      *config.Config
	cache    SegmentSource
	executor ExecutorStatus
	metrics  http.Handler

	startedAt time.Time
}

// NewServer wires the API against its data sources. The metrics handler may
// be nil, in which case /metrics is not served.
func NewServer(cfg *config.Config, cache SegmentSource, executor ExecutorStatus, metrics http.Handler, logger *pkg.Logger) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Server{
		logger:   logger.WithComponent("api"),
		wsHub:    NewWebSocketHub(logger),
		cfg:      cfg,
		cache:    cache,
		executor: executor,
		metrics:  metrics,
	}, nil
}

// OnSegmentEvent forwards a segment event to WebSocket subscribers. It
// satisfies the change executor's listener shape.
func (s *Server) OnSegmentEvent(ev loaddrop.SegmentEvent) {
	if err := s.wsHub.Broadcast(ev); err != nil {
		s.logger.Error().Err(err).Msg("failed to broadcast segment event")
	}
}

// Start brings up the HTTP listener and the WebSocket hub.
func (s *Server) Start() error {
	s.startedAt = time.Now().UTC()

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Int("port", s.cfg.HTTPPort).Msg("starting HTTP API server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// routes assembles the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/segments", s.handleSegments)
	mux.HandleFunc("GET /api/v1/segments/{id}", s.handleSegment)
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return corsMiddleware(mux)
}

// Stop shuts down the hub and drains the HTTP listener.
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "failed to shutdown HTTP server")
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

type statusResponse struct {
	Server       string        `json:"server"`
	Host         string        `json:"host"`
	Type         string        `json:"type"`
	Tier         string        `json:"tier"`
	Priority     int           `json:"priority"`
	StartedAt    time.Time     `json:"started_at"`
	Inflight     int           `json:"inflight"`
	PendingDrops int           `json:"pending_drops"`
	Storage      storage.Stats `json:"storage"`
}

type segmentSummary struct {
	ID         string `json:"id"`
	DataSource string `json:"dataSource"`
	Interval   string `json:"interval"`
	Version    string `json:"version"`
	Size       int64  `json:"size"`
}

type segmentsResponse struct {
	Count    int              `json:"count"`
	Segments []segmentSummary `json:"segments"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Server:       s.cfg.ServerName,
		Host:         s.cfg.Host,
		Type:         string(s.cfg.ServerType),
		Tier:         s.cfg.Tier,
		Priority:     s.cfg.Priority,
		StartedAt:    s.startedAt,
		Inflight:     s.executor.InflightCount(),
		PendingDrops: s.executor.PendingDropCount(),
		Storage:      s.cache.Stats(),
	})
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	segs := s.cache.Registered()
	summaries := lo.Map(segs, func(seg *segment.Segment, _ int) segmentSummary {
		return segmentSummary{
			ID:         seg.ID(),
			DataSource: seg.DataSource,
			Interval:   seg.Interval.String(),
			Version:    seg.Version,
			Size:       seg.Size,
		}
	})
	s.writeJSON(w, http.StatusOK, segmentsResponse{Count: len(summaries), Segments: summaries})
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, seg := range s.cache.Registered() {
		if seg.ID() == id {
			s.writeJSON(w, http.StatusOK, seg)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "segment not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
