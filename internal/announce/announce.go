// Package announce publishes what this node is and what it serves into the
// coordination store, where the placement authority and brokers discover it.
package announce

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/quayside/stevedore/internal/coordstore"
	"github.com/quayside/stevedore/internal/segment"
	"github.com/quayside/stevedore/pkg"
)

// ServerMetadata describes this node to the rest of the cluster.
type ServerMetadata struct {
	Name      string    `json:"name"`
	HostPort  string    `json:"hostPort"`
	Type      string    `json:"type"`
	Tier      string    `json:"tier"`
	Priority  int       `json:"priority"`
	MaxSize   int64     `json:"maxSize"`
	StartedAt time.Time `json:"startedAt"`
}

// SegmentAnnouncer publishes which segments this node currently serves.
type SegmentAnnouncer interface {
	// AnnounceSegment marks one segment as served by this node.
	AnnounceSegment(ctx context.Context, seg *segment.Segment) error

	// AnnounceSegments marks a batch of segments as served.
	AnnounceSegments(ctx context.Context, segs []*segment.Segment) error

	// UnannounceSegment withdraws a segment. Queries stop routing here
	// before the local copy is touched.
	UnannounceSegment(ctx context.Context, seg *segment.Segment) error

	// IsAnnounced reports whether a segment is currently advertised.
	IsAnnounced(ctx context.Context, seg *segment.Segment) (bool, error)
}

// ServerAnnouncer publishes node liveness. A node must only come online
// after its cached segments are announced, so the authority never sees a
// live node with an empty serving set it would try to repair.
type ServerAnnouncer interface {
	AnnounceServer(ctx context.Context) error
	UnannounceServer(ctx context.Context) error
}

// StoreAnnouncer implements both announcer roles on the coordination store.
// All entries are ephemeral: if the node dies, its advertisements die with
// its session.
type StoreAnnouncer struct {
	store       coordstore.Store
	meta        ServerMetadata
	segmentsDir string
	serverPath  string
	logger      *pkg.Logger
}

// NewStoreAnnouncer creates an announcer rooted at the given store paths.
func NewStoreAnnouncer(store coordstore.Store, meta ServerMetadata, segmentsDir, serverPath string, logger *pkg.Logger) *StoreAnnouncer {
	return &StoreAnnouncer{
		store:       store,
		meta:        meta,
		segmentsDir: segmentsDir,
		serverPath:  serverPath,
		logger:      logger.WithComponent("announcer"),
	}
}

// AnnounceSegment writes the segment's descriptor under the node's serving
// path. Re-announcing an already announced segment refreshes the entry.
func (a *StoreAnnouncer) AnnounceSegment(ctx context.Context, seg *segment.Segment) error {
	payload, err := json.Marshal(seg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode segment %s", seg.ID())
	}

	if err := a.store.CreateOrReplace(ctx, a.segmentPath(seg), payload, true); err != nil {
		return errors.Wrapf(err, "failed to announce segment %s", seg.ID())
	}

	a.logger.Debug().Str("segment", seg.ID()).Msg("announced segment")
	return nil
}

// AnnounceSegments announces a batch, stopping at the first failure.
func (a *StoreAnnouncer) AnnounceSegments(ctx context.Context, segs []*segment.Segment) error {
	for _, seg := range segs {
		if err := a.AnnounceSegment(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

// UnannounceSegment removes the segment's serving entry.
func (a *StoreAnnouncer) UnannounceSegment(ctx context.Context, seg *segment.Segment) error {
	if err := a.store.Delete(ctx, a.segmentPath(seg)); err != nil {
		return errors.Wrapf(err, "failed to unannounce segment %s", seg.ID())
	}

	a.logger.Debug().Str("segment", seg.ID()).Msg("unannounced segment")
	return nil
}

// IsAnnounced reports whether the segment's serving entry exists.
func (a *StoreAnnouncer) IsAnnounced(ctx context.Context, seg *segment.Segment) (bool, error) {
	return a.store.Exists(ctx, a.segmentPath(seg))
}

// AnnounceServer publishes the node's liveness entry.
func (a *StoreAnnouncer) AnnounceServer(ctx context.Context) error {
	payload, err := json.Marshal(a.meta)
	if err != nil {
		return errors.Wrap(err, "failed to encode server metadata")
	}

	if err := a.store.CreateOrReplace(ctx, a.serverPath, payload, true); err != nil {
		return errors.Wrapf(err, "failed to announce server %s", a.meta.Name)
	}

	a.logger.Info().
		Str("server", a.meta.Name).
		Str("tier", a.meta.Tier).
		Msg("announced server online")
	return nil
}

// UnannounceServer withdraws the liveness entry ahead of shutdown.
func (a *StoreAnnouncer) UnannounceServer(ctx context.Context) error {
	if err := a.store.Delete(ctx, a.serverPath); err != nil {
		return errors.Wrapf(err, "failed to unannounce server %s", a.meta.Name)
	}

	a.logger.Info().Str("server", a.meta.Name).Msg("unannounced server")
	return nil
}

func (a *StoreAnnouncer) segmentPath(seg *segment.Segment) string {
	return coordstore.JoinPath(a.segmentsDir, seg.ID())
}
