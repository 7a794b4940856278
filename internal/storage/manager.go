// Package storage manages the node's local segment cache: pulling segment
// data from deep storage into capacity-tracked locations, dropping it again,
// and reconciling the cache with its descriptor files after a restart.
package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/quayside/stevedore/internal/config"
	"github.com/quayside/stevedore/internal/segment"
	"github.com/quayside/stevedore/pkg"
)

// Manager owns the local segment cache. Each cached segment has its data
// under exactly one location and a descriptor file in the info directory;
// the descriptor files are what survives a restart.
type Manager struct {
	logger           *pkg.Logger
	infoDir          string
	locations        []*Location
	pullers          map[string]Puller
	bootstrapThreads int

	mu     sync.RWMutex
	cached map[string]*cachedSegment

	// Metrics for monitoring
	loads atomic.Int64
	drops atomic.Int64
}

// cachedSegment ties a registered segment to the location holding its data.
type cachedSegment struct {
	segment  *segment.Segment
	location *Location
}

// NewManager creates a manager for the configured locations. The info
// directory is created if missing; location directories are created lazily.
func NewManager(cfg *config.Config, logger *pkg.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.InfoDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create info dir %s", cfg.InfoDir)
	}

	locations := lo.Map(cfg.Locations, func(lc config.LocationConfig, _ int) *Location {
		return NewLocation(lc.Path, lc.MaxSize, lc.FreeSpacePercent)
	})

	return &Manager{
		logger:           logger.WithComponent("storage"),
		infoDir:          cfg.InfoDir,
		locations:        locations,
		pullers:          map[string]Puller{"local": NewLocalPuller()},
		bootstrapThreads: max(1, cfg.NumLoadingThreads),
		cached:           make(map[string]*cachedSegment),
	}, nil
}

// RegisterPuller installs a puller for a deep storage loadSpec type.
func (m *Manager) RegisterPuller(typ string, p Puller) {
	m.pullers[typ] = p
}

// IsCached reports whether the segment's data is present and registered.
func (m *Manager) IsCached(segmentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.cached[segmentID]
	return ok
}

// Load pulls the segment from deep storage into a location with capacity and
// records its descriptor file. Loading an already cached segment is a no-op.
func (m *Manager) Load(ctx context.Context, seg *segment.Segment) error {
	id := seg.ID()
	if m.IsCached(id) {
		m.logger.Debug().Str("segment", id).Msg("segment already cached")
		return nil
	}

	puller, err := m.pullerFor(seg)
	if err != nil {
		return err
	}

	loc := m.reserveLocation(seg.Size)
	if loc == nil {
		return errors.Wrapf(pkg.ErrLocationFull, "segment %s (%d bytes)", id, seg.Size)
	}

	destDir := loc.SegmentDir(id)

	// A leftover directory from an interrupted pull is not trustworthy.
	if err := os.RemoveAll(destDir); err != nil {
		loc.Release(seg.Size)
		return errors.Wrapf(err, "failed to clear stale dir for %s", id)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		loc.Release(seg.Size)
		return errors.Wrapf(err, "failed to create segment dir for %s", id)
	}

	pulled, err := puller.Pull(ctx, seg.LoadSpec, destDir)
	if err != nil {
		os.RemoveAll(destDir)
		loc.Release(seg.Size)
		return errors.Wrapf(err, "failed to pull segment %s", id)
	}

	if err := m.writeInfoFile(seg); err != nil {
		os.RemoveAll(destDir)
		loc.Release(seg.Size)
		return err
	}

	m.register(seg, loc)
	m.loads.Add(1)
	m.logger.Info().
		Str("segment", id).
		Str("location", loc.Path()).
		Int64("bytes", pulled).
		Msg("loaded segment")
	return nil
}

// Drop removes the segment's descriptor file and data. Dropping a segment
// that is not cached is a no-op.
func (m *Manager) Drop(ctx context.Context, seg *segment.Segment) error {
	id := seg.ID()

	m.mu.Lock()
	entry, ok := m.cached[id]
	if ok {
		delete(m.cached, id)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn().Str("segment", id).Msg("asked to drop a segment that is not cached")
		return nil
	}

	entry.location.Release(entry.segment.Size)
	m.drops.Add(1)

	if err := os.Remove(m.infoFilePath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove info file for %s", id)
	}
	if err := os.RemoveAll(entry.location.SegmentDir(id)); err != nil {
		return errors.Wrapf(err, "failed to remove data for %s", id)
	}

	m.logger.Info().Str("segment", id).Msg("dropped segment")
	return nil
}

// BootstrapCache rebuilds the registry from the info directory. Descriptor
// files that are unreadable or misnamed are deleted; segments whose data
// directory went missing are re-pulled from deep storage, and dropped from
// the cache if that fails. Returns the segments that ended up registered.
func (m *Manager) BootstrapCache(ctx context.Context) ([]*segment.Segment, error) {
	entries, err := os.ReadDir(m.infoDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read info dir %s", m.infoDir)
	}

	var (
		mu        sync.Mutex
		recovered []*segment.Segment
	)
	keep := func(seg *segment.Segment) {
		mu.Lock()
		recovered = append(recovered, seg.Copy())
		mu.Unlock()
	}

	// Segments whose data survived are registered inline. Re-pulls block on
	// deep storage, so those run in parallel.
	var g errgroup.Group
	g.SetLimit(m.bootstrapThreads)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		seg, ok := m.readInfoFile(entry.Name())
		if !ok {
			continue
		}

		if loc := m.findSegmentData(seg.ID()); loc != nil {
			loc.ForceReserve(seg.Size)
			m.register(seg, loc)
			keep(seg)
			continue
		}

		g.Go(func() error {
			m.logger.Warn().Str("segment", seg.ID()).Msg("cached segment data missing, re-fetching")
			err := m.Load(ctx, seg)
			if err == nil {
				keep(seg)
				return nil
			}
			if ctx.Err() != nil {
				// An aborted bootstrap keeps its descriptors for next time.
				return ctx.Err()
			}
			m.logger.Error().Err(err).Str("segment", seg.ID()).Msg("failed to recover segment, removing descriptor")
			os.Remove(m.infoFilePath(seg.ID()))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return recovered, err
	}
	if err := ctx.Err(); err != nil {
		return recovered, err
	}

	m.logger.Info().Int("segments", len(recovered)).Msg("bootstrapped segment cache")
	return recovered, nil
}

// Registered returns copies of every cached segment descriptor.
func (m *Manager) Registered() []*segment.Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.MapToSlice(m.cached, func(_ string, e *cachedSegment) *segment.Segment {
		return e.segment.Copy()
	})
}

// LocationStats describes one location's capacity usage.
type LocationStats struct {
	Path      string `json:"path"`
	MaxSize   int64  `json:"max_size"`
	Used      int64  `json:"used"`
	Available int64  `json:"available"`
}

// Stats summarizes the cache for monitoring.
type Stats struct {
	Segments  int             `json:"segments"`
	UsedBytes int64           `json:"used_bytes"`
	MaxBytes  int64           `json:"max_bytes"`
	Loads     int64           `json:"loads"`
	Drops     int64           `json:"drops"`
	Locations []LocationStats `json:"locations"`
}

// Stats returns current cache statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	segments := len(m.cached)
	m.mu.RUnlock()

	stats := Stats{
		Segments: segments,
		Loads:    m.loads.Load(),
		Drops:    m.drops.Load(),
	}
	for _, loc := range m.locations {
		used := loc.Used()
		stats.UsedBytes += used
		stats.MaxBytes += loc.MaxSize()
		stats.Locations = append(stats.Locations, LocationStats{
			Path:      loc.Path(),
			MaxSize:   loc.MaxSize(),
			Used:      used,
			Available: loc.Available(),
		})
	}
	return stats
}

func (m *Manager) pullerFor(seg *segment.Segment) (Puller, error) {
	typ, _ := seg.LoadSpec["type"].(string)
	if typ == "" {
		return nil, errors.Newf("segment %s loadSpec missing type", seg.ID())
	}

	puller, ok := m.pullers[typ]
	if !ok {
		return nil, errors.Newf("no puller registered for loadSpec type %q", typ)
	}
	return puller, nil
}

// reserveLocation claims capacity at the location with the most free space,
// which keeps large segments loadable for as long as possible.
func (m *Manager) reserveLocation(size int64) *Location {
	var best *Location
	var bestFree int64
	for _, loc := range m.locations {
		if free := loc.Available(); free >= size && free > bestFree {
			best, bestFree = loc, free
		}
	}
	if best != nil && best.Reserve(size) {
		return best
	}

	// A concurrent load can claim the chosen location between the scan and
	// the reserve. Fall back to whichever location still fits.
	for _, loc := range m.locations {
		if loc.Reserve(size) {
			return loc
		}
	}
	return nil
}

// findSegmentData returns the location whose disk holds the segment's
// directory, or nil.
func (m *Manager) findSegmentData(segmentID string) *Location {
	for _, loc := range m.locations {
		if info, err := os.Stat(loc.SegmentDir(segmentID)); err == nil && info.IsDir() {
			return loc
		}
	}
	return nil
}

func (m *Manager) register(seg *segment.Segment, loc *Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[seg.ID()] = &cachedSegment{segment: seg.Copy(), location: loc}
}

func (m *Manager) infoFilePath(segmentID string) string {
	return filepath.Join(m.infoDir, segmentID)
}

func (m *Manager) writeInfoFile(seg *segment.Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode descriptor for %s", seg.ID())
	}
	if err := os.WriteFile(m.infoFilePath(seg.ID()), data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write descriptor for %s", seg.ID())
	}
	return nil
}

// readInfoFile parses one descriptor file, deleting it when it is unreadable
// or its name does not match the segment identity it declares.
func (m *Manager) readInfoFile(name string) (*segment.Segment, bool) {
	path := filepath.Join(m.infoDir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Error().Err(err).Str("file", name).Msg("failed to read segment descriptor, removing")
		os.Remove(path)
		return nil, false
	}

	var seg segment.Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		m.logger.Error().Err(err).Str("file", name).Msg("corrupt segment descriptor, removing")
		os.Remove(path)
		return nil, false
	}

	if seg.ID() != name {
		m.logger.Warn().
			Str("file", name).
			Str("segment", seg.ID()).
			Msg("descriptor file name does not match segment identity, removing")
		os.Remove(path)
		return nil, false
	}

	return &seg, true
}
