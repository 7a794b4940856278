package segment

import (
	"fmt"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
)

// Segment describes one immutable data segment: its identity (datasource,
// interval, version, partition) plus the metadata a node needs to fetch and
// serve it.
type Segment struct {
	DataSource    string         `json:"dataSource"`
	Interval      Interval       `json:"interval"`
	Version       string         `json:"version"`
	PartitionNum  int            `json:"partitionNum"`
	LoadSpec      map[string]any `json:"loadSpec,omitempty"`
	Dimensions    []string       `json:"dimensions,omitempty"`
	Metrics       []string       `json:"metrics,omitempty"`
	BinaryVersion int            `json:"binaryVersion,omitempty"`
	Size          int64          `json:"size"`
}

// ID returns the canonical segment identifier. The identifier doubles as the
// queue-entry name and the on-disk directory name, so it contains no path
// separators.
func (s *Segment) ID() string {
	id := fmt.Sprintf("%s_%s_%s_%s",
		s.DataSource,
		s.Interval.Start.UTC().Format(TimeFormat),
		s.Interval.End.UTC().Format(TimeFormat),
		s.Version,
	)
	if s.PartitionNum != 0 {
		id = fmt.Sprintf("%s_%d", id, s.PartitionNum)
	}
	return id
}

// Validate checks that the segment carries a usable identity.
func (s *Segment) Validate() error {
	if s == nil {
		return errors.New("segment is nil")
	}
	if s.DataSource == "" {
		return errors.New("segment datasource is empty")
	}
	if s.Version == "" {
		return errors.New("segment version is empty")
	}
	if s.Interval.Start.IsZero() || s.Interval.End.IsZero() {
		return errors.Newf("segment %s interval is unset", s.DataSource)
	}
	if !s.Interval.End.After(s.Interval.Start) {
		return errors.Newf("segment %s interval end must be after start", s.DataSource)
	}
	if s.Size < 0 {
		return errors.Newf("segment %s size is negative", s.ID())
	}
	return nil
}

// Copy returns a deep copy of the segment.
func (s *Segment) Copy() *Segment {
	if s == nil {
		return nil
	}

	dup := *s
	dup.LoadSpec = maps.Clone(s.LoadSpec)
	dup.Dimensions = slices.Clone(s.Dimensions)
	dup.Metrics = slices.Clone(s.Metrics)
	return &dup
}

// Equal reports whether two segments share the same identity.
func (s *Segment) Equal(other *Segment) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ID() == other.ID()
}
