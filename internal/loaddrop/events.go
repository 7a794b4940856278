package loaddrop

import (
	"time"

	"github.com/quayside/stevedore/internal/segment"
)

// SegmentEventType classifies lifecycle events emitted by the handler.
type SegmentEventType string

const (
	// EventLoadCompleted fires when a segment is cached and announced.
	EventLoadCompleted SegmentEventType = "load_completed"

	// EventLoadFailed fires when a load settles with an error.
	EventLoadFailed SegmentEventType = "load_failed"

	// EventDropScheduled fires when a drop is accepted and queued behind
	// the configured delay.
	EventDropScheduled SegmentEventType = "drop_scheduled"

	// EventDropCanceled fires when a load arrives inside the drop delay
	// and cancels the pending drop.
	EventDropCanceled SegmentEventType = "drop_canceled"

	// EventDropCompleted fires when a segment's local copy is deleted.
	EventDropCompleted SegmentEventType = "drop_completed"

	// EventDropFailed fires when the physical delete fails. The segment is
	// already unannounced by then.
	EventDropFailed SegmentEventType = "drop_failed"
)

// SegmentEvent is one observable lifecycle transition of a segment on this
// node. DurationMS is set on load terminals and measures queue pickup to
// settle, wait for an execution slot included.
type SegmentEvent struct {
	Type       SegmentEventType `json:"type"`
	SegmentID  string           `json:"segment_id"`
	DataSource string           `json:"data_source"`
	Error      string           `json:"error,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	At         time.Time        `json:"at"`
}

func newSegmentEvent(typ SegmentEventType, seg *segment.Segment, err error) SegmentEvent {
	ev := SegmentEvent{
		Type:       typ,
		SegmentID:  seg.ID(),
		DataSource: seg.DataSource,
		At:         time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func loadEvent(typ SegmentEventType, seg *segment.Segment, err error, began time.Time) SegmentEvent {
	ev := newSegmentEvent(typ, seg, err)
	ev.DurationMS = time.Since(began).Milliseconds()
	return ev
}
