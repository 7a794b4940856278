package segment

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Action identifies the kind of change requested for a segment.
type Action string

const (
	// ActionLoad asks the node to fetch a segment and start serving it.
	ActionLoad Action = "load"

	// ActionDrop asks the node to stop serving a segment and delete its
	// local copy.
	ActionDrop Action = "drop"
)

// ChangeRequest is the payload of one queue entry: a single action applied to
// a single segment.
type ChangeRequest struct {
	Action  Action   `json:"action"`
	Segment *Segment `json:"segment"`
}

// NewLoadRequest builds a load request for the given segment.
func NewLoadRequest(seg *Segment) *ChangeRequest {
	return &ChangeRequest{Action: ActionLoad, Segment: seg}
}

// NewDropRequest builds a drop request for the given segment.
func NewDropRequest(seg *Segment) *ChangeRequest {
	return &ChangeRequest{Action: ActionDrop, Segment: seg}
}

// Validate checks the request for a known action and a well formed segment.
func (r *ChangeRequest) Validate() error {
	if r == nil {
		return errors.New("change request is nil")
	}

	switch r.Action {
	case ActionLoad, ActionDrop:
	default:
		return errors.Newf("unknown change action %q", r.Action)
	}

	if err := r.Segment.Validate(); err != nil {
		return errors.Wrap(err, "invalid change segment")
	}
	return nil
}

// Marshal encodes the request to its JSON wire form.
func (r *ChangeRequest) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// ParseChangeRequest decodes and validates a queue-entry payload.
func ParseChangeRequest(data []byte) (*ChangeRequest, error) {
	if len(data) == 0 {
		return nil, errors.New("empty change request payload")
	}

	var req ChangeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.Wrap(err, "malformed change request payload")
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
