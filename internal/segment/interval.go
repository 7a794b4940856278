package segment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TimeFormat is the canonical instant format used in interval strings and
// segment identifiers. Millisecond precision, UTC rendered as "Z".
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Interval is a half-open time range [Start, End) covered by a segment.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval creates an interval from two instants.
func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start.UTC(), End: end.UTC()}
}

// ParseInterval parses a "start/end" interval string.
func ParseInterval(s string) (Interval, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return Interval{}, errors.Newf("invalid interval %q: expected start/end", s)
	}

	start, err := time.Parse(TimeFormat, parts[0])
	if err != nil {
		return Interval{}, errors.Wrapf(err, "invalid interval start %q", parts[0])
	}

	end, err := time.Parse(TimeFormat, parts[1])
	if err != nil {
		return Interval{}, errors.Wrapf(err, "invalid interval end %q", parts[1])
	}

	if !end.After(start) {
		return Interval{}, errors.Newf("invalid interval %q: end must be after start", s)
	}

	return NewInterval(start, end), nil
}

// String renders the interval as "start/end".
func (i Interval) String() string {
	return i.Start.UTC().Format(TimeFormat) + "/" + i.End.UTC().Format(TimeFormat)
}

// Duration returns the length of the interval.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Contains reports whether t falls inside the half-open range.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Overlaps reports whether two intervals share any instant.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// Equal reports whether two intervals cover the same range.
func (i Interval) Equal(other Interval) bool {
	return i.Start.Equal(other.Start) && i.End.Equal(other.End)
}

// MarshalJSON encodes the interval as a "start/end" string.
func (i Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON decodes an interval from its "start/end" string form.
func (i *Interval) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseInterval(s)
	if err != nil {
		return err
	}

	*i = parsed
	return nil
}
