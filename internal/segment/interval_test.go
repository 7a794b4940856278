package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid interval",
			input: "2011-04-01T00:00:00.000Z/2011-04-02T00:00:00.000Z",
		},
		{
			name:  "offset zone",
			input: "2011-04-01T02:00:00.000+02:00/2011-04-02T00:00:00.000Z",
		},
		{
			name:    "missing separator",
			input:   "2011-04-01T00:00:00.000Z",
			wantErr: true,
		},
		{
			name:    "bad start",
			input:   "yesterday/2011-04-02T00:00:00.000Z",
			wantErr: true,
		},
		{
			name:    "bad end",
			input:   "2011-04-01T00:00:00.000Z/tomorrow",
			wantErr: true,
		},
		{
			name:    "end before start",
			input:   "2011-04-02T00:00:00.000Z/2011-04-01T00:00:00.000Z",
			wantErr: true,
		},
		{
			name:    "zero length",
			input:   "2011-04-01T00:00:00.000Z/2011-04-01T00:00:00.000Z",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interval, err := ParseInterval(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.True(t, interval.End.After(interval.Start))
		})
	}
}

func TestInterval_String(t *testing.T) {
	interval := NewInterval(
		time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2011, 4, 2, 0, 0, 0, 0, time.UTC),
	)

	assert.Equal(t, "2011-04-01T00:00:00.000Z/2011-04-02T00:00:00.000Z", interval.String())

	parsed, err := ParseInterval(interval.String())
	require.NoError(t, err)
	assert.True(t, interval.Equal(parsed))
}

func TestInterval_Contains(t *testing.T) {
	start := time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	interval := NewInterval(start, end)

	assert.True(t, interval.Contains(start), "start is inclusive")
	assert.True(t, interval.Contains(start.Add(time.Hour)))
	assert.False(t, interval.Contains(end), "end is exclusive")
	assert.False(t, interval.Contains(start.Add(-time.Second)))
}

func TestInterval_Overlaps(t *testing.T) {
	day := func(d int) time.Time {
		return time.Date(2011, 4, d, 0, 0, 0, 0, time.UTC)
	}

	a := NewInterval(day(1), day(3))
	b := NewInterval(day(2), day(4))
	c := NewInterval(day(3), day(5))

	assert.True(t, a.Overlaps(b))
	assert.True(t, b.Overlaps(a))
	assert.False(t, a.Overlaps(c), "adjacent intervals do not overlap")
}
