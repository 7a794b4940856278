package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeRequest_Marshal(t *testing.T) {
	day := time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)
	seg := testSegment("test", day, "v0")

	load, err := NewLoadRequest(seg).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(load), `"action":"load"`)

	drop, err := NewDropRequest(seg).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(drop), `"action":"drop"`)
}

func TestParseChangeRequest(t *testing.T) {
	day := time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)
	valid, err := NewLoadRequest(testSegment("test", day, "v0")).Marshal()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{
			name:    "valid load",
			payload: valid,
		},
		{
			name:    "empty payload",
			payload: nil,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: []byte("not json at all"),
			wantErr: true,
		},
		{
			name:    "unknown action",
			payload: []byte(`{"action":"shuffle","segment":null}`),
			wantErr: true,
		},
		{
			name:    "missing segment",
			payload: []byte(`{"action":"load"}`),
			wantErr: true,
		},
		{
			name:    "segment missing identity",
			payload: []byte(`{"action":"load","segment":{"dataSource":"","version":"v0"}}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseChangeRequest(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, req)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, req)
			assert.Equal(t, ActionLoad, req.Action)
			assert.Equal(t, "test_2011-04-01T00:00:00.000Z_2011-04-02T00:00:00.000Z_v0", req.Segment.ID())
		})
	}
}

func TestChangeRequest_RoundTrip(t *testing.T) {
	day := time.Date(2011, 4, 1, 0, 0, 0, 0, time.UTC)
	original := NewDropRequest(testSegment("events", day, "v3"))

	data, err := original.Marshal()
	require.NoError(t, err)

	decoded, err := ParseChangeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, ActionDrop, decoded.Action)
	assert.True(t, original.Segment.Equal(decoded.Segment))
}
