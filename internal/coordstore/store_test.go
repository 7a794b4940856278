package coordstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/stevedore/loadQueue/server1", JoinPath("/stevedore", "loadQueue", "server1"))
	assert.Equal(t, "/stevedore", JoinPath("/stevedore"))
}

func TestChildName(t *testing.T) {
	tests := []struct {
		name     string
		dir      string
		key      string
		expected string
	}{
		{
			name:     "immediate child",
			dir:      "/base/loadQueue/server1",
			key:      "/base/loadQueue/server1/seg_v0",
			expected: "seg_v0",
		},
		{
			name:     "dir itself",
			dir:      "/base/loadQueue/server1",
			key:      "/base/loadQueue/server1",
			expected: "",
		},
		{
			name:     "nested deeper",
			dir:      "/base/loadQueue",
			key:      "/base/loadQueue/server1/seg_v0",
			expected: "",
		},
		{
			name:     "unrelated key",
			dir:      "/base/loadQueue/server1",
			key:      "/base/segments/server1/seg_v0",
			expected: "",
		},
		{
			name:     "sibling with shared prefix",
			dir:      "/base/loadQueue/server1",
			key:      "/base/loadQueue/server10/seg_v0",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, childName(tt.dir, tt.key))
		})
	}
}

func TestChildEventType_String(t *testing.T) {
	assert.Equal(t, "added", ChildAdded.String())
	assert.Equal(t, "removed", ChildRemoved.String())
	assert.Equal(t, "unknown", ChildEventType(42).String())
}
