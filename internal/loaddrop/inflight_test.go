package loaddrop

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInflightSet(t *testing.T) {
	s := newInflightSet()

	assert.True(t, s.TryAdd("seg-a", opLoad))
	assert.False(t, s.TryAdd("seg-a", opLoad), "same segment cannot be added twice")
	assert.False(t, s.TryAdd("seg-a", opDrop), "kind does not matter for exclusion")
	assert.True(t, s.TryAdd("seg-b", opDrop))

	assert.True(t, s.Contains("seg-a"))
	assert.True(t, s.Contains("seg-b"))
	assert.False(t, s.Contains("seg-c"))
	assert.Equal(t, 2, s.Len())

	s.Remove("seg-a")
	assert.False(t, s.Contains("seg-a"))
	assert.Equal(t, 1, s.Len())

	// Removing an absent segment is harmless
	s.Remove("seg-a")
	assert.Equal(t, 1, s.Len())

	assert.True(t, s.TryAdd("seg-a", opDrop), "slot is free again after removal")
}

func TestInflightSetConcurrent(t *testing.T) {
	s := newInflightSet()

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	wins := make([]int, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if s.TryAdd(fmt.Sprintf("seg-%d", i), opLoad) {
					wins[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range wins {
		total += n
	}
	assert.Equal(t, perWorker, total, "each segment admitted exactly once across workers")
	assert.Equal(t, perWorker, s.Len())
}
