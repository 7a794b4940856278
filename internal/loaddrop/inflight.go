package loaddrop

import (
	"hash/fnv"
	"sync"
)

const inflightShardCount = 16

// opKind identifies which operation holds a segment's in-flight slot.
type opKind int

const (
	opLoad opKind = iota + 1
	opDrop
)

// inflightSet tracks segments with an executing operation. Each segment has
// one slot, claimed for the whole life of its load or drop, which is what
// keeps opposing operations on the same segment from running concurrently.
// The set is sharded so unrelated segments never contend on one lock.
type inflightSet struct {
	shards [inflightShardCount]inflightShard
}

type inflightShard struct {
	mu  sync.Mutex
	ids map[string]opKind
}

func newInflightSet() *inflightSet {
	s := &inflightSet{}
	for i := range s.shards {
		s.shards[i].ids = make(map[string]opKind)
	}
	return s
}

// TryAdd claims the slot for id, reporting false if any operation holds it.
func (s *inflightSet) TryAdd(id string, op opKind) bool {
	shard := s.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, held := shard.ids[id]; held {
		return false
	}
	shard.ids[id] = op
	return true
}

// Remove releases the slot for id.
func (s *inflightSet) Remove(id string) {
	shard := s.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.ids, id)
}

// Contains reports whether any operation holds the slot for id.
func (s *inflightSet) Contains(id string) bool {
	shard := s.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	_, held := shard.ids[id]
	return held
}

// Len counts slots currently held.
func (s *inflightSet) Len() int {
	total := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		total += len(shard.ids)
		shard.mu.Unlock()
	}
	return total
}

func (s *inflightSet) shard(id string) *inflightShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%inflightShardCount]
}
