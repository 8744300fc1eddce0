package library

import (
	"github.com/sasha-s/go-deadlock"
)

// NewSeenCache returns a bounded set of event ids with FIFO eviction. When
// capacity is reached the oldest id is forgotten first, so a redelivery of a
// very old event can in principle slip through; callers trade that for a hard
// memory bound.
func NewSeenCache(capacity int) *SeenCache {
	if capacity < 1 {
		capacity = 1
	}
	return &SeenCache{
		members:  make(map[Sha256]struct{}, capacity),
		order:    make([]Sha256, capacity),
		capacity: capacity,
		mutex:    &deadlock.Mutex{},
	}
}

// SeenCache suppresses duplicate handling of event ids when overlapping
// subscriptions or relay replays deliver the same event more than once.
type SeenCache struct {
	members  map[Sha256]struct{}
	order    []Sha256
	capacity int
	head     int
	count    int
	mutex    *deadlock.Mutex
}

// Observe records an id and reports whether it was seen for the first time.
func (s *SeenCache) Observe(id Sha256) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.members[id]; exists {
		return false
	}
	if s.count == s.capacity {
		oldest := s.order[s.head]
		delete(s.members, oldest)
		s.count--
	}
	s.order[s.head] = id
	s.head = (s.head + 1) % s.capacity
	s.members[id] = struct{}{}
	s.count++
	return true
}

func (s *SeenCache) Seen(id Sha256) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, exists := s.members[id]
	return exists
}

func (s *SeenCache) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.count
}
