package pipeline

import (
	"sync"
	"time"

	"logward/internal/domain"
)

// Snapshot is one point-in-time view of pipeline counters.
type Snapshot struct {
	Processed    uint64            `json:"processed"`
	Dropped      uint64            `json:"dropped"`
	Detections   uint64            `json:"detections"`
	ByCategory   map[string]uint64 `json:"by_category"`
	ByAction     map[string]uint64 `json:"by_action"`
	LastActivity time.Time         `json:"last_activity"`
}

// Stats aggregates pipeline counters and fans every update out to
// subscribers. Slow subscribers miss updates instead of blocking the
// pipeline.
type Stats struct {
	mu          sync.Mutex
	processed   uint64
	dropped     uint64
	detections  uint64
	byCategory  map[string]uint64
	byAction    map[string]uint64
	lastSeen    time.Time
	subscribers []chan Snapshot
}

func NewStats() *Stats {
	return &Stats{
		byCategory: make(map[string]uint64),
		byAction:   make(map[string]uint64),
	}
}

func (s *Stats) RecordProcessed() {
	s.mu.Lock()
	s.processed++
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Stats) RecordDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// RecordDetection updates counters and broadcasts the new snapshot.
func (s *Stats) RecordDetection(category string, _ domain.RiskLevel, action string) {
	s.mu.Lock()
	s.detections++
	s.byCategory[category]++
	if action != "" {
		s.byAction[action]++
	}
	s.lastSeen = time.Now()
	snap := s.snapshotLocked()
	subs := s.subscribers
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// RecordAction counts the defense action taken for an earlier detection.
func (s *Stats) RecordAction(action string) {
	if action == "" {
		return
	}
	s.mu.Lock()
	s.byAction[action]++
	s.mu.Unlock()
}

// Subscribe returns a channel that receives a snapshot after every
// detection. Intended for the admin event stream.
func (s *Stats) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 16)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stats) snapshotLocked() Snapshot {
	snap := Snapshot{
		Processed:    s.processed,
		Dropped:      s.dropped,
		Detections:   s.detections,
		ByCategory:   make(map[string]uint64, len(s.byCategory)),
		ByAction:     make(map[string]uint64, len(s.byAction)),
		LastActivity: s.lastSeen,
	}
	for k, v := range s.byCategory {
		snap.ByCategory[k] = v
	}
	for k, v := range s.byAction {
		snap.ByAction[k] = v
	}
	return snap
}
