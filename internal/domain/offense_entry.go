package domain

import "time"

// OffenseEntry tracks repeat violations from one real IP inside the sliding
// offense window. Held in memory by the blocker, never persisted.
type OffenseEntry struct {
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time

	// Actions lists past action kinds in the order they were taken.
	Actions []string
}

// Stale reports whether the entry has seen no activity for longer than the
// given horizon.
func (o *OffenseEntry) Stale(now time.Time, horizon time.Duration) bool {
	return now.Sub(o.LastSeen) > horizon
}
