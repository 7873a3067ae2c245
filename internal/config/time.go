package config

import (
	"sync/atomic"
	"time"
)

const defaultRangeRefreshInterval = 24 * time.Hour

var rangeRefreshInterval atomic.Value

func init() {
	rangeRefreshInterval.Store(defaultRangeRefreshInterval)
}

// Timer is the JSON shape used for configurable intervals.
type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

// SetIntervals recomputes the derived durations from the active config.
// Called under configMu by applyConfigUpdate.
func SetIntervals() {
	cfg := GetConfig()

	interval := CalculateTimerDuration(cfg.Proxy.RangeRefreshTimer)
	if interval < time.Minute {
		interval = defaultRangeRefreshInterval
	}
	rangeRefreshInterval.Store(interval)
}

// CalculateTimerDuration converts a Timer into a duration with a one second
// floor so a zero timer never produces a hot loop.
func CalculateTimerDuration(timer Timer) time.Duration {
	ms := CalculateMillisecondsOfTimer(timer)

	minInterval := uint64(1000)
	if ms < minInterval {
		ms = minInterval
	}

	return time.Duration(ms) * time.Millisecond
}

// CalculateMillisecondsOfTimer returns the total duration in milliseconds.
func CalculateMillisecondsOfTimer(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

// GetRangeRefreshInterval returns how often the trusted-proxy ranges refresh.
func GetRangeRefreshInterval() time.Duration {
	return rangeRefreshInterval.Load().(time.Duration)
}
