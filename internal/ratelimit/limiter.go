// Package ratelimit detects request floods, endpoint scanning and abnormal
// error ratios with per-IP sliding windows held in memory.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"logward/internal/domain"
)

const (
	sweepInterval = 60 * time.Second

	// Windows idle longer than idleFactor times the window length are evicted.
	idleFactor = 5

	// Error-ratio checks need at least this many requests to mean anything.
	minSampleForErrorRate = 10
)

// Settings are the thresholds one limiter instance evaluates.
type Settings struct {
	Window              time.Duration
	MaxRequestsPerSec   float64
	MaxUniqueEndpoints  int
	MaxErrorRatePercent float64
}

type window struct {
	started    time.Time
	lastSeen   time.Time
	timestamps []time.Time
	endpoints  map[string]struct{}
	total      int
	errors     int
}

// Limiter owns the per-IP window map. Nothing else mutates it.
type Limiter struct {
	mu       sync.Mutex
	settings Settings
	windows  map[string]*window
}

func New(settings Settings) *Limiter {
	if settings.Window <= 0 {
		settings.Window = 10 * time.Second
	}
	return &Limiter{
		settings: settings,
		windows:  make(map[string]*window),
	}
}

// UpdateSettings replaces the thresholds. Existing windows keep counting.
func (l *Limiter) UpdateSettings(settings Settings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if settings.Window <= 0 {
		settings.Window = 10 * time.Second
	}
	l.settings = settings
}

// Check records one request and evaluates the three thresholds in order:
// request rate, endpoint scan, error ratio. The first trigger wins.
func (l *Limiter) Check(ip, endpoint string, statusCode int) domain.RateLimitVerdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	s := l.settings

	w, ok := l.windows[ip]
	if !ok || now.Sub(w.started) > s.Window {
		w = &window{
			started:   now,
			endpoints: make(map[string]struct{}),
		}
		l.windows[ip] = w
	}

	w.lastSeen = now
	w.timestamps = append(w.timestamps, now)
	w.endpoints[endpoint] = struct{}{}
	w.total++
	if statusCode >= 400 {
		w.errors++
	}

	// Prune entries that aged out of the window.
	cutoff := now.Add(-s.Window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	rate := float64(len(w.timestamps)) / s.Window.Seconds()
	if rate > s.MaxRequestsPerSec {
		return domain.RateLimitVerdict{
			Triggered: true,
			Reason:    fmt.Sprintf("request rate %.1f/s exceeds %.1f/s", rate, s.MaxRequestsPerSec),
			Metric:    domain.MetricRequestRate,
			Value:     rate,
			Threshold: s.MaxRequestsPerSec,
		}
	}

	if len(w.endpoints) > s.MaxUniqueEndpoints {
		return domain.RateLimitVerdict{
			Triggered: true,
			Reason:    fmt.Sprintf("%d distinct endpoints exceeds %d", len(w.endpoints), s.MaxUniqueEndpoints),
			Metric:    domain.MetricEndpointScan,
			Value:     float64(len(w.endpoints)),
			Threshold: float64(s.MaxUniqueEndpoints),
		}
	}

	if w.total >= minSampleForErrorRate {
		errRate := float64(w.errors) / float64(w.total) * 100
		if errRate > s.MaxErrorRatePercent {
			return domain.RateLimitVerdict{
				Triggered: true,
				Reason:    fmt.Sprintf("error rate %.0f%% exceeds %.0f%%", errRate, s.MaxErrorRatePercent),
				Metric:    domain.MetricErrorRate,
				Value:     errRate,
				Threshold: s.MaxErrorRatePercent,
			}
		}
	}

	return domain.RateLimitVerdict{}
}

// Sweep evicts windows idle longer than five window lengths.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	horizon := l.settings.Window * idleFactor
	now := time.Now()
	for ip, w := range l.windows {
		if now.Sub(w.lastSeen) > horizon {
			delete(l.windows, ip)
		}
	}
}

// Tracked returns how many IPs currently hold a window.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// LaunchSweep runs the eviction loop until the returned cancel fires.
func (l *Limiter) LaunchSweep(parent context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
	log.Debug("rate limiter sweep started", "interval", sweepInterval)
	return cancel
}
