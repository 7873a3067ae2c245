// Package runtime hosts the periodic maintenance routines that run beside
// the pipeline. Every routine stops with its context and none of them keep
// the process alive on their own.
package runtime

import (
	"context"
	"time"

	"logward/internal/botverify"
	"logward/internal/database"

	"github.com/charmbracelet/log"
)

const (
	dnsCacheSweepEvery  = time.Hour
	auditRetention      = 90 * 24 * time.Hour
	auditRetentionEvery = 24 * time.Hour
)

// Every runs fn on a fixed interval until the returned CancelFunc is called
// or the parent context ends.
func Every(parent context.Context, interval time.Duration, fn func(ctx context.Context)) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return cancel
}

// LaunchDNSCacheSweep evicts expired crawler verification results.
func LaunchDNSCacheSweep(parent context.Context, verifier *botverify.Verifier) context.CancelFunc {
	return Every(parent, dnsCacheSweepEvery, func(context.Context) {
		before := verifier.CacheSize()
		verifier.SweepCache()
		if after := verifier.CacheSize(); after < before {
			log.Debug("dns verification cache swept", "evicted", before-after, "remaining", after)
		}
	})
}

// LaunchAuditRetention trims audit rows past the retention horizon once a
// day, keeping the attack-event table bounded.
func LaunchAuditRetention(parent context.Context) context.CancelFunc {
	return Every(parent, auditRetentionEvery, func(context.Context) {
		cutoff := time.Now().Add(-auditRetention)
		removed, err := database.PruneAttackEvents(cutoff)
		if err != nil {
			log.Error("audit retention sweep failed", "error", err)
			return
		}
		if removed > 0 {
			log.Info("audit retention sweep", "removed", removed, "cutoff", cutoff.Format(time.DateOnly))
		}
	})
}
