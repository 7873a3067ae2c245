package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsAndStops(t *testing.T) {
	var runs atomic.Int32
	cancel := Every(context.Background(), 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("routine ran %d times, want at least 3", runs.Load())
	}

	cancel()
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got > settled+1 {
		t.Fatalf("routine kept running after cancel: %d -> %d", settled, got)
	}
}

func TestEveryStopsWithParentContext(t *testing.T) {
	ctx, cancelParent := context.WithCancel(context.Background())
	var runs atomic.Int32
	Every(ctx, 10*time.Millisecond, func(context.Context) { runs.Add(1) })

	cancelParent()
	time.Sleep(30 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != settled {
		t.Fatalf("routine kept running after parent cancel: %d -> %d", settled, got)
	}
}
