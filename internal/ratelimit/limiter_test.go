package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"logward/internal/domain"
)

func TestRequestRateTriggersExactlyPastThreshold(t *testing.T) {
	l := New(Settings{
		Window:              time.Second,
		MaxRequestsPerSec:   100,
		MaxUniqueEndpoints:  1000,
		MaxErrorRatePercent: 100,
	})

	for i := 1; i <= 100; i++ {
		v := l.Check("203.0.113.5", "/", 200)
		if v.Triggered {
			t.Fatalf("call %d triggered early: %+v", i, v)
		}
	}

	v := l.Check("203.0.113.5", "/", 200)
	if !v.Triggered {
		t.Fatal("101st call within the window did not trigger")
	}
	if v.Metric != domain.MetricRequestRate {
		t.Fatalf("metric = %q, want %q", v.Metric, domain.MetricRequestRate)
	}
}

func TestEndpointScanDetection(t *testing.T) {
	l := New(Settings{
		Window:              10 * time.Second,
		MaxRequestsPerSec:   1000,
		MaxUniqueEndpoints:  5,
		MaxErrorRatePercent: 100,
	})

	var v domain.RateLimitVerdict
	for i := 0; i < 6; i++ {
		v = l.Check("198.51.100.9", fmt.Sprintf("/path-%d", i), 200)
	}
	if !v.Triggered || v.Metric != domain.MetricEndpointScan {
		t.Fatalf("expected endpoint_scan verdict, got %+v", v)
	}
}

func TestErrorRateNeedsMinimumSample(t *testing.T) {
	l := New(Settings{
		Window:              10 * time.Second,
		MaxRequestsPerSec:   1000,
		MaxUniqueEndpoints:  1000,
		MaxErrorRatePercent: 50,
	})

	// Nine straight errors stay under the sample floor.
	var v domain.RateLimitVerdict
	for i := 0; i < 9; i++ {
		v = l.Check("198.51.100.10", "/login", 403)
		if v.Triggered {
			t.Fatalf("triggered on call %d with a tiny sample: %+v", i+1, v)
		}
	}

	v = l.Check("198.51.100.10", "/login", 403)
	if !v.Triggered || v.Metric != domain.MetricErrorRate {
		t.Fatalf("expected error_rate verdict on the 10th call, got %+v", v)
	}
}

func TestNonTriggeredVerdictCarriesNoDiagnostic(t *testing.T) {
	l := New(Settings{
		Window:              time.Second,
		MaxRequestsPerSec:   100,
		MaxUniqueEndpoints:  30,
		MaxErrorRatePercent: 60,
	})

	v := l.Check("192.0.2.1", "/", 200)
	if v.Triggered || v.Reason != "" || v.Metric != "" {
		t.Fatalf("clean verdict carries diagnostics: %+v", v)
	}
}

func TestSweepEvictsIdleWindows(t *testing.T) {
	l := New(Settings{
		Window:              time.Millisecond,
		MaxRequestsPerSec:   1000,
		MaxUniqueEndpoints:  1000,
		MaxErrorRatePercent: 100,
	})

	l.Check("192.0.2.2", "/", 200)
	if l.Tracked() != 1 {
		t.Fatalf("tracked = %d, want 1", l.Tracked())
	}

	time.Sleep(10 * time.Millisecond)
	l.Sweep()

	if l.Tracked() != 0 {
		t.Fatalf("tracked = %d after sweep, want 0", l.Tracked())
	}
}
