package config

import (
	"testing"
	"time"
)

func TestCalculateMillisecondsOfTimer(t *testing.T) {
	timer := Timer{Days: 1, Hours: 2, Minutes: 3, Seconds: 4}
	want := uint64((24*60*60 + 2*60*60 + 3*60 + 4) * 1000)

	if got := CalculateMillisecondsOfTimer(timer); got != want {
		t.Fatalf("CalculateMillisecondsOfTimer returned %d, want %d", got, want)
	}
}

func TestCalculateTimerDuration(t *testing.T) {
	t.Run("enforces minimum interval", func(t *testing.T) {
		if got := CalculateTimerDuration(Timer{}); got != time.Second {
			t.Fatalf("CalculateTimerDuration returned %s, want 1s", got)
		}
	})

	t.Run("returns configured duration", func(t *testing.T) {
		if got := CalculateTimerDuration(Timer{Minutes: 1, Seconds: 30}); got != 90*time.Second {
			t.Fatalf("CalculateTimerDuration returned %s, want 1m30s", got)
		}
	})
}

func TestSetIntervals(t *testing.T) {
	origCfg := GetConfig()
	origInterval := GetRangeRefreshInterval()
	t.Cleanup(func() {
		configValue.Store(origCfg)
		rangeRefreshInterval.Store(origInterval)
	})

	testCfg := Config{}
	testCfg.Proxy.RangeRefreshTimer = Timer{Hours: 6}
	configValue.Store(testCfg)

	SetIntervals()

	if got := GetRangeRefreshInterval(); got != 6*time.Hour {
		t.Fatalf("GetRangeRefreshInterval returned %s, want 6h", got)
	}
}

func TestSetIntervalsRejectsTinyTimer(t *testing.T) {
	origCfg := GetConfig()
	origInterval := GetRangeRefreshInterval()
	t.Cleanup(func() {
		configValue.Store(origCfg)
		rangeRefreshInterval.Store(origInterval)
	})

	testCfg := Config{}
	testCfg.Proxy.RangeRefreshTimer = Timer{Seconds: 5}
	configValue.Store(testCfg)

	SetIntervals()

	if got := GetRangeRefreshInterval(); got != defaultRangeRefreshInterval {
		t.Fatalf("GetRangeRefreshInterval returned %s, want default %s", got, defaultRangeRefreshInterval)
	}
}

func TestNormalizeConfigDefaults(t *testing.T) {
	cfg := Config{}
	normalizeConfig(&cfg)

	if cfg.Defense.OffenseWindowSec != 60 {
		t.Fatalf("offense window defaulted to %d, want 60", cfg.Defense.OffenseWindowSec)
	}
	if cfg.Defense.PermBlockAfterTempBlocks != 3 {
		t.Fatalf("perm threshold defaulted to %d, want 3", cfg.Defense.PermBlockAfterTempBlocks)
	}
	if cfg.Defense.TempBlockMaxMinutes < cfg.Defense.TempBlockMinMinutes {
		t.Fatal("temp block range is inverted after normalization")
	}
	if cfg.Whitelist.Path == "" {
		t.Fatal("whitelist path not defaulted")
	}
}

func TestCloudflareConfigured(t *testing.T) {
	var cfg Config
	if cfg.CloudflareConfigured() {
		t.Fatal("empty credentials reported as configured")
	}

	cfg.Cloudflare.APIToken = "tok"
	if !cfg.CloudflareConfigured() {
		t.Fatal("scoped token not recognized")
	}

	cfg = Config{}
	cfg.Cloudflare.APIKey = "key"
	if cfg.CloudflareConfigured() {
		t.Fatal("global key without email reported as configured")
	}
	cfg.Cloudflare.Email = "ops@example.com"
	if !cfg.CloudflareConfigured() {
		t.Fatal("global key + email not recognized")
	}
}
