package botverify

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeResolver struct {
	reverse map[string][]string
	forward map[string][]string
	err     error

	reverseCalls int
}

func (f *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	f.reverseCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.reverse[addr], nil
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.forward[host], nil
}

func newTestVerifier(r *fakeResolver) *Verifier {
	return &Verifier{
		cache:    make(map[string]cacheEntry),
		resolver: r,
	}
}

const googlebotUA = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

func TestFullRoundTripVerifies(t *testing.T) {
	v := newTestVerifier(&fakeResolver{
		reverse: map[string][]string{"66.249.66.1": {"crawl-66-249-66-1.googlebot.com."}},
		forward: map[string][]string{"crawl-66-249-66-1.googlebot.com": {"66.249.66.1"}},
	})

	got := v.Verify(context.Background(), "66.249.66.1", googlebotUA)
	if !got.Verified || got.Crawler != "googlebot" {
		t.Fatalf("Verify = %+v, want verified googlebot", got)
	}
	if got.Hostname != "crawl-66-249-66-1.googlebot.com" {
		t.Fatalf("hostname = %q", got.Hostname)
	}
}

func TestForwardMismatchStaysUnverified(t *testing.T) {
	v := newTestVerifier(&fakeResolver{
		reverse: map[string][]string{"203.0.113.7": {"crawl-fake.googlebot.com."}},
		forward: map[string][]string{"crawl-fake.googlebot.com": {"66.249.66.1"}},
	})

	if got := v.Verify(context.Background(), "203.0.113.7", googlebotUA); got.Verified {
		t.Fatalf("spoofed reverse record verified: %+v", got)
	}
}

func TestWrongSuffixStaysUnverified(t *testing.T) {
	v := newTestVerifier(&fakeResolver{
		reverse: map[string][]string{"203.0.113.7": {"host.attacker.example."}},
		forward: map[string][]string{"host.attacker.example": {"203.0.113.7"}},
	})

	if got := v.Verify(context.Background(), "203.0.113.7", googlebotUA); got.Verified {
		t.Fatalf("non-canonical suffix verified: %+v", got)
	}
}

func TestDNSFailureResolvesToUnverified(t *testing.T) {
	v := newTestVerifier(&fakeResolver{err: errors.New("dns timeout")})

	if got := v.Verify(context.Background(), "66.249.66.1", googlebotUA); got.Verified {
		t.Fatalf("DNS failure produced a verified result: %+v", got)
	}
}

func TestNoClaimSkipsDNSEntirely(t *testing.T) {
	r := &fakeResolver{}
	v := newTestVerifier(r)

	got := v.Verify(context.Background(), "203.0.113.7", "curl/8.1")
	if got.Verified || got.Crawler != "" {
		t.Fatalf("plain UA produced a crawler result: %+v", got)
	}
	if r.reverseCalls != 0 {
		t.Fatalf("reverse DNS performed %d times for a non-crawler UA", r.reverseCalls)
	}
}

func TestResultIsCached(t *testing.T) {
	r := &fakeResolver{
		reverse: map[string][]string{"66.249.66.1": {"crawl-66-249-66-1.googlebot.com."}},
		forward: map[string][]string{"crawl-66-249-66-1.googlebot.com": {"66.249.66.1"}},
	}
	v := newTestVerifier(r)

	v.Verify(context.Background(), "66.249.66.1", googlebotUA)
	v.Verify(context.Background(), "66.249.66.1", googlebotUA)

	if r.reverseCalls != 1 {
		t.Fatalf("reverse DNS performed %d times, want 1 (cached)", r.reverseCalls)
	}
}

func TestSweepCacheDropsExpiredEntries(t *testing.T) {
	v := newTestVerifier(&fakeResolver{})
	v.cache["203.0.113.7"] = cacheEntry{expiresAt: time.Now().Add(-time.Hour)}
	v.cache["203.0.113.8"] = cacheEntry{expiresAt: time.Now().Add(time.Hour)}

	v.SweepCache()

	if v.CacheSize() != 1 {
		t.Fatalf("cache size = %d after sweep, want 1", v.CacheSize())
	}
}
