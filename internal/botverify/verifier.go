// Package botverify confirms claimed crawler identities with round-trip DNS:
// reverse-resolve the IP, require a canonical crawler domain, then
// forward-resolve the hostname and require the original IP back. Anything
// short of a full round trip stays unverified.
package botverify

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	cacheTTL        = 24 * time.Hour
	cacheMaxEntries = 10000
	dnsTimeout      = 5 * time.Second
)

type crawler struct {
	Name     string
	uaTokens []string
	suffixes []string
}

var knownCrawlers = []crawler{
	{"googlebot", []string{"googlebot"}, []string{".googlebot.com", ".google.com"}},
	{"bingbot", []string{"bingbot", "msnbot"}, []string{".search.msn.com"}},
	{"applebot", []string{"applebot"}, []string{".applebot.apple.com"}},
	{"duckduckbot", []string{"duckduckbot"}, []string{".duckduckgo.com"}},
	{"yandexbot", []string{"yandexbot", "yandex.com/bots"}, []string{".yandex.ru", ".yandex.net", ".yandex.com"}},
}

// Result of one verification. Unverified never implies malicious; it only
// means the crawler claim could not be proven.
type Result struct {
	Verified bool
	Crawler  string
	Hostname string
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

type dnsResolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Verifier owns the per-IP verification cache.
type Verifier struct {
	mu       sync.Mutex
	cache    map[string]cacheEntry
	resolver dnsResolver
}

func New() *Verifier {
	return &Verifier{
		cache:    make(map[string]cacheEntry),
		resolver: net.DefaultResolver,
	}
}

// Verify checks whether ip really is the crawler its User-Agent claims.
// DNS failures resolve to unverified, never to verified, and never block
// the caller beyond the DNS timeout.
func (v *Verifier) Verify(ctx context.Context, ip, userAgent string) Result {
	claimed := claimedCrawler(userAgent)
	if claimed == nil {
		return Result{}
	}

	v.mu.Lock()
	if entry, ok := v.cache[ip]; ok && time.Now().Before(entry.expiresAt) {
		v.mu.Unlock()
		return entry.result
	}
	v.mu.Unlock()

	result := v.roundTrip(ctx, ip, claimed)
	v.store(ip, result)
	return result
}

func (v *Verifier) roundTrip(ctx context.Context, ip string, claimed *crawler) Result {
	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	names, err := v.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		log.Debug("reverse DNS failed during bot verification", "ip", ip, "error", err)
		return Result{Crawler: claimed.Name}
	}

	for _, name := range names {
		hostname := strings.TrimSuffix(strings.ToLower(name), ".")
		if !hasCrawlerSuffix(hostname, claimed) {
			continue
		}

		addrs, err := v.resolver.LookupHost(ctx, hostname)
		if err != nil {
			log.Debug("forward DNS failed during bot verification", "host", hostname, "error", err)
			continue
		}
		for _, addr := range addrs {
			if addr == ip {
				return Result{Verified: true, Crawler: claimed.Name, Hostname: hostname}
			}
		}
	}

	return Result{Crawler: claimed.Name}
}

func (v *Verifier) store(ip string, result Result) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.cache) >= cacheMaxEntries {
		now := time.Now()
		for key, entry := range v.cache {
			if now.After(entry.expiresAt) {
				delete(v.cache, key)
			}
		}
	}
	v.cache[ip] = cacheEntry{result: result, expiresAt: time.Now().Add(cacheTTL)}
}

// CacheSize returns the number of cached verdicts.
func (v *Verifier) CacheSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}

// SweepCache drops expired entries. Wired to the engine's periodic cleanup.
func (v *Verifier) SweepCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	for key, entry := range v.cache {
		if now.After(entry.expiresAt) {
			delete(v.cache, key)
		}
	}
}

func claimedCrawler(userAgent string) *crawler {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return nil
	}
	for i := range knownCrawlers {
		for _, token := range knownCrawlers[i].uaTokens {
			if strings.Contains(ua, token) {
				return &knownCrawlers[i]
			}
		}
	}
	return nil
}

func hasCrawlerSuffix(hostname string, c *crawler) bool {
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(hostname, suffix) {
			return true
		}
	}
	return false
}
