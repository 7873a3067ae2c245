// Package proxyrange maintains the set of trusted-proxy CIDR blocks: the
// CDN's published edge ranges plus operator-supplied ranges. The compiled set
// lives behind an atomic value so lookups never contend with refreshes.
package proxyrange

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"logward/internal/cidr"
	"logward/internal/config"
	"logward/internal/database"
)

const (
	ipv4ListURL = "https://www.cloudflare.com/ips-v4"
	ipv6ListURL = "https://www.cloudflare.com/ips-v6"

	// Cached ranges older than this are refetched on startup.
	cacheStaleAfter = 48 * time.Hour

	maxResponseBytes = 1 << 20 // 1 MiB safety cap
)

type compiledSet struct {
	prefixes []cidr.Prefix
	raw      []string
}

// Store owns the compiled trusted-proxy list and its refresh cycle.
type Store struct {
	cdn        atomic.Value // compiledSet
	operator   atomic.Value // compiledSet
	refreshing singleflight.Group
	client     *http.Client

	v4URL string
	v6URL string
}

func New() *Store {
	s := &Store{
		client: &http.Client{Timeout: 30 * time.Second},
		v4URL:  ipv4ListURL,
		v6URL:  ipv6ListURL,
	}
	s.cdn.Store(compiledSet{})
	s.operator.Store(compiledSet{})
	return s
}

// Bootstrap fills the store at startup: durable cache if fresh enough, then
// a live fetch, then the built-in snapshot. The store is never left empty.
func (s *Store) Bootstrap(ctx context.Context) {
	rows, fetchedAt, err := database.LoadProxyRanges()
	if err == nil && len(rows) > 0 && time.Since(fetchedAt) < cacheStaleAfter {
		raw := make([]string, 0, len(rows))
		for _, row := range rows {
			raw = append(raw, row.CIDR)
		}
		if set, err := compile(raw); err == nil {
			s.cdn.Store(set)
			log.Info("Trusted proxy ranges loaded from cache", "count", len(set.prefixes), "age", time.Since(fetchedAt).Round(time.Minute))
			return
		}
	}

	if err := s.Refresh(ctx); err != nil {
		log.Warn("Initial proxy range fetch failed, using built-in snapshot", "error", err)
		fallback := append(append([]string{}, snapshotV4...), snapshotV6...)
		if set, err := compile(fallback); err == nil {
			s.cdn.Store(set)
		}
	}
}

// Refresh fetches both published lists and atomically swaps the compiled
// set. Concurrent callers share one flight. A failed refresh keeps the
// last-known-good set; it never empties the active list.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.refreshing.Do("refresh", func() (any, error) {
		v4, err := s.fetchList(ctx, s.v4URL)
		if err != nil {
			return nil, fmt.Errorf("proxyrange: fetch v4 list: %w", err)
		}
		v6, err := s.fetchList(ctx, s.v6URL)
		if err != nil {
			return nil, fmt.Errorf("proxyrange: fetch v6 list: %w", err)
		}

		all := append(append([]string{}, v4...), v6...)
		set, err := compile(all)
		if err != nil {
			return nil, fmt.Errorf("proxyrange: compile fetched ranges: %w", err)
		}
		if len(set.prefixes) == 0 {
			return nil, fmt.Errorf("proxyrange: fetched lists were empty")
		}

		s.cdn.Store(set)
		log.Info("Trusted proxy ranges refreshed", "v4", len(v4), "v6", len(v6))

		if err := database.ReplaceProxyRanges(4, v4, s.v4URL); err != nil {
			log.Warn("Could not persist v4 proxy ranges", "error", err)
		}
		if err := database.ReplaceProxyRanges(6, v6, s.v6URL); err != nil {
			log.Warn("Could not persist v6 proxy ranges", "error", err)
		}
		return nil, nil
	})
	return err
}

// SetOperatorRanges replaces the operator-supplied CIDR set atomically.
// Invalid entries fail the whole call so a typo cannot silently shrink the
// trusted set.
func (s *Store) SetOperatorRanges(cidrs []string) error {
	set, err := compile(cidrs)
	if err != nil {
		return fmt.Errorf("proxyrange: operator ranges: %w", err)
	}
	s.operator.Store(set)
	return nil
}

// IsTrustedProxy reports whether ip belongs to the CDN's ranges or an
// operator-supplied range.
func (s *Store) IsTrustedProxy(ip string) bool {
	if cidr.ContainsAny(ip, s.cdn.Load().(compiledSet).prefixes) {
		return true
	}
	return cidr.ContainsAny(ip, s.operator.Load().(compiledSet).prefixes)
}

// Ranges returns the raw CIDR strings currently active (CDN then operator).
func (s *Store) Ranges() []string {
	cdn := s.cdn.Load().(compiledSet)
	op := s.operator.Load().(compiledSet)
	out := make([]string, 0, len(cdn.raw)+len(op.raw))
	out = append(out, cdn.raw...)
	out = append(out, op.raw...)
	return out
}

// LaunchRefresh re-fetches the published ranges on the configured interval
// until the returned cancel fires.
func (s *Store) LaunchRefresh(parent context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		for {
			interval := config.GetRangeRefreshInterval()
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				if err := s.Refresh(ctx); err != nil {
					log.Warn("Scheduled proxy range refresh failed, keeping previous set", "error", err)
				}
			}
		}
	}()
	return cancel
}

func (s *Store) fetchList(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	var cidrs []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cidrs = append(cidrs, line)
	}
	return cidrs, scanner.Err()
}

func compile(raw []string) (compiledSet, error) {
	set := compiledSet{
		prefixes: make([]cidr.Prefix, 0, len(raw)),
		raw:      make([]string, 0, len(raw)),
	}
	for _, c := range raw {
		p, err := cidr.Parse(c)
		if err != nil {
			return compiledSet{}, err
		}
		set.prefixes = append(set.prefixes, p)
		set.raw = append(set.raw, c)
	}
	return set, nil
}
