package blocker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"logward/internal/support"
)

// Whitelist is a persisted set of IPs that are never blocked. The backing
// file is a plain JSON array of strings, rewritten on every mutation.
type Whitelist struct {
	mu   sync.RWMutex
	path string
	ips  map[string]struct{}
}

// LoadWhitelist reads the whitelist file. A missing file yields an empty set.
func LoadWhitelist(path string) (*Whitelist, error) {
	w := &Whitelist{path: path, ips: make(map[string]struct{})}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return w, nil
		}
		return nil, fmt.Errorf("whitelist: read %s: %w", path, err)
	}
	var entries []string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("whitelist: parse %s: %w", path, err)
	}
	for _, ip := range entries {
		if support.IsValidIP(ip) {
			w.ips[ip] = struct{}{}
		}
	}
	return w, nil
}

func (w *Whitelist) Contains(ip string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.ips[ip]
	return ok
}

// Add inserts ip and persists. Returns false without touching the file when
// the ip was already present.
func (w *Whitelist) Add(ip string) (bool, error) {
	if !support.IsValidIP(ip) {
		return false, fmt.Errorf("whitelist: invalid ip %q", ip)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ips[ip]; ok {
		return false, nil
	}
	w.ips[ip] = struct{}{}
	if err := w.persistLocked(); err != nil {
		delete(w.ips, ip)
		return false, err
	}
	return true, nil
}

func (w *Whitelist) Remove(ip string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ips[ip]; !ok {
		return false, nil
	}
	delete(w.ips, ip)
	if err := w.persistLocked(); err != nil {
		w.ips[ip] = struct{}{}
		return false, err
	}
	return true, nil
}

func (w *Whitelist) List() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.ips))
	for ip := range w.ips {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

func (w *Whitelist) persistLocked() error {
	entries := make([]string, 0, len(w.ips))
	for ip := range w.ips {
		entries = append(entries, ip)
	}
	sort.Strings(entries)
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(w.path, raw, 0o644)
}
