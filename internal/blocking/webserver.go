package blocking

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"logward/internal/support"

	"github.com/charmbracelet/log"
)

const (
	FlavorNginx  = "nginx"
	FlavorApache = "apache"
)

var ErrNoWebserver = errors.New("no supported web server detected")

// WebserverBackend maintains a generated deny fragment that the web server
// includes. Nginx gets "deny IP;" lines, Apache gets "Require not ip IP".
// The fragment is rewritten atomically and re-read for validation before a
// change counts as active.
type WebserverBackend struct {
	flavor   string
	denyPath string
	mu       sync.Mutex
}

// NewWebserverBackend uses the configured flavor and path, falling back to
// filesystem detection when either is empty.
func NewWebserverBackend(flavor, denyPath string) (*WebserverBackend, error) {
	if flavor == "" {
		flavor = detectFlavor()
	}
	switch flavor {
	case FlavorNginx:
		if denyPath == "" {
			denyPath = "/etc/nginx/conf.d/logward_deny.conf"
		}
	case FlavorApache:
		if denyPath == "" {
			denyPath = "/etc/apache2/conf-enabled/logward_deny.conf"
		}
	default:
		return nil, ErrNoWebserver
	}
	return &WebserverBackend{flavor: flavor, denyPath: denyPath}, nil
}

func detectFlavor() string {
	if _, err := os.Stat("/etc/nginx/nginx.conf"); err == nil {
		return FlavorNginx
	}
	for _, p := range []string{"/etc/apache2/apache2.conf", "/etc/httpd/conf/httpd.conf"} {
		if _, err := os.Stat(p); err == nil {
			return FlavorApache
		}
	}
	return ""
}

func (b *WebserverBackend) Name() string { return "webserver" }

func (b *WebserverBackend) Flavor() string { return b.flavor }

func (b *WebserverBackend) denyLine(ip string) string {
	if b.flavor == FlavorApache {
		return "Require not ip " + ip
	}
	return "deny " + ip + ";"
}

func (b *WebserverBackend) Enforce(ctx context.Context, ip, reason string) (string, error) {
	if !support.IsValidIP(ip) {
		return "", fmt.Errorf("webserver: invalid ip %q", ip)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	lines, err := b.readFragment()
	if err != nil {
		return "", err
	}
	want := b.denyLine(ip)
	for _, l := range lines {
		if l == want {
			return "", nil
		}
	}
	lines = append(lines, want)
	if err := b.writeFragment(lines); err != nil {
		return "", err
	}
	if err := b.validate(ip, true); err != nil {
		return "", err
	}
	log.Debug("deny fragment updated", "flavor", b.flavor, "ip", ip, "reason", reason)
	return "", nil
}

func (b *WebserverBackend) Lift(ctx context.Context, ip, _ string) error {
	if !support.IsValidIP(ip) {
		return fmt.Errorf("webserver: invalid ip %q", ip)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	lines, err := b.readFragment()
	if err != nil {
		return err
	}
	kept := lines[:0]
	removed := false
	for _, l := range lines {
		if l == b.denyLine(ip) {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	if !removed {
		return nil
	}
	if err := b.writeFragment(kept); err != nil {
		return err
	}
	return b.validate(ip, false)
}

func (b *WebserverBackend) readFragment() ([]string, error) {
	f, err := os.Open(b.denyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("webserver: read deny fragment: %w", err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

// writeFragment writes to a temp file in the same directory and renames it
// into place so the server never includes a half-written fragment.
func (b *WebserverBackend) writeFragment(lines []string) error {
	dir := filepath.Dir(b.denyPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("# managed by logward, do not edit\n")
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(dir, ".logward_deny-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), b.denyPath)
}

// validate re-reads the fragment and confirms the expected presence state of
// the entry, plus a syntax check on every line we own.
func (b *WebserverBackend) validate(ip string, wantPresent bool) error {
	lines, err := b.readFragment()
	if err != nil {
		return err
	}
	present := false
	for _, l := range lines {
		if !b.validLine(l) {
			return fmt.Errorf("webserver: malformed deny entry %q", l)
		}
		if l == b.denyLine(ip) {
			present = true
		}
	}
	if present != wantPresent {
		return fmt.Errorf("webserver: deny fragment validation failed for %s", ip)
	}
	return nil
}

func (b *WebserverBackend) validLine(line string) bool {
	switch b.flavor {
	case FlavorApache:
		rest, ok := strings.CutPrefix(line, "Require not ip ")
		return ok && support.IsValidIP(strings.TrimSpace(rest))
	default:
		rest, ok := strings.CutPrefix(line, "deny ")
		if !ok || !strings.HasSuffix(rest, ";") {
			return false
		}
		return support.IsValidIP(strings.TrimSuffix(rest, ";"))
	}
}
