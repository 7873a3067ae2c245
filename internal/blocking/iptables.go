package blocking

import (
	"context"
	"fmt"
	"sync"

	"logward/internal/support"

	"github.com/charmbracelet/log"
)

// IptablesBackend inserts DROP rules at the top of the INPUT chain. When a
// DOCKER-USER chain exists the rule is mirrored there, otherwise traffic to
// published container ports would bypass INPUT entirely.
type IptablesBackend struct {
	exec support.CommandExecutor

	detectOnce sync.Once
	hasDocker  bool
}

func NewIptablesBackend(exec support.CommandExecutor) *IptablesBackend {
	return &IptablesBackend{exec: exec}
}

func (b *IptablesBackend) Name() string { return "iptables" }

func (b *IptablesBackend) chains(ctx context.Context) []string {
	b.detectOnce.Do(func() {
		_, err := b.exec.Execute(ctx, "iptables", "-n", "-L", "DOCKER-USER")
		b.hasDocker = err == nil
	})
	if b.hasDocker {
		return []string{"INPUT", "DOCKER-USER"}
	}
	return []string{"INPUT"}
}

func (b *IptablesBackend) Enforce(ctx context.Context, ip, reason string) (string, error) {
	if !support.IsValidIP(ip) {
		return "", fmt.Errorf("iptables: refusing to block invalid ip %q", ip)
	}
	for _, chain := range b.chains(ctx) {
		if _, err := b.exec.Execute(ctx, "iptables", "-C", chain, "-s", ip, "-j", "DROP"); err == nil {
			continue
		}
		out, err := b.exec.Execute(ctx, "iptables", "-I", chain, "1", "-s", ip, "-j", "DROP")
		if err != nil {
			return "", fmt.Errorf("iptables: insert into %s failed: %w (%s)", chain, err, out)
		}
		log.Debug("inserted drop rule", "chain", chain, "ip", ip, "reason", reason)
	}
	return "", nil
}

// Lift deletes every matching rule, not just the first. Duplicate rules can
// accumulate across restarts and a single -D leaves the IP blocked.
func (b *IptablesBackend) Lift(ctx context.Context, ip, _ string) error {
	if !support.IsValidIP(ip) {
		return fmt.Errorf("iptables: invalid ip %q", ip)
	}
	for _, chain := range b.chains(ctx) {
		for i := 0; i < 25; i++ {
			if _, err := b.exec.Execute(ctx, "iptables", "-D", chain, "-s", ip, "-j", "DROP"); err != nil {
				break
			}
		}
	}
	return nil
}
