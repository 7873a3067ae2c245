// Package blocker implements the progressive defense state machine. Per IP
// the state moves none -> logged -> temp_block -> perm_block; perm_block is
// terminal short of a manual unblock.
package blocker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"logward/internal/blocking"
	"logward/internal/botverify"
	"logward/internal/config"
	"logward/internal/database"
	"logward/internal/domain"
	"logward/internal/support"

	"github.com/charmbracelet/log"
)

const (
	// ActionSkipped is reported when the safety gate short-circuits or the
	// record is already permanent.
	ActionSkipped = "skipped"

	sweepInterval = 60 * time.Second

	// Offense entries idle for longer than this multiple of the offense
	// window are dropped by the sweep.
	staleWindowFactor = 10
)

// Settings are the tunables of the state machine, snapshotted from the
// application configuration.
type Settings struct {
	DryRun                   bool
	OffenseWindow            time.Duration
	PermBlockAfterTempBlocks int
	TempBlockMin             time.Duration
	TempBlockMax             time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		DryRun:                   cfg.Defense.DryRun,
		OffenseWindow:            time.Duration(cfg.Defense.OffenseWindowSec) * time.Second,
		PermBlockAfterTempBlocks: cfg.Defense.PermBlockAfterTempBlocks,
		TempBlockMin:             time.Duration(cfg.Defense.TempBlockMinMinutes) * time.Minute,
		TempBlockMax:             time.Duration(cfg.Defense.TempBlockMaxMinutes) * time.Minute,
	}
}

// ProxyChecker reports whether an address belongs to a known proxy network.
type ProxyChecker interface {
	IsTrustedProxy(ip string) bool
}

// BotChecker confirms claimed crawlers through DNS.
type BotChecker interface {
	Verify(ctx context.Context, ip, userAgent string) botverify.Result
}

// Offense is one decision request handed to the blocker by the pipeline.
type Offense struct {
	IP        string
	ProxyIP   string
	UserAgent string
	Endpoint  string
	Method    string
	Reason    string
	Source    string
	Risk      domain.RiskLevel
	Immediate bool
}

// Blocker exclusively owns the offense entries, the temp-block counters and
// the active block records. All mutations happen under one mutex; backend
// calls run outside it so one slow API round trip never stalls decisions for
// other IPs beyond the map update itself.
type Blocker struct {
	mu         sync.Mutex
	settings   Settings
	offenses   map[string]*domain.OffenseEntry
	tempBlocks map[string]int
	active     map[string]*domain.BlockRecord

	whitelist *Whitelist
	proxies   ProxyChecker
	bots      BotChecker

	edge  blocking.Backend // nil when no edge API credentials are present
	web   blocking.Backend // nil when no supported web server was found
	local blocking.Backend
}

func New(settings Settings, whitelist *Whitelist, proxies ProxyChecker, bots BotChecker, edge, web, local blocking.Backend) *Blocker {
	return &Blocker{
		settings:   settings,
		offenses:   make(map[string]*domain.OffenseEntry),
		tempBlocks: make(map[string]int),
		active:     make(map[string]*domain.BlockRecord),
		whitelist:  whitelist,
		proxies:    proxies,
		bots:       bots,
		edge:       edge,
		web:        web,
		local:      local,
	}
}

func (b *Blocker) UpdateSettings(settings Settings) {
	b.mu.Lock()
	b.settings = settings
	b.mu.Unlock()
}

// HandleOffense runs the safety gate and the escalation logic, then enforces
// the decided action. The returned action is one of the domain action kinds
// or ActionSkipped.
func (b *Blocker) HandleOffense(ctx context.Context, off Offense) (string, error) {
	if b.exempt(ctx, off) {
		return ActionSkipped, nil
	}

	now := time.Now()
	b.mu.Lock()
	if rec, ok := b.active[off.IP]; ok && rec.Action == domain.ActionPermBlock && rec.Permanent() {
		b.mu.Unlock()
		return ActionSkipped, nil
	}
	action := b.decideLocked(off, now)
	settings := b.settings
	var expiresAt *time.Time
	if action == domain.ActionTempBlock {
		t := now.Add(b.tempDurationLocked())
		expiresAt = &t
	}
	record := &domain.BlockRecord{
		IP:        off.IP,
		RealIP:    off.IP,
		ProxyIP:   off.ProxyIP,
		UserAgent: off.UserAgent,
		Endpoint:  off.Endpoint,
		Method:    off.Method,
		Action:    action,
		Reason:    off.Reason,
		RiskLevel: off.Risk,
		Source:    off.Source,
		ExpiresAt: expiresAt,
	}
	if action != domain.ActionLogged {
		b.active[off.IP] = record
	}
	b.mu.Unlock()

	if action == domain.ActionLogged {
		log.Info("offense logged", "ip", off.IP, "risk", off.Risk, "reason", off.Reason)
		if err := database.UpsertBlockRecord(record); err != nil {
			log.Error("persisting logged offense failed", "ip", off.IP, "error", err)
		}
		return action, nil
	}

	backend := b.selectBackend(off.ProxyIP)
	record.BlockMethod = methodName(backend)

	if settings.DryRun {
		log.Warn("dry run, enforcement suppressed",
			"ip", off.IP, "action", action, "method", record.BlockMethod, "reason", off.Reason)
	} else {
		handle, err := backend.Enforce(ctx, off.IP, off.Reason)
		if err != nil {
			log.Error("enforcement failed, relying on packet filter", "ip", off.IP, "method", record.BlockMethod, "error", err)
			record.BlockMethod = methodName(b.local)
		}
		record.EdgeRuleID = handle
		// Defense in depth: the local filter is applied regardless of the
		// primary method.
		if backend != b.local {
			if _, err := b.local.Enforce(ctx, off.IP, off.Reason); err != nil {
				log.Error("packet filter enforcement failed", "ip", off.IP, "error", err)
			}
		}
	}

	if err := database.UpsertBlockRecord(record); err != nil {
		log.Error("persisting block record failed", "ip", off.IP, "error", err)
	}
	log.Info("block enforced",
		"ip", off.IP, "action", action, "method", record.BlockMethod,
		"risk", off.Risk, "source", off.Source, "dry_run", settings.DryRun)
	return action, nil
}

// exempt is the safety gate: loopback, whitelist, known proxy addresses and
// DNS-verified crawlers are never blocked.
func (b *Blocker) exempt(ctx context.Context, off Offense) bool {
	if support.IsLoopback(off.IP) {
		return true
	}
	if b.whitelist != nil && b.whitelist.Contains(off.IP) {
		return true
	}
	if b.proxies != nil && b.proxies.IsTrustedProxy(off.IP) {
		return true
	}
	if b.bots != nil && off.UserAgent != "" {
		if result := b.bots.Verify(ctx, off.IP, off.UserAgent); result.Verified {
			log.Debug("verified crawler exempted", "ip", off.IP, "crawler", result.Crawler)
			return true
		}
	}
	return false
}

func (b *Blocker) decideLocked(off Offense, now time.Time) string {
	entry := b.offenses[off.IP]
	if entry == nil || entry.Stale(now, b.settings.OffenseWindow) {
		entry = &domain.OffenseEntry{FirstSeen: now}
		b.offenses[off.IP] = entry
	}
	fresh := entry.Count == 0
	entry.Count++
	entry.LastSeen = now

	var action string
	switch {
	case off.Risk == domain.RiskCritical:
		action = domain.ActionPermBlock
	case off.Immediate || off.Risk.AtLeast(domain.RiskHigh):
		if b.tempBlocks[off.IP] >= b.settings.PermBlockAfterTempBlocks {
			action = domain.ActionPermBlock
		} else {
			action = domain.ActionTempBlock
		}
	case fresh:
		action = domain.ActionLogged
	default:
		if b.tempBlocks[off.IP] >= b.settings.PermBlockAfterTempBlocks {
			action = domain.ActionPermBlock
		} else {
			action = domain.ActionTempBlock
		}
	}
	if action == domain.ActionTempBlock {
		b.tempBlocks[off.IP]++
	}
	entry.Actions = append(entry.Actions, action)
	return action
}

// tempDurationLocked draws the block duration uniformly from [min, max].
func (b *Blocker) tempDurationLocked() time.Duration {
	min, max := b.settings.TempBlockMin, b.settings.TempBlockMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Backend preference: edge API when configured (global effect), web-server
// deny when the hop is a CDN proxy a host filter cannot reach, else the
// local packet filter.
func (b *Blocker) selectBackend(proxyIP string) blocking.Backend {
	if b.edge != nil {
		return b.edge
	}
	if b.web != nil && proxyIP != "" && b.proxies != nil && b.proxies.IsTrustedProxy(proxyIP) {
		return b.web
	}
	return b.local
}

func methodName(backend blocking.Backend) string {
	switch backend.Name() {
	case "cloudflare":
		return domain.MethodEdgeAPI
	case "webserver":
		return domain.MethodWebserverDeny
	default:
		return domain.MethodIptables
	}
}

// Unblock reverses the record's own backend and unconditionally flushes the
// local packet filter, covering records whose method is unknown or stale.
func (b *Blocker) Unblock(ctx context.Context, ip string) error {
	b.mu.Lock()
	record := b.active[ip]
	delete(b.active, ip)
	delete(b.offenses, ip)
	delete(b.tempBlocks, ip)
	dryRun := b.settings.DryRun
	b.mu.Unlock()

	if record == nil {
		stored, err := database.GetBlockRecord(ip)
		if err != nil {
			log.Error("loading block record failed, flushing local filter anyway", "ip", ip, "error", err)
		} else {
			record = stored
		}
	}

	var firstErr error
	if record != nil && !dryRun {
		switch record.BlockMethod {
		case domain.MethodEdgeAPI:
			if b.edge != nil {
				if err := b.edge.Lift(ctx, ip, record.EdgeRuleID); err != nil {
					firstErr = err
				}
			}
		case domain.MethodWebserverDeny:
			if b.web != nil {
				if err := b.web.Lift(ctx, ip, ""); err != nil {
					firstErr = err
				}
			}
		}
	}
	if !dryRun {
		if err := b.local.Lift(ctx, ip, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := database.DeleteBlockRecord(ip); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("unblock %s: %w", ip, firstErr)
	}
	log.Info("unblocked", "ip", ip)
	return nil
}

// AddToWhitelist persists the entry and, when the IP is currently blocked,
// issues a corrective unblock.
func (b *Blocker) AddToWhitelist(ctx context.Context, ip string) error {
	added, err := b.whitelist.Add(ip)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	b.mu.Lock()
	_, blocked := b.active[ip]
	b.mu.Unlock()
	if !blocked {
		if stored, err := database.GetBlockRecord(ip); err != nil || stored == nil {
			return nil
		}
	}
	return b.Unblock(ctx, ip)
}

// RestoreBlocks reloads non-expired records from durable storage and
// re-enforces them. Idempotent backends make this safe after every restart.
func (b *Blocker) RestoreBlocks(ctx context.Context) error {
	records, err := database.ListActiveBlockRecords(time.Now())
	if err != nil {
		return fmt.Errorf("restoring blocks: %w", err)
	}
	for i := range records {
		record := records[i]
		b.mu.Lock()
		b.active[record.IP] = &record
		if record.Action == domain.ActionTempBlock && b.tempBlocks[record.IP] == 0 {
			b.tempBlocks[record.IP] = 1
		}
		dryRun := b.settings.DryRun
		b.mu.Unlock()

		if dryRun {
			continue
		}
		backend := b.backendForMethod(record.BlockMethod)
		if handle, err := backend.Enforce(ctx, record.IP, record.Reason); err != nil {
			log.Error("re-enforcement failed", "ip", record.IP, "method", record.BlockMethod, "error", err)
		} else if handle != "" && handle != record.EdgeRuleID {
			record.EdgeRuleID = handle
			if err := database.UpsertBlockRecord(&record); err != nil {
				log.Error("updating restored record failed", "ip", record.IP, "error", err)
			}
		}
		if backend != b.local {
			if _, err := b.local.Enforce(ctx, record.IP, record.Reason); err != nil {
				log.Error("packet filter re-enforcement failed", "ip", record.IP, "error", err)
			}
		}
	}
	if len(records) > 0 {
		log.Info("restored active blocks", "count", len(records))
	}
	return nil
}

func (b *Blocker) backendForMethod(method string) blocking.Backend {
	switch method {
	case domain.MethodEdgeAPI:
		if b.edge != nil {
			return b.edge
		}
	case domain.MethodWebserverDeny:
		if b.web != nil {
			return b.web
		}
	}
	return b.local
}

// Sweep removes expired temp blocks (lifting their enforcement) and drops
// offense entries with no recent activity.
func (b *Blocker) Sweep(ctx context.Context) {
	now := time.Now()
	b.mu.Lock()
	var expired []string
	for ip, record := range b.active {
		if record.Expired(now) {
			expired = append(expired, ip)
		}
	}
	staleHorizon := b.settings.OffenseWindow * staleWindowFactor
	for ip, entry := range b.offenses {
		if entry.Stale(now, staleHorizon) {
			delete(b.offenses, ip)
		}
	}
	b.mu.Unlock()

	for _, ip := range expired {
		if err := b.Unblock(ctx, ip); err != nil {
			log.Error("lifting expired block failed", "ip", ip, "error", err)
		} else {
			log.Info("temp block expired", "ip", ip)
		}
	}
}

// LaunchSweep starts the cleanup ticker. The returned CancelFunc stops it;
// the goroutine never blocks shutdown.
func (b *Blocker) LaunchSweep(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Sweep(ctx)
			}
		}
	}()
	return cancel
}

// ActiveBlocks returns a snapshot of in-memory active records for the admin
// surface.
func (b *Blocker) ActiveBlocks() []domain.BlockRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BlockRecord, 0, len(b.active))
	for _, record := range b.active {
		out = append(out, *record)
	}
	return out
}
