// Package pipeline wires log ingestion to detection and defense. Each log
// source is tailed by its own goroutine; lines from one source are handled
// strictly in arrival order.
package pipeline

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"logward/internal/blocker"
	"logward/internal/config"
	"logward/internal/database"
	"logward/internal/domain"
	"logward/internal/geolite"
	"logward/internal/notify"
	"logward/internal/ratelimit"
	"logward/internal/resolver"
	"logward/internal/signature"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Lines containing any of these markers are dropped before resolution.
var noiseMarkers = []string{
	"/favicon.ico",
	"/robots.txt",
	"/apple-touch-icon",
	"GET /health",
	"GET /ping",
	"kube-probe",
	"ELB-HealthChecker",
	"UptimeRobot",
}

var (
	requestRegex   = regexp.MustCompile(`"([A-Z]+) ([^\s"]+)[^"]*"\s+(\d{3})`)
	userAgentRegex = regexp.MustCompile(`"([^"]*)"\s*$`)
	authFailRegex  = regexp.MustCompile(`(?i)(failed password|invalid user|authentication failure|maximum authentication attempts)`)
)

type Outcome string

const (
	OutcomeNoise      Outcome = "noise"
	OutcomeNoIP       Outcome = "no_ip"
	OutcomeSampled    Outcome = "sampled"
	OutcomeFiltered   Outcome = "filtered"
	OutcomeClean      Outcome = "clean"
	OutcomeBelowFloor Outcome = "below_floor"
	OutcomeHandled    Outcome = "handled"
)

// Result reports what the pipeline did with one line.
type Result struct {
	Outcome  Outcome
	Category string
	Risk     domain.RiskLevel
	Action   string
}

// detection is the internal product of the matching stages.
type detection struct {
	category  string
	risk      domain.RiskLevel
	summary   string
	immediate bool
	enrich    bool

	// categories holds every matched category when a line trips more
	// than one signature; category above is the most severe of them.
	categories []string
}

type Orchestrator struct {
	resolver   *resolver.Resolver
	limiter    *ratelimit.Limiter
	defender   *blocker.Blocker
	notifier   notify.Notifier
	enricher   *geolite.Enricher
	classifier Classifier
	stats      *Stats

	reportingFloor domain.RiskLevel
	warmupUntil    atomic.Int64

	mu         sync.Mutex
	lineCounts map[string]uint64
}

func New(res *resolver.Resolver, limiter *ratelimit.Limiter, defender *blocker.Blocker, notifier notify.Notifier, enricher *geolite.Enricher, classifier Classifier, stats *Stats, reportingFloor domain.RiskLevel) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Orchestrator{
		resolver:       res,
		limiter:        limiter,
		defender:       defender,
		notifier:       notifier,
		enricher:       enricher,
		classifier:     classifier,
		stats:          stats,
		reportingFloor: reportingFloor,
		lineCounts:     make(map[string]uint64),
	}
}

func (o *Orchestrator) Stats() *Stats { return o.stats }

// StartWarmup puts the engine into observe-only mode for the given duration.
// Detections are reported but no enforcement happens, protecting freshly
// restarted systems from acting on a backlog of stale log lines.
func (o *Orchestrator) StartWarmup(d time.Duration) {
	if d <= 0 {
		return
	}
	o.warmupUntil.Store(time.Now().Add(d).UnixNano())
	log.Info("warm-up started, enforcement suppressed", "duration", d)
}

func (o *Orchestrator) warming() bool {
	return time.Now().UnixNano() < o.warmupUntil.Load()
}

// Run tails every configured source until the context is cancelled. One
// failing source cancels the group.
func (o *Orchestrator) Run(ctx context.Context, sources []config.LogSource) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			log.Info("watching log source", "name", src.Name, "path", src.Path, "kind", src.Kind)
			return tailFile(ctx, src.Path, func(line string) {
				o.HandleLine(ctx, src, line)
			})
		})
	}
	return g.Wait()
}

// HandleLine runs the full per-line pipeline and returns what happened.
func (o *Orchestrator) HandleLine(ctx context.Context, src config.LogSource, line string) Result {
	for _, marker := range noiseMarkers {
		if strings.Contains(line, marker) {
			o.stats.RecordDropped()
			return Result{Outcome: OutcomeNoise}
		}
	}

	httpLike := src.Kind != "auth"
	resolved := o.resolver.Resolve(line, httpLike)
	if resolved.RealIP == "" {
		o.stats.RecordDropped()
		return Result{Outcome: OutcomeNoIP}
	}

	if src.SampleEvery > 1 {
		if o.nextCount(src.Name)%uint64(src.SampleEvery) != 0 {
			o.stats.RecordDropped()
			return Result{Outcome: OutcomeSampled}
		}
	}

	method, endpoint, status := parseRequest(line)
	if len(src.Methods) > 0 && !methodAllowed(method, src.Methods) {
		o.stats.RecordDropped()
		return Result{Outcome: OutcomeFiltered}
	}

	var det *detection
	if httpLike && endpoint != "" && o.limiter != nil {
		if verdict := o.limiter.Check(resolved.RealIP, endpoint, status); verdict.Triggered {
			det = &detection{
				category:  "rate_limit_" + verdict.Metric,
				risk:      rateLimitRisk(verdict.Metric),
				summary:   verdict.Reason,
				immediate: verdict.Metric == domain.MetricRequestRate,
			}
		}
	}
	if det == nil {
		det = o.matchLine(ctx, src, line)
	}

	o.stats.RecordProcessed()
	if det == nil {
		return Result{Outcome: OutcomeClean}
	}

	o.stats.RecordDetection(det.category, det.risk, "")
	if !det.risk.AtLeast(o.reportingFloor) {
		return Result{Outcome: OutcomeBelowFloor, Category: det.category, Risk: det.risk}
	}

	alert := notify.Alert{
		IP:       resolved.RealIP,
		ProxyIP:  resolved.ProxyIP,
		Country:  o.enricher.CountryCode(resolved.RealIP),
		Category: det.category,
		Reason:   det.summary,
		Source:   src.Name,
		Risk:     det.risk,
	}

	action := "suppressed"
	if o.warming() {
		log.Info("warm-up active, observing only",
			"ip", resolved.RealIP, "category", det.category, "risk", det.risk)
	} else {
		var err error
		action, err = o.defender.HandleOffense(ctx, blocker.Offense{
			IP:        resolved.RealIP,
			ProxyIP:   resolved.ProxyIP,
			UserAgent: parseUserAgent(line),
			Endpoint:  endpoint,
			Method:    method,
			Reason:    det.summary,
			Source:    src.Name,
			Risk:      det.risk,
			Immediate: det.immediate,
		})
		if err != nil {
			log.Error("defense decision failed", "ip", resolved.RealIP, "error", err)
		}
	}
	alert.Action = action
	o.stats.RecordAction(action)

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := o.notifier.SendAlert(bg, alert); err != nil {
			log.Warn("alert delivery failed", "ip", alert.IP, "error", err)
		}
	}()
	if det.enrich {
		go func() {
			details := o.enricher.Describe(alert.IP)
			if err := o.notifier.SendEnrichment(bg, alert, details); err != nil {
				log.Debug("enrichment delivery failed", "ip", alert.IP, "error", err)
			}
		}()
	}

	o.audit(resolved, det, action, src.Name, alert.Country)
	return Result{Outcome: OutcomeHandled, Category: det.category, Risk: det.risk, Action: action}
}

// matchLine runs the signature scanner, then the per-source fallback for
// authentication logs, then the external classifier.
func (o *Orchestrator) matchLine(ctx context.Context, src config.LogSource, line string) *detection {
	matches := signature.Scan(line)
	if best := domain.HighestRisk(matches); best != nil {
		categories := make([]string, 0, len(matches))
		for _, m := range matches {
			log.Debug("signature matched", "category", m.Category, "risk", m.RiskLevel, "confidence", m.Confidence)
			categories = append(categories, m.Category)
		}
		return &detection{
			category:   best.Category,
			risk:       best.RiskLevel,
			summary:    best.Summary,
			immediate:  best.Immediate,
			enrich:     true,
			categories: categories,
		}
	}

	if src.Kind == "auth" && authFailRegex.MatchString(line) {
		return &detection{
			category: "auth_failure",
			risk:     domain.RiskMedium,
			summary:  "repeated authentication failure",
		}
	}

	if o.classifier != nil {
		verdict, err := o.classifier.Classify(ctx, line)
		if err == nil && verdict != nil && verdict.RiskLevel != "" {
			return &detection{
				category: "ai_classifier",
				risk:     verdict.RiskLevel,
				summary:  verdict.Summary,
			}
		}
	}
	return nil
}

func (o *Orchestrator) audit(resolved domain.ResolvedIP, det *detection, action, source, country string) {
	event := &domain.AttackEvent{
		Timestamp:   time.Now(),
		SourceIP:    resolved.RealIP,
		ProxyIP:     resolved.ProxyIP,
		CountryCode: country,
		Category:    det.category,
		Categories:  det.categories,
		RiskLevel:   det.risk,
		Summary:     det.summary,
		Action:      action,
		Source:      source,
	}
	if err := database.InsertAttackEvent(event); err != nil {
		log.Error("writing audit record failed", "ip", resolved.RealIP, "error", err)
	}
}

func (o *Orchestrator) nextCount(source string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lineCounts[source]++
	return o.lineCounts[source]
}

func parseRequest(line string) (method, endpoint string, status int) {
	m := requestRegex.FindStringSubmatch(line)
	if m == nil {
		return "", "", 0
	}
	status, _ = strconv.Atoi(m[3])
	return m[1], m[2], status
}

func parseUserAgent(line string) string {
	m := userAgentRegex.FindStringSubmatch(line)
	if m == nil || m[1] == "-" {
		return ""
	}
	return m[1]
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func rateLimitRisk(metric string) domain.RiskLevel {
	if metric == domain.MetricRequestRate {
		return domain.RiskHigh
	}
	return domain.RiskMedium
}
