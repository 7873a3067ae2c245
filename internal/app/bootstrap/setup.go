// Package bootstrap assembles the engine: configuration, storage, the
// blocking backends, the blocker and the pipeline, plus every background
// routine.
package bootstrap

import (
	"context"
	"time"

	"logward/internal/blocker"
	"logward/internal/blocking"
	"logward/internal/botverify"
	"logward/internal/config"
	"logward/internal/database"
	"logward/internal/domain"
	"logward/internal/geolite"
	jobruntime "logward/internal/jobs/runtime"
	"logward/internal/notify"
	"logward/internal/pipeline"
	"logward/internal/proxyrange"
	"logward/internal/ratelimit"
	"logward/internal/resolver"
	"logward/internal/support"

	"github.com/charmbracelet/log"
)

// Engine bundles the running components for the admin API and shutdown.
type Engine struct {
	Defender     *blocker.Blocker
	Whitelist    *blocker.Whitelist
	Orchestrator *pipeline.Orchestrator
	Limiter      *ratelimit.Limiter
	Ranges       *proxyrange.Store
	Verifier     *botverify.Verifier
	Enricher     *geolite.Enricher

	cancels []context.CancelFunc
}

// Setup reads configuration, opens storage, restores persisted blocks and
// launches the maintenance routines.
func Setup(ctx context.Context) (*Engine, error) {
	config.ReadSettings()
	config.SetIntervals()

	if _, err := database.SetupDB(); err != nil {
		return nil, err
	}

	cfg := config.GetConfig()
	engine := &Engine{}

	ranges := proxyrange.New()
	if err := ranges.SetOperatorRanges(cfg.Proxy.TrustedCIDRs); err != nil {
		log.Error("invalid operator trusted_cidrs, ignoring", "error", err)
	}
	ranges.Bootstrap(ctx)
	engine.Ranges = ranges

	whitelist, err := blocker.LoadWhitelist(cfg.Whitelist.Path)
	if err != nil {
		return nil, err
	}
	engine.Whitelist = whitelist

	verifier := botverify.New()
	engine.Verifier = verifier

	local := blocking.NewIptablesBackend(support.NewExecutor())
	var edge blocking.Backend
	if cfg.CloudflareConfigured() {
		edge = blocking.NewCloudflareBackend(blocking.CloudflareCredentials{
			APIToken: cfg.Cloudflare.APIToken,
			APIKey:   cfg.Cloudflare.APIKey,
			Email:    cfg.Cloudflare.Email,
			ZoneID:   cfg.Cloudflare.ZoneID,
		})
		log.Info("edge api blocking enabled")
	}
	var web blocking.Backend
	if ws, err := blocking.NewWebserverBackend(cfg.Webserver.Flavor, cfg.Webserver.DenyFilePath); err == nil {
		web = ws
		log.Info("webserver deny blocking available", "flavor", ws.Flavor())
	}

	defender := blocker.New(blocker.SettingsFromConfig(cfg), whitelist, ranges, verifier, edge, web, local)
	if err := defender.RestoreBlocks(ctx); err != nil {
		log.Error("restoring persisted blocks failed", "error", err)
	}
	engine.Defender = defender

	limiter := ratelimit.New(rateSettings(cfg))
	engine.Limiter = limiter

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notifier.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notifier.WebhookURL)
	}

	var classifier pipeline.Classifier
	if cfg.Classifier.Enabled && cfg.Classifier.Endpoint != "" {
		classifier = pipeline.NewCooldownClassifier(
			pipeline.NewHTTPClassifier(cfg.Classifier.Endpoint),
			time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second,
			time.Duration(cfg.Classifier.CooldownSeconds)*time.Second,
		)
	}

	enricher := geolite.Open(cfg.GeoLite.DBPath)
	engine.Enricher = enricher

	orchestrator := pipeline.New(
		resolver.New(ranges),
		limiter,
		defender,
		notifier,
		enricher,
		classifier,
		pipeline.NewStats(),
		domain.RiskLevel(cfg.Defense.ReportingFloor),
	)
	orchestrator.StartWarmup(time.Duration(cfg.Defense.WarmupSeconds) * time.Second)
	engine.Orchestrator = orchestrator

	engine.cancels = append(engine.cancels,
		ranges.LaunchRefresh(ctx),
		defender.LaunchSweep(ctx),
		limiter.LaunchSweep(ctx),
		jobruntime.LaunchDNSCacheSweep(ctx, verifier),
		jobruntime.LaunchAuditRetention(ctx),
	)
	return engine, nil
}

// ApplySettings pushes the current configuration into the running
// components. Called by the admin API after a settings update.
func (e *Engine) ApplySettings() {
	cfg := config.GetConfig()
	e.Defender.UpdateSettings(blocker.SettingsFromConfig(cfg))
	e.Limiter.UpdateSettings(rateSettings(cfg))
	if err := e.Ranges.SetOperatorRanges(cfg.Proxy.TrustedCIDRs); err != nil {
		log.Error("invalid operator trusted_cidrs, keeping previous set", "error", err)
	}
	log.Info("runtime settings applied")
}

// Shutdown stops the background routines.
func (e *Engine) Shutdown() {
	for _, cancel := range e.cancels {
		cancel()
	}
	e.Enricher.Close()
}

func rateSettings(cfg config.Config) ratelimit.Settings {
	return ratelimit.Settings{
		Window:              time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		MaxRequestsPerSec:   cfg.RateLimit.MaxRequestsPerSec,
		MaxUniqueEndpoints:  cfg.RateLimit.MaxUniqueEndpoints,
		MaxErrorRatePercent: cfg.RateLimit.MaxErrorRatePercent,
	}
}
