package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Config is the full tunable surface of the defense engine. It is loaded
// once from the settings file and mutated only through explicit Set calls;
// nothing reloads it implicitly.
type Config struct {
	Defense struct {
		DryRun                   bool   `json:"dry_run"`
		OffenseWindowSec         int    `json:"offense_window_sec"`
		PermBlockAfterTempBlocks int    `json:"perm_block_after_temp_blocks"`
		TempBlockMinMinutes      int    `json:"temp_block_min_minutes"`
		TempBlockMaxMinutes      int    `json:"temp_block_max_minutes"`
		WarmupSeconds            int    `json:"warmup_seconds"`
		ReportingFloor           string `json:"reporting_floor"`
	} `json:"defense"`

	RateLimit struct {
		WindowSeconds       int     `json:"window_seconds"`
		MaxRequestsPerSec   float64 `json:"max_requests_per_sec"`
		MaxUniqueEndpoints  int     `json:"max_unique_endpoints"`
		MaxErrorRatePercent float64 `json:"max_error_rate_percent"`
	} `json:"rate_limit"`

	Proxy struct {
		// TrustedCIDRs are operator-supplied ranges merged with the CDN's
		// published lists.
		TrustedCIDRs      []string `json:"trusted_cidrs"`
		RangeRefreshTimer Timer    `json:"range_refresh_timer"`
	} `json:"proxy"`

	Whitelist struct {
		Path string `json:"path"`
	} `json:"whitelist"`

	Cloudflare struct {
		APIToken string `json:"api_token"`
		APIKey   string `json:"api_key"`
		Email    string `json:"email"`
		ZoneID   string `json:"zone_id"`
	} `json:"cloudflare"`

	Webserver struct {
		// Flavor is "nginx", "apache" or "" for autodetect.
		Flavor       string `json:"flavor"`
		DenyFilePath string `json:"deny_file_path"`
	} `json:"webserver"`

	Sources []LogSource `json:"sources"`

	Notifier struct {
		WebhookURL string `json:"webhook_url"`
	} `json:"notifier"`

	GeoLite struct {
		DBPath string `json:"db_path"`
	} `json:"geolite"`

	Classifier struct {
		Enabled         bool   `json:"enabled"`
		Endpoint        string `json:"endpoint"`
		TimeoutSeconds  int    `json:"timeout_seconds"`
		CooldownSeconds int    `json:"cooldown_seconds"`
	} `json:"classifier"`
}

// LogSource describes one watched log stream.
type LogSource struct {
	Name string `json:"name"`
	Path string `json:"path"`

	// Kind is "http" for access-log style lines, "auth" for syslog/auth lines.
	Kind string `json:"kind"`

	// SampleEvery processes only every Nth line when > 1.
	SampleEvery int `json:"sample_every"`

	// Methods restricts processing to these HTTP methods when non-empty.
	Methods []string `json:"methods"`
}

// CloudflareConfigured reports whether either credential shape is present.
func (c Config) CloudflareConfigured() bool {
	return c.Cloudflare.APIToken != "" || (c.Cloudflare.APIKey != "" && c.Cloudflare.Email != "")
}

const settingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	configValue.Store(Config{})
}

// ReadSettings loads the settings file, seeding it from the embedded default
// configuration the first time the engine runs.
func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration")

			if err := os.MkdirAll("data", os.ModePerm); err != nil {
				log.Error("Error creating directory for settings file", "error", err)
				return
			}
			if err := os.WriteFile(settingsFilePath, defaultConfig, os.ModePerm); err != nil {
				log.Error("Error writing default settings file", "error", err)
				return
			}
			data = defaultConfig
		} else {
			log.Error("Error reading settings file", "error", err)
			return
		}
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

// SetConfig replaces the active configuration and persists it.
func SetConfig(newConfig Config) {
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update", "error", err)
	}
}

// UpdateDefenseConfig applies a focused mutation to the active configuration.
func UpdateDefenseConfig(updater func(cfg *Config)) error {
	if updater == nil {
		return errors.New("config: updater cannot be nil")
	}

	cfg := GetConfig()
	updater(&cfg)

	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "defense"})
}

type configUpdateOptions struct {
	persistToFile bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	normalizeConfig(&newConfig)
	configValue.Store(newConfig)
	SetIntervals()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			log.Error("Error marshalling new configuration", "error", err)
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath, data, os.ModePerm); err != nil {
			log.Error("Error writing new configuration to file", "error", err)
			errs = append(errs, err)
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

// normalizeConfig fills defaults so components never run with a zero window
// or an inverted duration range.
func normalizeConfig(cfg *Config) {
	if cfg.Defense.OffenseWindowSec <= 0 {
		cfg.Defense.OffenseWindowSec = 60
	}
	if cfg.Defense.PermBlockAfterTempBlocks <= 0 {
		cfg.Defense.PermBlockAfterTempBlocks = 3
	}
	if cfg.Defense.TempBlockMinMinutes <= 0 {
		cfg.Defense.TempBlockMinMinutes = 30
	}
	if cfg.Defense.TempBlockMaxMinutes < cfg.Defense.TempBlockMinMinutes {
		cfg.Defense.TempBlockMaxMinutes = cfg.Defense.TempBlockMinMinutes
	}
	if cfg.Defense.ReportingFloor == "" {
		cfg.Defense.ReportingFloor = "MEDIUM"
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		cfg.RateLimit.WindowSeconds = 10
	}
	if cfg.RateLimit.MaxRequestsPerSec <= 0 {
		cfg.RateLimit.MaxRequestsPerSec = 100
	}
	if cfg.RateLimit.MaxUniqueEndpoints <= 0 {
		cfg.RateLimit.MaxUniqueEndpoints = 30
	}
	if cfg.RateLimit.MaxErrorRatePercent <= 0 {
		cfg.RateLimit.MaxErrorRatePercent = 60
	}
	if cfg.Whitelist.Path == "" {
		cfg.Whitelist.Path = "data/whitelist.json"
	}
	if cfg.Classifier.TimeoutSeconds <= 0 {
		cfg.Classifier.TimeoutSeconds = 20
	}
	if cfg.Classifier.CooldownSeconds <= 0 {
		cfg.Classifier.CooldownSeconds = 300
	}
}

// GetConfig returns the current configuration atomically.
func GetConfig() Config {
	return configValue.Load().(Config)
}
