package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/monstera-lab/monstera/internal/core/lifecycle"
)

// Config is the top-level application config plus the resolved lifecycle
// thresholds. Every time window and scoring weight the engine uses lives
// here — nothing is a compiled constant.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Ingestion IngestionConfig `koanf:"ingestion"`
	Compute   ComputeConfig   `koanf:"compute"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Policy    PolicyConfig    `koanf:"policy"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type IngestionConfig struct {
	// StalenessBound rejects events older than now-bound ("30d" syntax
	// supported). Spec: timestamp must fall in (now-bound, now].
	StalenessBound string `koanf:"staleness_bound"`
}

type ComputeConfig struct {
	Enabled      bool   `koanf:"enabled"`
	CronInterval string `koanf:"cron_interval"`
	BatchSize    int    `koanf:"batch_size"`
	WorkerCount  int    `koanf:"worker_count"`
}

// LifecycleConfig externalizes the 30/60-day style thresholds per entity
// type and per product, plus the health-score weights.
type LifecycleConfig struct {
	Platform WindowConfig            `koanf:"platform"`
	Account  WindowConfig            `koanf:"account"`
	Products map[string]WindowConfig `koanf:"products"` // per-product overrides

	HealthWeights   WeightsConfig `koanf:"health_weights"`
	AtRiskThreshold float64       `koanf:"at_risk_threshold"`
}

type WindowConfig struct {
	ActiveWindow        string `koanf:"active_window"`
	DormantWindow       string `koanf:"dormant_window"`
	SignupGrace         string `koanf:"signup_grace"`
	ActivationThreshold int    `koanf:"activation_threshold"`
}

type WeightsConfig struct {
	SeatUtilization float64 `koanf:"seat_utilization"`
	ProductBreadth  float64 `koanf:"product_breadth"`
	RecentActivity  float64 `koanf:"recent_activity"`
	ContractStatus  float64 `koanf:"contract_status"`
}

type PolicyConfig struct {
	// Dir holds the qualifying-event policy tables (one YAML per product
	// plus the platform table).
	Dir string `koanf:"dir"`

	// MetadataSpecDir holds the per-event-type metadata field specs.
	MetadataSpecDir string `koanf:"metadata_spec_dir"`
}

// Load parses config from file + env, validates it, and resolves the
// lifecycle threshold strings into durations.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                              8080,
		"server.host":                              "0.0.0.0",
		"server.max_body_size_mb":                  1,
		"server.mode":                              "release",
		"database.type":                            "postgres",
		"database.dsn":                             "postgres://localhost:5432/monstera?sslmode=disable",
		"database.max_open_conns":                  25,
		"database.max_idle_conns":                  25,
		"database.auto_migrate":                    true,
		"ingestion.staleness_bound":                "90d",
		"compute.enabled":                          true,
		"compute.cron_interval":                    "5m",
		"compute.batch_size":                       50000,
		"compute.worker_count":                     10,
		"lifecycle.platform.active_window":         "30d",
		"lifecycle.platform.dormant_window":        "60d",
		"lifecycle.platform.signup_grace":          "30d",
		"lifecycle.platform.activation_threshold":  1,
		"lifecycle.account.active_window":          "30d",
		"lifecycle.account.dormant_window":         "60d",
		"lifecycle.account.signup_grace":           "30d",
		"lifecycle.account.activation_threshold":   1,
		"lifecycle.health_weights.seat_utilization": 0.25,
		"lifecycle.health_weights.product_breadth":  0.25,
		"lifecycle.health_weights.recent_activity":  0.25,
		"lifecycle.health_weights.contract_status":  0.25,
		"lifecycle.at_risk_threshold":               40.0,
		"policy.dir":                                "./config/policies",
		"policy.metadata_spec_dir":                  "./config/metaschemas",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("MONSTERA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MONSTERA_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the assembled config; threshold strings must parse and the
// health weights must sum to 1.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}
	if c.Database.Type != "" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if _, err := lifecycle.ParseWindowSize(c.Ingestion.StalenessBound); err != nil {
		return fmt.Errorf("ingestion.staleness_bound: %w", err)
	}

	interval, err := time.ParseDuration(c.Compute.CronInterval)
	if err != nil {
		return fmt.Errorf("invalid compute.cron_interval %q: %w", c.Compute.CronInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("compute.cron_interval must be > 0")
	}
	if c.Compute.BatchSize <= 0 {
		return fmt.Errorf("compute.batch_size must be > 0")
	}
	if c.Compute.WorkerCount <= 0 {
		return fmt.Errorf("compute.worker_count must be > 0")
	}

	if _, err := c.PlatformWindows(); err != nil {
		return fmt.Errorf("lifecycle.platform: %w", err)
	}
	if _, err := c.AccountWindows(); err != nil {
		return fmt.Errorf("lifecycle.account: %w", err)
	}
	for id := range c.Lifecycle.Products {
		if _, err := c.ProductWindows(id); err != nil {
			return fmt.Errorf("lifecycle.products[%s]: %w", id, err)
		}
	}

	w := c.Lifecycle.HealthWeights
	sum := w.SeatUtilization + w.ProductBreadth + w.RecentActivity + w.ContractStatus
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("lifecycle.health_weights must sum to 1.0, got %v", sum)
	}
	if c.Lifecycle.AtRiskThreshold < 0 || c.Lifecycle.AtRiskThreshold > 100 {
		return fmt.Errorf("lifecycle.at_risk_threshold must be in [0,100]")
	}

	if strings.TrimSpace(c.Policy.Dir) == "" {
		return fmt.Errorf("policy.dir is required")
	}

	return nil
}

// StalenessBound returns the parsed ingestion staleness bound.
func (c *Config) StalenessBound() time.Duration {
	d, _ := lifecycle.ParseWindowSize(c.Ingestion.StalenessBound)
	return d
}

// ComputeInterval returns the parsed recompute cadence.
func (c *Config) ComputeInterval() time.Duration {
	d, _ := time.ParseDuration(c.Compute.CronInterval)
	return d
}

// PlatformWindows resolves the platform-wide threshold set.
func (c *Config) PlatformWindows() (lifecycle.WindowSet, error) {
	return resolveWindows(c.Lifecycle.Platform, lifecycle.DefaultWindows())
}

// AccountWindows resolves the account-scope threshold set.
func (c *Config) AccountWindows() (lifecycle.WindowSet, error) {
	return resolveWindows(c.Lifecycle.Account, lifecycle.DefaultWindows())
}

// ProductWindows resolves the threshold set for one product, falling back to
// the platform thresholds for fields the override leaves empty.
func (c *Config) ProductWindows(productID string) (lifecycle.WindowSet, error) {
	base, err := c.PlatformWindows()
	if err != nil {
		return lifecycle.WindowSet{}, err
	}
	override, ok := c.Lifecycle.Products[productID]
	if !ok {
		return base, nil
	}
	return resolveWindows(override, base)
}

// HealthWeights converts the configured float weights to exact decimals.
func (c *Config) HealthWeights() lifecycle.HealthWeights {
	w := c.Lifecycle.HealthWeights
	return lifecycle.HealthWeights{
		SeatUtilization: decimal.NewFromFloat(w.SeatUtilization),
		ProductBreadth:  decimal.NewFromFloat(w.ProductBreadth),
		RecentActivity:  decimal.NewFromFloat(w.RecentActivity),
		ContractStatus:  decimal.NewFromFloat(w.ContractStatus),
	}
}

// AtRiskThreshold returns the configured at-risk health cutoff.
func (c *Config) AtRiskThreshold() decimal.Decimal {
	return decimal.NewFromFloat(c.Lifecycle.AtRiskThreshold)
}

func resolveWindows(wc WindowConfig, base lifecycle.WindowSet) (lifecycle.WindowSet, error) {
	out := base

	if wc.ActiveWindow != "" {
		d, err := lifecycle.ParseWindowSize(wc.ActiveWindow)
		if err != nil {
			return lifecycle.WindowSet{}, fmt.Errorf("active_window: %w", err)
		}
		out.ActiveWindow = d
	}
	if wc.DormantWindow != "" {
		d, err := lifecycle.ParseWindowSize(wc.DormantWindow)
		if err != nil {
			return lifecycle.WindowSet{}, fmt.Errorf("dormant_window: %w", err)
		}
		out.DormantWindow = d
	}
	if wc.SignupGrace != "" {
		d, err := lifecycle.ParseWindowSize(wc.SignupGrace)
		if err != nil {
			return lifecycle.WindowSet{}, fmt.Errorf("signup_grace: %w", err)
		}
		out.SignupGrace = d
	}
	if wc.ActivationThreshold > 0 {
		out.ActivationThreshold = wc.ActivationThreshold
	}

	if err := out.Validate(); err != nil {
		return lifecycle.WindowSet{}, err
	}
	return out, nil
}
