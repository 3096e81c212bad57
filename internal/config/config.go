// Package config holds heurist engine configuration.
// Config is loaded from .heurist/config.yaml with environment overrides;
// all tunable policy knobs (thresholds, limits, sweep cadence) live here so
// components can be tested with explicit values instead of globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all heurist configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store       StoreConfig       `yaml:"store"`
	Confidence  ConfidenceConfig  `yaml:"confidence"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Capacity    CapacityConfig    `yaml:"capacity"`
	Fraud       FraudConfig       `yaml:"fraud"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	BusyTimeout  string `yaml:"busy_timeout"`
	// Bounded optimistic-concurrency retries per row update.
	UpdateRetries int `yaml:"update_retries"`
}

// ConfidenceConfig configures the confidence estimator.
type ConfidenceConfig struct {
	// Applications before switching from cumulative average to EMA.
	MinApplications int `yaml:"min_applications"`
	// Floor for the adaptive EMA alpha (alpha = max(min_alpha, 1/applications)).
	MinAlpha float64 `yaml:"min_alpha"`
	// Per-heuristic daily update cap, reset at UTC midnight.
	DailyUpdateCap int `yaml:"daily_update_cap"`
	// Confidence assigned at creation by the learning loop.
	SeedConfidence float64 `yaml:"seed_confidence"`
}

// LifecycleConfig configures state transitions.
type LifecycleConfig struct {
	DormancyThreshold   string  `yaml:"dormancy_threshold"` // inactivity before active -> dormant
	GoldenConfidence    float64 `yaml:"golden_confidence"`  // promotion gate
	GoldenMinValidation int     `yaml:"golden_min_validations"`
	// When false, promote() requires the external approval flag.
	AutoPromote bool `yaml:"auto_promote"`
}

// CapacityConfig configures per-domain limits and overflow policy.
type CapacityConfig struct {
	DefaultSoftLimit int `yaml:"default_soft_limit"`
	DefaultHardLimit int `yaml:"default_hard_limit"`
	GracePeriodDays  int `yaml:"grace_period_days"` // gate-free window after entering overflow
	MaxOverflowDays  int `yaml:"max_overflow_days"`

	// Admission gates while a domain is overflowing.
	ExpansionMinConfidence  float64 `yaml:"expansion_min_confidence"`
	ExpansionMinValidations int     `yaml:"expansion_min_validations"`
	ExpansionMinNovelty     float64 `yaml:"expansion_min_novelty"`

	Health HealthWeights `yaml:"health"`
}

// HealthWeights are the coefficients of the domain health score.
// The score is monotone: increasing in confidence and validation ratio,
// decreasing in overflow duration and violation rate.
type HealthWeights struct {
	ConfidenceWeight      float64 `yaml:"confidence_weight"`
	ValidationWeight      float64 `yaml:"validation_weight"`
	OverflowPenaltyPerDay float64 `yaml:"overflow_penalty_per_day"`
	ViolationPenalty      float64 `yaml:"violation_penalty"`
}

// FraudConfig configures the anomaly detection pipeline.
type FraudConfig struct {
	Workers      int     `yaml:"workers"`
	QueueDepth   int     `yaml:"queue_depth"`
	ScansPerSec  float64 `yaml:"scans_per_sec"` // pipeline throttle
	ZScoreHigh   float64 `yaml:"zscore_high"`   // update-frequency severity cutoff
	ZScoreAlert  float64 `yaml:"zscore_alert"`  // update-frequency alert threshold
	VelocityJump float64 `yaml:"velocity_jump"` // max organic confidence swing per event

	// Classification boundaries on the aggregated fraud score.
	SuspiciousThreshold float64 `yaml:"suspicious_threshold"`
	FraudulentThreshold float64 `yaml:"fraudulent_threshold"`
}

// MaintenanceConfig configures the background sweep scheduler.
type MaintenanceConfig struct {
	Interval    string  `yaml:"interval"`
	SweepBudget string  `yaml:"sweep_budget"` // per-sweep time box
	DecayFactor float64 `yaml:"decay_factor"`
	DecayAfter  string  `yaml:"decay_after"` // idle time before decay applies
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, text
	DebugMode bool   `yaml:"debug_mode"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "heurist",
		Version: "0.3.0",

		Store: StoreConfig{
			DatabasePath:  ".heurist/heurist.db",
			BusyTimeout:   "5s",
			UpdateRetries: 3,
		},

		Confidence: ConfidenceConfig{
			MinApplications: 10,
			MinAlpha:        0.05,
			DailyUpdateCap:  50,
			SeedConfidence:  0.5,
		},

		Lifecycle: LifecycleConfig{
			DormancyThreshold:   "720h", // 30 days
			GoldenConfidence:    0.9,
			GoldenMinValidation: 20,
			AutoPromote:         false,
		},

		Capacity: CapacityConfig{
			DefaultSoftLimit:        25,
			DefaultHardLimit:        40,
			GracePeriodDays:         3,
			MaxOverflowDays:         7,
			ExpansionMinConfidence:  0.7,
			ExpansionMinValidations: 5,
			ExpansionMinNovelty:     0.6,
			Health: HealthWeights{
				ConfidenceWeight:      0.5,
				ValidationWeight:      0.3,
				OverflowPenaltyPerDay: 0.02,
				ViolationPenalty:      0.2,
			},
		},

		Fraud: FraudConfig{
			Workers:             2,
			QueueDepth:          256,
			ScansPerSec:         50,
			ZScoreHigh:          3.0,
			ZScoreAlert:         2.0,
			VelocityJump:        0.25,
			SuspiciousThreshold: 0.3,
			FraudulentThreshold: 0.7,
		},

		Maintenance: MaintenanceConfig{
			Interval:    "15m",
			SweepBudget: "30s",
			DecayFactor: 0.95,
			DecayAfter:  "168h", // 7 days
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides lets the environment override file settings.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("HEURIST_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if level := os.Getenv("HEURIST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if cap := os.Getenv("HEURIST_DAILY_CAP"); cap != "" {
		if n, err := strconv.Atoi(cap); err == nil && n > 0 {
			c.Confidence.DailyUpdateCap = n
		}
	}
}

// GetBusyTimeout returns the SQLite busy timeout as a duration.
func (c *Config) GetBusyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Store.BusyTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetDormancyThreshold returns the inactivity window before dormancy.
func (c *Config) GetDormancyThreshold() time.Duration {
	return c.Lifecycle.GetDormancyThreshold()
}

// GetDormancyThreshold returns the inactivity window before dormancy.
func (l LifecycleConfig) GetDormancyThreshold() time.Duration {
	d, err := time.ParseDuration(l.DormancyThreshold)
	if err != nil {
		return 720 * time.Hour
	}
	return d
}

// GetMaintenanceInterval returns the sweep scheduler interval.
func (c *Config) GetMaintenanceInterval() time.Duration {
	d, err := time.ParseDuration(c.Maintenance.Interval)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetSweepBudget returns the per-sweep time box.
func (c *Config) GetSweepBudget() time.Duration {
	d, err := time.ParseDuration(c.Maintenance.SweepBudget)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetDecayAfter returns the idle window before confidence decay applies.
func (c *Config) GetDecayAfter() time.Duration {
	d, err := time.ParseDuration(c.Maintenance.DecayAfter)
	if err != nil {
		return 168 * time.Hour
	}
	return d
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Confidence.MinApplications < 1 {
		return fmt.Errorf("confidence.min_applications must be >= 1")
	}
	if c.Confidence.MinAlpha <= 0 || c.Confidence.MinAlpha >= 1 {
		return fmt.Errorf("confidence.min_alpha must be in (0, 1)")
	}
	if c.Confidence.DailyUpdateCap < 1 {
		return fmt.Errorf("confidence.daily_update_cap must be >= 1")
	}
	if c.Confidence.SeedConfidence < 0 || c.Confidence.SeedConfidence > 1 {
		return fmt.Errorf("confidence.seed_confidence must be in [0, 1]")
	}
	if c.Lifecycle.GoldenConfidence <= 0 || c.Lifecycle.GoldenConfidence > 1 {
		return fmt.Errorf("lifecycle.golden_confidence must be in (0, 1]")
	}
	if c.Capacity.DefaultSoftLimit < 1 {
		return fmt.Errorf("capacity.default_soft_limit must be >= 1")
	}
	if c.Capacity.DefaultHardLimit < c.Capacity.DefaultSoftLimit {
		return fmt.Errorf("capacity.default_hard_limit must be >= soft limit")
	}
	if c.Capacity.GracePeriodDays < 0 {
		return fmt.Errorf("capacity.grace_period_days must be >= 0")
	}
	if c.Capacity.MaxOverflowDays < 1 {
		return fmt.Errorf("capacity.max_overflow_days must be >= 1")
	}
	if c.Fraud.SuspiciousThreshold <= 0 || c.Fraud.SuspiciousThreshold >= c.Fraud.FraudulentThreshold {
		return fmt.Errorf("fraud thresholds must satisfy 0 < suspicious < fraudulent")
	}
	if c.Fraud.FraudulentThreshold >= 1 {
		return fmt.Errorf("fraud.fraudulent_threshold must be < 1")
	}
	if c.Fraud.Workers < 1 {
		return fmt.Errorf("fraud.workers must be >= 1")
	}
	if c.Maintenance.DecayFactor <= 0 || c.Maintenance.DecayFactor >= 1 {
		return fmt.Errorf("maintenance.decay_factor must be in (0, 1)")
	}
	return nil
}

// ConfigPath returns the canonical config path for the workspace.
func ConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return ".heurist/config.yaml"
	}
	return filepath.Join(root, ".heurist", "config.yaml")
}

// FindWorkspaceRoot attempts to find the project root by looking for .heurist or go.mod.
// If not found, returns the current working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".heurist")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
