// Package config loads crucible's runtime configuration from a YAML or JSON
// file and CRUCIBLE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/rogers-f/crucible/internal/breaker"
	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/logging"
	"github.com/rogers-f/crucible/internal/workflow"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// CRUCIBLE_BREAKER_MAX_ESCALATIONS.
const EnvPrefix = "CRUCIBLE"

// Trip actions taken by the driver when the circuit trips globally.
const (
	TripActionFail  = "fail"
	TripActionBlock = "block"
)

// TierConfig defines one capability tier: its cost units and the agent
// process that implements functions at that tier.
type TierConfig struct {
	Name    string            `mapstructure:"name"`
	Cost    float64           `mapstructure:"cost"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// VerifierConfig defines the process that compiles and tests a candidate.
type VerifierConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// RunConfig holds settings of one protocol run.
type RunConfig struct {
	DBPath         string        `mapstructure:"db_path"`
	ManifestPath   string        `mapstructure:"manifest_path"`
	Workers        int           `mapstructure:"workers"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	TripAction     string        `mapstructure:"trip_action"`
	BudgetCap      float64       `mapstructure:"budget_cap"`
	ListenAddr     string        `mapstructure:"listen_addr"`
}

// LoggingConfig selects the log level and an optional log file.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Config holds crucible's runtime configuration.
type Config struct {
	Breaker  breaker.Config `mapstructure:"breaker"`
	Run      RunConfig      `mapstructure:"run"`
	Tiers    []TierConfig   `mapstructure:"tiers"`
	Verifier VerifierConfig `mapstructure:"verifier"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// NewViper returns a viper instance with crucible's defaults and env
// binding. When path is non-empty the file is read.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// Load unmarshals v, applies defaults, and validates.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile reads path and returns the validated configuration.
func LoadFile(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return Load(v)
}

func setDefaults(v *viper.Viper) {
	d := breaker.DefaultConfig()
	v.SetDefault("breaker.max_attempts_per_function", d.MaxAttemptsPerFunction)
	v.SetDefault("breaker.max_escalations", d.MaxEscalations)
	v.SetDefault("breaker.consecutive_failure_threshold", d.ConsecutiveFailureThreshold)
	v.SetDefault("breaker.global_trip_threshold", d.GlobalTripThreshold)
	v.SetDefault("breaker.max_diagnostic_bytes", d.MaxDiagnosticBytes)

	v.SetDefault("run.db_path", "crucible.db")
	v.SetDefault("run.manifest_path", "")
	v.SetDefault("run.workers", 4)
	v.SetDefault("run.attempt_timeout", "10m")
	v.SetDefault("run.drain_timeout", "5s")
	v.SetDefault("run.trip_action", TripActionFail)
	v.SetDefault("run.budget_cap", 0)
	v.SetDefault("run.listen_addr", "127.0.0.1:9800")

	v.SetDefault("verifier.command", "")
	v.SetDefault("verifier.timeout", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

func (c *Config) applyDefaults() {
	if len(c.Tiers) == 0 {
		for _, t := range workflow.DefaultCostTable() {
			c.Tiers = append(c.Tiers, TierConfig{Name: t.Name, Cost: t.Cost})
		}
	}
	for i := range c.Tiers {
		if c.Tiers[i].Name == "" {
			c.Tiers[i].Name = fmt.Sprintf("tier-%d", i)
		}
	}
	if c.Run.TripAction == "" {
		c.Run.TripAction = TripActionFail
	}
	if c.Run.Workers == 0 {
		c.Run.Workers = 4
	}
}

func (c *Config) validate() error {
	var problems []string

	if err := c.Breaker.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Run.DBPath == "" {
		problems = append(problems, "run.db_path is required")
	}
	if c.Run.Workers < 1 {
		problems = append(problems, "run.workers must be >= 1")
	}
	if c.Run.AttemptTimeout < 0 {
		problems = append(problems, "run.attempt_timeout must not be negative")
	}
	if c.Run.TripAction != TripActionFail && c.Run.TripAction != TripActionBlock {
		problems = append(problems, fmt.Sprintf("run.trip_action must be %q or %q", TripActionFail, TripActionBlock))
	}
	if c.Run.BudgetCap < 0 {
		problems = append(problems, "run.budget_cap must not be negative")
	}
	if err := c.CostTable().Validate(c.Breaker.MaxEscalations); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// ValidateForRun performs the additional checks needed before starting a run.
func (c *Config) ValidateForRun() error {
	var problems []string

	if c.Run.ManifestPath == "" {
		problems = append(problems, "run.manifest_path is required")
	}
	for i := 0; i <= c.Breaker.MaxEscalations && i < len(c.Tiers); i++ {
		if c.Tiers[i].Command == "" {
			problems = append(problems, fmt.Sprintf("tiers[%d] (%s) needs a command", i, c.Tiers[i].Name))
		}
	}
	if c.Verifier.Command == "" {
		problems = append(problems, "verifier.command is required")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// CostTable returns the capability-cost table in tier order.
func (c *Config) CostTable() workflow.CostTable {
	table := make(workflow.CostTable, len(c.Tiers))
	for i, t := range c.Tiers {
		table[i] = workflow.TierSpec{Name: t.Name, Cost: t.Cost}
	}
	return table
}

// WatchLogLevel re-reads logging.level whenever the config file changes.
func WatchLogLevel(v *viper.Viper, logger *logging.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		level := logging.ParseLevel(v.GetString("logging.level"))
		logger.SetLevel(level)
		logger.Infof("config %s changed (%s), log level now %s", e.Name, e.Op, level)
	})
	v.WatchConfig()
}
