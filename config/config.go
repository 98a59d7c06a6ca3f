/*
Package config loads service configuration with viper.

SOURCES (later wins):
  1. Built-in defaults (setDefaults)
  2. config.yaml in ./config or the working directory, or an explicit path
  3. Environment variables prefixed STOCKLEDGER_, with "." replaced by "_"
     (STOCKLEDGER_SERVER_PORT, STOCKLEDGER_AUDIT_QUANTITY_THRESHOLD, ...)

A missing config file is not an error; defaults plus environment are a
complete configuration.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/incentive"
)

const envPrefix = "STOCKLEDGER"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
	Incentive IncentiveConfig `mapstructure:"incentive"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	DemoScenarios   bool          `mapstructure:"demo_scenarios"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	UnitTimeout time.Duration `mapstructure:"unit_timeout"`
}

// RedisConfig enables the availability mirror when Addr is set.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TTL          time.Duration `mapstructure:"ttl"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type AuditConfig struct {
	QuantityThreshold int64   `mapstructure:"quantity_threshold"`
	PercentThreshold  float64 `mapstructure:"percent_threshold"`
	BlockExpired      bool    `mapstructure:"block_expired"`
}

func (a AuditConfig) Thresholds() audit.Thresholds {
	return audit.Thresholds{Quantity: a.QuantityThreshold, Percent: a.PercentThreshold}
}

// SchedulerConfig drives the monthly audit event. Entities are written as
// "WAREHOUSE:W1" or "DISTRIBUTOR:D7".
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Entities []string      `mapstructure:"entities"`
}

// AuditEntities parses Entities.
func (s SchedulerConfig) AuditEntities() ([]generic.EntityRef, error) {
	out := make([]generic.EntityRef, 0, len(s.Entities))
	for _, raw := range s.Entities {
		typ, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("scheduler entity %q: want TYPE:ID", raw)
		}
		et, err := generic.ParseEntityType(typ)
		if err != nil {
			return nil, fmt.Errorf("scheduler entity %q: %w", raw, err)
		}
		out = append(out, generic.EntityRef{Type: et, ID: id})
	}
	return out, nil
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// IncentiveConfig overrides the default rule table when Rules is non-empty.
type IncentiveConfig struct {
	Rules []RuleConfig `mapstructure:"rules"`
}

type RuleConfig struct {
	Reason  string `mapstructure:"reason"`
	Base    int64  `mapstructure:"base"`
	Step    string `mapstructure:"step"`
	PerStep int64  `mapstructure:"per_step"`
	Max     int64  `mapstructure:"max"`
}

// RuleTable converts the configured rules, or returns the defaults.
func (c IncentiveConfig) RuleTable() (incentive.Rules, error) {
	if len(c.Rules) == 0 {
		return incentive.DefaultRules(), nil
	}
	rules := make([]incentive.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		step := decimal.Zero
		if rc.Step != "" {
			var err error
			if step, err = decimal.NewFromString(rc.Step); err != nil {
				return nil, fmt.Errorf("incentive rule %s: step %q: %w", rc.Reason, rc.Step, err)
			}
		}
		rules = append(rules, incentive.Rule{
			Reason:  strings.ToUpper(rc.Reason),
			Base:    rc.Base,
			Step:    step,
			PerStep: rc.PerStep,
			Max:     rc.Max,
		})
	}
	return incentive.NewRules(rules...), nil
}

// Load reads configuration. path may be empty to search the default
// locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.demo_scenarios", false)

	v.SetDefault("database.path", "./data/stock.db")
	v.SetDefault("database.unit_timeout", 5*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", time.Second)
	v.SetDefault("redis.write_timeout", time.Second)
	v.SetDefault("redis.ttl", time.Duration(0))

	v.SetDefault("audit.quantity_threshold", 10)
	v.SetDefault("audit.percent_threshold", 5.0)
	v.SetDefault("audit.block_expired", true)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", 24*time.Hour)
	v.SetDefault("scheduler.entities", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if cfg.Database.UnitTimeout <= 0 {
		return fmt.Errorf("invalid database.unit_timeout: %s", cfg.Database.UnitTimeout)
	}
	if cfg.Audit.QuantityThreshold < 0 || cfg.Audit.PercentThreshold < 0 {
		return errors.New("audit thresholds must not be negative")
	}
	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.Interval <= 0 {
			return fmt.Errorf("invalid scheduler.interval: %s", cfg.Scheduler.Interval)
		}
		if _, err := cfg.Scheduler.AuditEntities(); err != nil {
			return err
		}
	}
	if _, err := cfg.Incentive.RuleTable(); err != nil {
		return err
	}
	return nil
}
