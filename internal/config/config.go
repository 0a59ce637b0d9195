// Package config loads engine configuration from a YAML file with
// environment-variable overrides. Every tunable engine constant lives
// here — pool fraction, clamp bounds, decay, cache TTL — so deployments
// can adjust them without code changes.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL        string `yaml:"url"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"redis"`
	Engine struct {
		DividendPoolFraction    float64 `yaml:"dividend_pool_fraction"`
		CoefficientMin          float64 `yaml:"coefficient_min"`
		CoefficientMax          float64 `yaml:"coefficient_max"`
		ScoreWindowDays         int     `yaml:"score_window_days"`
		DecayHalfLifeDays       float64 `yaml:"decay_half_life_days"`
		GoodInvestmentThreshold float64 `yaml:"good_investment_threshold"`
		ActivityBonusCap        float64 `yaml:"activity_bonus_cap"`
		CoefficientTTLSeconds   int     `yaml:"coefficient_ttl_seconds"`
		EMAWeight               float64 `yaml:"ema_weight"`
		RescoreWorkers          int     `yaml:"rescore_workers"`
	} `yaml:"engine"`
	Schedule struct {
		BatchCron string `yaml:"batch_cron"`
	} `yaml:"schedule"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides, then defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("BATCH_CRON"); v != "" {
		cfg.Schedule.BatchCron = v
	}
	if v := os.Getenv("DIVIDEND_POOL_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.DividendPoolFraction = f
		}
	}

	// Defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Redis.TTLSeconds == 0 {
		cfg.Redis.TTLSeconds = 30
	}
	if cfg.Engine.DividendPoolFraction == 0 {
		cfg.Engine.DividendPoolFraction = 0.10
	}
	if cfg.Engine.CoefficientMin == 0 {
		cfg.Engine.CoefficientMin = 0.5
	}
	if cfg.Engine.CoefficientMax == 0 {
		cfg.Engine.CoefficientMax = 3.0
	}
	if cfg.Engine.ScoreWindowDays == 0 {
		cfg.Engine.ScoreWindowDays = 30
	}
	if cfg.Engine.DecayHalfLifeDays == 0 {
		cfg.Engine.DecayHalfLifeDays = 7
	}
	if cfg.Engine.GoodInvestmentThreshold == 0 {
		cfg.Engine.GoodInvestmentThreshold = 0.3
	}
	if cfg.Engine.ActivityBonusCap == 0 {
		cfg.Engine.ActivityBonusCap = 0.2
	}
	if cfg.Engine.CoefficientTTLSeconds == 0 {
		cfg.Engine.CoefficientTTLSeconds = 60
	}
	if cfg.Engine.EMAWeight == 0 {
		cfg.Engine.EMAWeight = 0.9
	}
	if cfg.Engine.RescoreWorkers == 0 {
		cfg.Engine.RescoreWorkers = 4
	}
	if cfg.Schedule.BatchCron == "" {
		cfg.Schedule.BatchCron = "@hourly"
	}

	return cfg, nil
}

// Validate checks that the engine constants are sane.
func (c *Config) Validate() error {
	if c.Engine.DividendPoolFraction <= 0 || c.Engine.DividendPoolFraction >= 1 {
		return fmt.Errorf("engine.dividend_pool_fraction must be in (0, 1)")
	}
	if c.Engine.CoefficientMin <= 0 {
		return fmt.Errorf("engine.coefficient_min must be positive")
	}
	if c.Engine.CoefficientMax <= c.Engine.CoefficientMin {
		return fmt.Errorf("engine.coefficient_max must exceed coefficient_min")
	}
	if c.Engine.EMAWeight < 0 || c.Engine.EMAWeight >= 1 {
		return fmt.Errorf("engine.ema_weight must be in [0, 1)")
	}
	return nil
}
