/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/acronis/go-governor/adaptivelimit"
	"github.com/acronis/go-governor/config"
)

const cfgDefaultKeyPrefix = "governor"

const (
	cfgKeyCacheMaxEntries       = "cache.maxEntries"
	cfgKeyCacheTTL              = "cache.ttl"
	cfgKeyCachePersistPath      = "cache.persistPath"
	cfgKeyCacheSweepInterval    = "cache.sweepInterval"
	cfgKeyCacheSnapshotSchedule = "cache.snapshotSchedule"

	cfgKeyLimiterBaseRate             = "limiter.baseRate"
	cfgKeyLimiterMinRate              = "limiter.minRate"
	cfgKeyLimiterTokensPerMinute      = "limiter.tokensPerMinute"
	cfgKeyLimiterDegradationThreshold = "limiter.degradationThreshold"
	cfgKeyLimiterRecoveryThreshold    = "limiter.recoveryThreshold"
	cfgKeyLimiterEMAAlpha             = "limiter.emaAlpha"
)

// Default values of the cache configuration.
const (
	DefaultCacheMaxEntries       = 1000
	DefaultCacheTTL              = time.Hour
	DefaultCacheSweepInterval    = time.Minute
	DefaultCacheSnapshotSchedule = "@every 5m"
)

// Config represents a set of configuration parameters for the Governor and its Maintenance.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache" json:"cache"`
	Limiter LimiterConfig `mapstructure:"limiter" yaml:"limiter" json:"limiter"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// CacheConfig represents a set of configuration parameters for the cache.
type CacheConfig struct {
	MaxEntries int           `mapstructure:"maxEntries" yaml:"maxEntries" json:"maxEntries"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`

	// PersistPath is a path of the snapshot file. Persistence is disabled if empty.
	PersistPath string `mapstructure:"persistPath" yaml:"persistPath" json:"persistPath"`

	// SweepInterval is an interval of the proactive removal of expired entries. Zero disables sweeping.
	SweepInterval time.Duration `mapstructure:"sweepInterval" yaml:"sweepInterval" json:"sweepInterval"`

	// SnapshotSchedule is a cron expression (descriptors like "@every 5m" are supported) for snapshots.
	SnapshotSchedule string `mapstructure:"snapshotSchedule" yaml:"snapshotSchedule" json:"snapshotSchedule"`
}

// LimiterConfig represents a set of configuration parameters for the adaptive rate limiter.
type LimiterConfig struct {
	BaseRate             int           `mapstructure:"baseRate" yaml:"baseRate" json:"baseRate"`
	MinRate              int           `mapstructure:"minRate" yaml:"minRate" json:"minRate"`
	TokensPerMinute      int           `mapstructure:"tokensPerMinute" yaml:"tokensPerMinute" json:"tokensPerMinute"`
	DegradationThreshold time.Duration `mapstructure:"degradationThreshold" yaml:"degradationThreshold" json:"degradationThreshold"`
	RecoveryThreshold    time.Duration `mapstructure:"recoveryThreshold" yaml:"recoveryThreshold" json:"recoveryThreshold"`
	EMAAlpha             float64       `mapstructure:"emaAlpha" yaml:"emaAlpha" json:"emaAlpha"`
}

// ToLimiterConfig converts the configuration to adaptivelimit.Config with default window parameters.
func (c LimiterConfig) ToLimiterConfig() adaptivelimit.Config {
	cfg := adaptivelimit.DefaultConfig()
	cfg.BaseRate = c.BaseRate
	cfg.MinRate = c.MinRate
	cfg.TokensPerMinute = c.TokensPerMinute
	cfg.DegradationThreshold = c.DegradationThreshold
	cfg.RecoveryThreshold = c.RecoveryThreshold
	cfg.EMAAlpha = c.EMAAlpha
	return cfg
}

// NewConfig creates a new instance of the Config with the given key prefix.
// Empty prefix means "governor".
func NewConfig(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxEntries:       DefaultCacheMaxEntries,
			TTL:              DefaultCacheTTL,
			SweepInterval:    DefaultCacheSweepInterval,
			SnapshotSchedule: DefaultCacheSnapshotSchedule,
		},
		Limiter: LimiterConfig{
			BaseRate:             adaptivelimit.DefaultBaseRate,
			MinRate:              adaptivelimit.DefaultMinRate,
			DegradationThreshold: adaptivelimit.DefaultDegradationThreshold,
			RecoveryThreshold:    adaptivelimit.DefaultRecoveryThreshold,
			EMAAlpha:             adaptivelimit.DefaultEMAAlpha,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the governor in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyCacheMaxEntries, DefaultCacheMaxEntries)
	dp.SetDefault(cfgKeyCacheTTL, DefaultCacheTTL.String())
	dp.SetDefault(cfgKeyCacheSweepInterval, DefaultCacheSweepInterval.String())
	dp.SetDefault(cfgKeyCacheSnapshotSchedule, DefaultCacheSnapshotSchedule)

	dp.SetDefault(cfgKeyLimiterBaseRate, adaptivelimit.DefaultBaseRate)
	dp.SetDefault(cfgKeyLimiterMinRate, adaptivelimit.DefaultMinRate)
	dp.SetDefault(cfgKeyLimiterTokensPerMinute, 0)
	dp.SetDefault(cfgKeyLimiterDegradationThreshold, adaptivelimit.DefaultDegradationThreshold.String())
	dp.SetDefault(cfgKeyLimiterRecoveryThreshold, adaptivelimit.DefaultRecoveryThreshold.String())
	dp.SetDefault(cfgKeyLimiterEMAAlpha, adaptivelimit.DefaultEMAAlpha)
}

// Set sets governor configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := c.setCacheConfig(dp); err != nil {
		return err
	}
	return c.setLimiterConfig(dp)
}

func (c *Config) setCacheConfig(dp config.DataProvider) error {
	var err error

	if c.Cache.MaxEntries, err = dp.GetInt(cfgKeyCacheMaxEntries); err != nil {
		return err
	}
	if c.Cache.MaxEntries <= 0 {
		return dp.WrapKeyErr(cfgKeyCacheMaxEntries, fmt.Errorf("must be positive"))
	}

	if c.Cache.TTL, err = dp.GetDuration(cfgKeyCacheTTL); err != nil {
		return err
	}
	if c.Cache.TTL <= 0 {
		return dp.WrapKeyErr(cfgKeyCacheTTL, fmt.Errorf("must be positive"))
	}

	if c.Cache.PersistPath, err = dp.GetString(cfgKeyCachePersistPath); err != nil {
		return err
	}

	if c.Cache.SweepInterval, err = dp.GetDuration(cfgKeyCacheSweepInterval); err != nil {
		return err
	}
	if c.Cache.SweepInterval < 0 {
		return dp.WrapKeyErr(cfgKeyCacheSweepInterval, fmt.Errorf("cannot be negative"))
	}

	if c.Cache.SnapshotSchedule, err = dp.GetString(cfgKeyCacheSnapshotSchedule); err != nil {
		return err
	}
	if c.Cache.SnapshotSchedule != "" {
		if _, err = cron.ParseStandard(c.Cache.SnapshotSchedule); err != nil {
			return dp.WrapKeyErr(cfgKeyCacheSnapshotSchedule, fmt.Errorf("invalid cron schedule: %w", err))
		}
	}
	return nil
}

func (c *Config) setLimiterConfig(dp config.DataProvider) error {
	var err error

	if c.Limiter.BaseRate, err = dp.GetInt(cfgKeyLimiterBaseRate); err != nil {
		return err
	}
	if c.Limiter.MinRate, err = dp.GetInt(cfgKeyLimiterMinRate); err != nil {
		return err
	}
	if c.Limiter.TokensPerMinute, err = dp.GetInt(cfgKeyLimiterTokensPerMinute); err != nil {
		return err
	}
	if c.Limiter.DegradationThreshold, err = dp.GetDuration(cfgKeyLimiterDegradationThreshold); err != nil {
		return err
	}
	if c.Limiter.RecoveryThreshold, err = dp.GetDuration(cfgKeyLimiterRecoveryThreshold); err != nil {
		return err
	}
	if c.Limiter.EMAAlpha, err = dp.GetFloat64(cfgKeyLimiterEMAAlpha); err != nil {
		return err
	}

	if err = c.Limiter.ToLimiterConfig().Validate(); err != nil {
		return dp.WrapKeyErr("limiter", err)
	}
	return nil
}
