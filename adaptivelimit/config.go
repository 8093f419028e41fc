/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package adaptivelimit

import (
	"fmt"
	"time"
)

// Default configuration values.
const (
	DefaultBaseRate             = 60
	DefaultMinRate              = 1
	DefaultDegradationThreshold = 5 * time.Second
	DefaultRecoveryThreshold    = 2 * time.Second
	DefaultEMAAlpha             = 0.2
	DefaultWindow               = time.Minute
	DefaultSampleWindowSize     = 100
)

// Config represents a configuration of the Limiter.
type Config struct {
	// BaseRate is the maximum number of admissions per window. The effective rate never exceeds it.
	BaseRate int

	// MinRate is the lower bound for the effective rate.
	MinRate int

	// TokensPerMinute is a token budget reported by Health. It doesn't gate admissions. Zero means unbounded.
	TokensPerMinute int

	// DegradationThreshold is the EMA latency above which the effective rate is decreased.
	DegradationThreshold time.Duration

	// RecoveryThreshold is the EMA latency below which the effective rate is increased.
	// Must be less than DegradationThreshold.
	RecoveryThreshold time.Duration

	// EMAAlpha is the weight of the newest latency sample, must be in (0, 1).
	EMAAlpha float64

	// Window is the length of the sliding admission window.
	Window time.Duration

	// SampleWindowSize is the number of most recent latency samples kept for Health.
	SampleWindowSize int
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{
		BaseRate:             DefaultBaseRate,
		MinRate:              DefaultMinRate,
		DegradationThreshold: DefaultDegradationThreshold,
		RecoveryThreshold:    DefaultRecoveryThreshold,
		EMAAlpha:             DefaultEMAAlpha,
		Window:               DefaultWindow,
		SampleWindowSize:     DefaultSampleWindowSize,
	}
}

// Validate checks that configuration values are consistent.
func (c Config) Validate() error {
	if c.BaseRate <= 0 {
		return fmt.Errorf("base rate must be greater than 0, got %d", c.BaseRate)
	}
	if c.MinRate <= 0 {
		return fmt.Errorf("min rate must be greater than 0, got %d", c.MinRate)
	}
	if c.MinRate > c.BaseRate {
		return fmt.Errorf("min rate (%d) must not be greater than base rate (%d)", c.MinRate, c.BaseRate)
	}
	if c.TokensPerMinute < 0 {
		return fmt.Errorf("tokens per minute must not be negative, got %d", c.TokensPerMinute)
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha >= 1 {
		return fmt.Errorf("ema alpha must be in (0, 1), got %v", c.EMAAlpha)
	}
	if c.RecoveryThreshold < 0 {
		return fmt.Errorf("recovery threshold must not be negative, got %s", c.RecoveryThreshold)
	}
	if c.RecoveryThreshold >= c.DegradationThreshold {
		return fmt.Errorf("recovery threshold (%s) must be less than degradation threshold (%s)",
			c.RecoveryThreshold, c.DegradationThreshold)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be greater than 0, got %s", c.Window)
	}
	if c.SampleWindowSize <= 0 {
		return fmt.Errorf("sample window size must be greater than 0, got %d", c.SampleWindowSize)
	}
	return nil
}
