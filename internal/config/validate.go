package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Validation range constants.
const (
	minPerDomainCap = 1
	maxPerDomainCap = 10_000
	minBPSWindow    = 1
	maxBPSWindow    = 10_000
	maxRetries      = 100
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateGlobal(cfg)...)
	errs = append(errs, validateTick(&cfg.Tick)...)
	errs = append(errs, validateDefaults(&cfg.Defaults)...)
	errs = append(errs, validateFetch(&cfg.Fetch)...)
	errs = append(errs, validateProxy(&cfg.Proxy)...)

	return errors.Join(errs...)
}

func validateGlobal(cfg *Config) []error {
	var errs []error

	if cfg.DBPath == "" {
		errs = append(errs, errors.New("db_path: must not be empty"))
	}

	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: invalid address %q: %w", cfg.ListenAddr, err))
	}

	errs = append(errs, validateLogLevel(cfg.LogLevel)...)
	errs = append(errs, validateLogFormat(cfg.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateTick(t *TickConfig) []error {
	var errs []error

	if t.PerDomainCap < minPerDomainCap || t.PerDomainCap > maxPerDomainCap {
		errs = append(errs, fmt.Errorf("per_domain_cap: must be between %d and %d, got %d",
			minPerDomainCap, maxPerDomainCap, t.PerDomainCap))
	}

	if t.BPSWindow < minBPSWindow || t.BPSWindow > maxBPSWindow {
		errs = append(errs, fmt.Errorf("bps_window: must be between %d and %d, got %d",
			minBPSWindow, maxBPSWindow, t.BPSWindow))
	}

	if len(t.IdleWaits) == 0 {
		errs = append(errs, errors.New("idle_waits: must contain at least one wait"))
	}

	for i, w := range t.IdleWaits {
		d, err := time.ParseDuration(w)
		if err != nil {
			errs = append(errs, fmt.Errorf("idle_waits[%d]: invalid duration %q: %w", i, w, err))

			continue
		}

		if d <= 0 {
			errs = append(errs, fmt.Errorf("idle_waits[%d]: must be positive, got %s", i, d))
		}
	}

	errs = append(errs, validateDurationPositive("domain_timeout", t.DomainTimeout)...)

	return errs
}

func validateDefaults(p *PolicyConfig) []error {
	var errs []error

	errs = append(errs, validateDurationPositive("fetch_timeout", p.FetchTimeout)...)

	if p.Retries < 0 || p.Retries > maxRetries {
		errs = append(errs, fmt.Errorf("retries: must be between 0 and %d, got %d",
			maxRetries, p.Retries))
	}

	errs = append(errs, validateRetryDelays(p)...)

	if _, err := ParseSize(p.BPSLimit); err != nil {
		errs = append(errs, fmt.Errorf("bps_limit: %w", err))
	}

	return errs
}

// validateRetryDelays checks both retry delay bounds and their ordering.
// The cross-field check only runs when both values parse on their own.
func validateRetryDelays(p *PolicyConfig) []error {
	var errs []error

	minDelay, minErr := time.ParseDuration(p.RetryMinDelay)
	if minErr != nil {
		errs = append(errs, fmt.Errorf("retry_min_delay: invalid duration %q: %w", p.RetryMinDelay, minErr))
	} else if minDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_min_delay: must be >= 0, got %s", minDelay))
	}

	maxDelay, maxErr := time.ParseDuration(p.RetryMaxDelay)
	if maxErr != nil {
		errs = append(errs, fmt.Errorf("retry_max_delay: invalid duration %q: %w", p.RetryMaxDelay, maxErr))
	} else if maxDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_max_delay: must be >= 0, got %s", maxDelay))
	}

	if minErr == nil && maxErr == nil && maxDelay < minDelay {
		errs = append(errs, fmt.Errorf("retry_max_delay: must be >= retry_min_delay (%s), got %s",
			minDelay, maxDelay))
	}

	return errs
}

func validateFetch(f *FetchConfig) []error {
	var errs []error

	if f.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit: must be >= 0, got %g", f.RateLimit))
	}

	if f.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("rate_burst: must be >= 0, got %d", f.RateBurst))
	}

	return errs
}

// validateProxy checks structural proxy settings. Endpoint syntax is not
// checked here; the proxy package parses endpoints at startup and reports
// the exact malformed entry.
func validateProxy(p *ProxyConfig) []error {
	var errs []error

	if p.Enabled && len(p.Endpoints) == 0 && p.File == "" {
		errs = append(errs, errors.New("proxy: enabled but neither endpoints nor file is configured"))
	}

	errs = append(errs, validateDurationPositive("refresh_interval", p.RefreshInterval)...)

	return errs
}

// validateDurationPositive checks that a duration string parses and is > 0.
func validateDurationPositive(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d <= 0 {
		return []error{fmt.Errorf("%s: must be positive, got %s", field, d)}
	}

	return nil
}
