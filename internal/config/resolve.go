package config

import (
	"fmt"
	"slices"
	"time"
)

// Resolved is the fully parsed configuration after the override chain.
// String durations and sizes from the file become typed values here, so
// downstream packages never parse config syntax themselves.
type Resolved struct {
	DBPath     string
	ListenAddr string
	LogLevel   string
	LogFormat  string
	Tick       ResolvedTick
	Defaults   ResolvedPolicy
	Fetch      ResolvedFetch
	Proxy      ResolvedProxy
}

// ResolvedTick holds the parsed scheduler settings.
type ResolvedTick struct {
	PerDomainCap  int
	BPSWindow     int
	IdleWaits     []time.Duration
	DomainTimeout time.Duration
	Backfill      bool
}

// ResolvedPolicy holds the parsed seed policy applied to newly discovered
// domains. A zero BPSLimit means unthrottled.
type ResolvedPolicy struct {
	FetchTimeout  time.Duration
	Retries       int
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
	RetryHTTP     bool
	RetryProxies  bool
	BPSLimit      int64
	ProxyDefault  bool
}

// ResolvedFetch holds the parsed outbound HTTP settings.
type ResolvedFetch struct {
	UserAgent string
	RateLimit float64
	RateBurst int
}

// ResolvedProxy holds the parsed proxy pool settings.
type ResolvedProxy struct {
	Enabled         bool
	Endpoints       []string
	File            string
	RefreshInterval time.Duration
}

// resolveConfig parses a validated Config into typed values. Validation has
// already proven every duration and size parses, so an error here indicates
// a gap in the validators.
func resolveConfig(cfg *Config) (*Resolved, error) {
	tick, err := resolveTick(&cfg.Tick)
	if err != nil {
		return nil, err
	}

	defaults, err := resolvePolicy(&cfg.Defaults)
	if err != nil {
		return nil, err
	}

	proxy, err := resolveProxy(&cfg.Proxy)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		DBPath:     expandTilde(cfg.DBPath),
		ListenAddr: cfg.ListenAddr,
		LogLevel:   cfg.LogLevel,
		LogFormat:  cfg.LogFormat,
		Tick:       *tick,
		Defaults:   *defaults,
		Fetch: ResolvedFetch{
			UserAgent: cfg.Fetch.UserAgent,
			RateLimit: cfg.Fetch.RateLimit,
			RateBurst: cfg.Fetch.RateBurst,
		},
		Proxy: *proxy,
	}, nil
}

func resolveTick(t *TickConfig) (*ResolvedTick, error) {
	waits := make([]time.Duration, 0, len(t.IdleWaits))

	for i, w := range t.IdleWaits {
		d, err := time.ParseDuration(w)
		if err != nil {
			return nil, fmt.Errorf("idle_waits[%d]: %w", i, err)
		}

		waits = append(waits, d)
	}

	timeout, err := time.ParseDuration(t.DomainTimeout)
	if err != nil {
		return nil, fmt.Errorf("domain_timeout: %w", err)
	}

	return &ResolvedTick{
		PerDomainCap:  t.PerDomainCap,
		BPSWindow:     t.BPSWindow,
		IdleWaits:     waits,
		DomainTimeout: timeout,
		Backfill:      t.Backfill,
	}, nil
}

func resolvePolicy(p *PolicyConfig) (*ResolvedPolicy, error) {
	fetchTimeout, err := time.ParseDuration(p.FetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetch_timeout: %w", err)
	}

	minDelay, err := time.ParseDuration(p.RetryMinDelay)
	if err != nil {
		return nil, fmt.Errorf("retry_min_delay: %w", err)
	}

	maxDelay, err := time.ParseDuration(p.RetryMaxDelay)
	if err != nil {
		return nil, fmt.Errorf("retry_max_delay: %w", err)
	}

	bpsLimit, err := ParseSize(p.BPSLimit)
	if err != nil {
		return nil, fmt.Errorf("bps_limit: %w", err)
	}

	return &ResolvedPolicy{
		FetchTimeout:  fetchTimeout,
		Retries:       p.Retries,
		RetryMinDelay: minDelay,
		RetryMaxDelay: maxDelay,
		RetryHTTP:     p.RetryHTTP,
		RetryProxies:  p.RetryProxies,
		BPSLimit:      bpsLimit,
		ProxyDefault:  p.ProxyDefault,
	}, nil
}

func resolveProxy(p *ProxyConfig) (*ResolvedProxy, error) {
	refresh, err := time.ParseDuration(p.RefreshInterval)
	if err != nil {
		return nil, fmt.Errorf("refresh_interval: %w", err)
	}

	return &ResolvedProxy{
		Enabled:         p.Enabled,
		Endpoints:       slices.Clone(p.Endpoints),
		File:            expandTilde(p.File),
		RefreshInterval: refresh,
	}, nil
}
