package config

// Default values for configuration options, layer zero of the override
// chain. The scheduling values mirror the store and engine defaults so a
// config-less run behaves identically to an explicit default file.
const (
	defaultListenAddr    = "127.0.0.1:8080"
	defaultLogLevel      = "info"
	defaultLogFormat     = "auto"
	defaultPerDomainCap  = 50
	defaultBPSWindow     = 25
	defaultDomainTimeout = "3h"
	defaultFetchTimeout  = "30s"
	defaultRetries       = 2
	defaultRetryDelay    = "0s"
	defaultBPSLimit      = "0"
	defaultProxyRefresh  = "5m"
	defaultBackfill      = true
)

// defaultIdleWaits is the idle backoff ladder between scheduler ticks.
var defaultIdleWaits = []string{"1m", "2m", "4m", "8m", "15m"}

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding (unset fields keep defaults) and the
// fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		DBPath:     DefaultDBPath(),
		ListenAddr: defaultListenAddr,
		LogLevel:   defaultLogLevel,
		LogFormat:  defaultLogFormat,
		Tick:       defaultTickConfig(),
		Defaults:   defaultPolicyConfig(),
		Fetch:      defaultFetchConfig(),
		Proxy:      defaultProxyConfig(),
	}
}

func defaultTickConfig() TickConfig {
	waits := make([]string, len(defaultIdleWaits))
	copy(waits, defaultIdleWaits)

	return TickConfig{
		PerDomainCap:  defaultPerDomainCap,
		BPSWindow:     defaultBPSWindow,
		IdleWaits:     waits,
		DomainTimeout: defaultDomainTimeout,
		Backfill:      defaultBackfill,
	}
}

func defaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		FetchTimeout:  defaultFetchTimeout,
		Retries:       defaultRetries,
		RetryMinDelay: defaultRetryDelay,
		RetryMaxDelay: defaultRetryDelay,
		BPSLimit:      defaultBPSLimit,
	}
}

func defaultFetchConfig() FetchConfig {
	return FetchConfig{}
}

func defaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		RefreshInterval: defaultProxyRefresh,
	}
}
