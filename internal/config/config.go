// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for webrequestd. Settings resolve
// through a four-layer override chain (defaults -> config file ->
// environment -> CLI flags); the result is a fully parsed Resolved value
// the commands wire into the store, engine, fetcher, and proxy pool.
package config

// Config is the top-level structure parsed from a TOML file. Durations and
// sizes stay strings here; Resolve parses them into typed values.
type Config struct {
	DBPath     string `toml:"db_path"`
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`
	LogFormat  string `toml:"log_format"`

	Tick     TickConfig   `toml:"tick"`
	Defaults PolicyConfig `toml:"defaults"`
	Fetch    FetchConfig  `toml:"fetch"`
	Proxy    ProxyConfig  `toml:"proxy"`
}

// TickConfig controls the scheduler loop: frame assembly bounds, the
// throughput estimation window, idle pacing, and the retry interval assumed
// for domains without an explicit one. Backfill derives missing request
// statuses once before the serve loop starts.
type TickConfig struct {
	PerDomainCap  int      `toml:"per_domain_cap"`
	BPSWindow     int      `toml:"bps_window"`
	IdleWaits     []string `toml:"idle_waits"`
	DomainTimeout string   `toml:"domain_timeout"`
	Backfill      bool     `toml:"backfill"`
}

// PolicyConfig is the fetch policy seeded for newly seen domains. Existing
// domains keep their stored policy; this only shapes new rows.
type PolicyConfig struct {
	FetchTimeout  string `toml:"fetch_timeout"`
	Retries       int    `toml:"retries"`
	RetryMinDelay string `toml:"retry_min_delay"`
	RetryMaxDelay string `toml:"retry_max_delay"`
	RetryHTTP     bool   `toml:"retry_http"`
	RetryProxies  bool   `toml:"retry_proxies"`
	BPSLimit      string `toml:"bps_limit"`
	ProxyDefault  bool   `toml:"proxy_default"`
}

// FetchConfig controls the shared HTTP requester. RateLimit is global
// requests per second across all domains; zero disables pacing. RateBurst
// zero derives a 2x headroom burst. An empty UserAgent keeps the
// requester's built-in default.
type FetchConfig struct {
	UserAgent string  `toml:"user_agent"`
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// ProxyConfig controls the proxy pool: a static endpoint list, an optional
// endpoint file watched for changes, and the refresh TTL.
type ProxyConfig struct {
	Enabled         bool     `toml:"enabled"`
	Endpoints       []string `toml:"endpoints"`
	File            string   `toml:"file"`
	RefreshInterval string   `toml:"refresh_interval"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty strings mean "not specified".
type CLIOverrides struct {
	ConfigPath string // --config flag
	DBPath     string // --db flag
	ListenAddr string // --listen flag
	LogLevel   string // derived from --verbose/--quiet
}
