package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "WEBREQUESTD_CONFIG"
	EnvDBPath     = "WEBREQUESTD_DB_PATH"
	EnvListenAddr = "WEBREQUESTD_LISTEN_ADDR"
	EnvLogLevel   = "WEBREQUESTD_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables. Empty
// strings mean the variable was unset.
type EnvOverrides struct {
	ConfigPath string // WEBREQUESTD_CONFIG: config file path
	DBPath     string // WEBREQUESTD_DB_PATH: request database path
	ListenAddr string // WEBREQUESTD_LISTEN_ADDR: API listen address
	LogLevel   string // WEBREQUESTD_LOG_LEVEL: log level name
}

// ReadEnvOverrides reads the override environment variables. It does not
// modify any Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDBPath),
		ListenAddr: os.Getenv(EnvListenAddr),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
