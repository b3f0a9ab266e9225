package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webrequestd/webrequestd/internal/config"
)

// testLogger returns a logger that discards everything.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests must either:
//   - Set globals AFTER newRootCmd() returns (direct function tests), or
//   - Use cmd.SetArgs() + cmd.Execute() to let Cobra parse flags (integration tests).

// saveGlobals snapshots the package globals a test mutates and restores them
// on cleanup.
func saveGlobals(t *testing.T) {
	t.Helper()

	oldCfg := resolvedCfg
	oldConfig := flagConfigPath
	oldDB := flagDBPath
	oldListen := flagListenAddr
	oldJSON := flagJSON
	oldVerbose := flagVerbose
	oldQuiet := flagQuiet

	t.Cleanup(func() {
		resolvedCfg = oldCfg
		flagConfigPath = oldConfig
		flagDBPath = oldDB
		flagListenAddr = oldListen
		flagJSON = oldJSON
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
	})
}

// --- buildLogger tests ---

func TestBuildLogger_Default(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = nil

	logger := buildLogger()

	// Default level is Info.
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_ConfigDebug(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = &config.Resolved{LogLevel: "debug", LogFormat: "text"}

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_ConfigError(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = &config.Resolved{LogLevel: "error", LogFormat: "text"}

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}

// --- Cobra structure tests ---

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	expected := []string{"serve", "tick", "add", "get", "status", "policy"}
	for _, name := range expected {
		found := false

		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true

				break
			}
		}

		assert.True(t, found, "expected subcommand %q not found", name)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	expectedFlags := []string{"config", "db", "listen", "json", "verbose", "quiet"}
	for _, name := range expectedFlags {
		flag := cmd.PersistentFlags().Lookup(name)
		assert.NotNil(t, flag, "expected persistent flag %q not found", name)
	}
}

func TestNewRootCmd_VerboseQuietExclusive(t *testing.T) {
	saveGlobals(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--verbose", "--quiet", "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}

func TestNewRootCmd_PolicySubcommands(t *testing.T) {
	cmd := newRootCmd()

	policySub, _, err := cmd.Find([]string{"policy"})
	require.NoError(t, err)
	require.Equal(t, "policy", policySub.Name())

	expectedSubs := []string{"show", "set"}
	for _, name := range expectedSubs {
		found := false

		for _, sub := range policySub.Commands() {
			if sub.Name() == name {
				found = true

				break
			}
		}

		assert.True(t, found, "expected policy subcommand %q not found", name)
	}
}

// --- loadConfig tests ---

func TestLoadConfig_ValidTOML(t *testing.T) {
	saveGlobals(t)

	cfgFile := filepath.Join(t.TempDir(), "config.toml")
	tomlContent := `listen_addr = "127.0.0.1:9999"
log_level = "warn"
`
	require.NoError(t, os.WriteFile(cfgFile, []byte(tomlContent), 0o600))

	flagConfigPath = cfgFile
	flagVerbose = false
	flagQuiet = false

	err := loadConfig()
	require.NoError(t, err)
	require.NotNil(t, resolvedCfg)

	assert.Equal(t, "127.0.0.1:9999", resolvedCfg.ListenAddr)
	assert.Equal(t, "warn", resolvedCfg.LogLevel)
}

func TestLoadConfig_MissingFile_Defaults(t *testing.T) {
	saveGlobals(t)

	flagConfigPath = filepath.Join(t.TempDir(), "nonexistent.toml")
	flagVerbose = false
	flagQuiet = false

	err := loadConfig()
	require.NoError(t, err)
	require.NotNil(t, resolvedCfg)

	assert.Equal(t, "127.0.0.1:8080", resolvedCfg.ListenAddr)
}

func TestLoadConfig_VerboseSetsDebugLevel(t *testing.T) {
	saveGlobals(t)

	flagConfigPath = filepath.Join(t.TempDir(), "nonexistent.toml")
	flagVerbose = true
	flagQuiet = false

	err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "debug", resolvedCfg.LogLevel)
}

func TestLoadConfig_QuietSetsErrorLevel(t *testing.T) {
	saveGlobals(t)

	flagConfigPath = filepath.Join(t.TempDir(), "nonexistent.toml")
	flagVerbose = false
	flagQuiet = true

	err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "error", resolvedCfg.LogLevel)
}

func TestLoadConfig_FlagOverridesFile(t *testing.T) {
	saveGlobals(t)

	cfgFile := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`db_path = "/tmp/file.db"`), 0o600))

	flagConfigPath = cfgFile
	flagDBPath = "/tmp/flag.db"
	flagVerbose = false
	flagQuiet = false

	err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/flag.db", resolvedCfg.DBPath)
}

// --- seedPolicy tests ---

func TestSeedPolicy_MapsAllFields(t *testing.T) {
	d := config.ResolvedPolicy{
		FetchTimeout:  45 * time.Second,
		Retries:       5,
		RetryMinDelay: time.Second,
		RetryMaxDelay: 10 * time.Second,
		RetryHTTP:     true,
		RetryProxies:  true,
		BPSLimit:      1_000_000,
		ProxyDefault:  true,
	}

	p := seedPolicy(d)

	assert.Equal(t, 45*time.Second, p.FetchTimeout)
	assert.Equal(t, 5, p.Retries)
	assert.Equal(t, time.Second, p.RetryMinDelay)
	assert.Equal(t, 10*time.Second, p.RetryMaxDelay)
	assert.True(t, p.RetryHTTP)
	assert.True(t, p.RetryProxies)
	assert.Equal(t, int64(1_000_000), p.BPSLimit)
	assert.True(t, p.ProxyDefault)
}

func TestPIDFilePath_NextToDatabase(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = &config.Resolved{DBPath: "/data/webrequestd.db"}

	assert.Equal(t, "/data/webrequestd.db.pid", pidFilePath())
}
