package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialvault/trialvault/internal/buildinfo"
	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/logger"
)

func TestVersionCommandSkipsConfiguration(t *testing.T) {
	settings := &conf.Settings{}
	root := RootCommand(settings, buildinfo.NewContext("1.4.0", "2026-10-01", "9f2c1ab"))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--config", filepath.Join(t.TempDir(), "missing.yaml")})

	require.NoError(t, root.Execute())
	assert.Equal(t, "trialvault 1.4.0 (commit 9f2c1ab, built 2026-10-01)\n", out.String())
	assert.Empty(t, settings.Database.Type, "settings are not loaded for version")
}

func TestMissingConfigFileFails(t *testing.T) {
	root := RootCommand(&conf.Settings{}, buildinfo.NewContext("", "", ""))
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"status", "/trial/A", "--config", filepath.Join(t.TempDir(), "missing.yaml")})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestSubcommandsRegistered(t *testing.T) {
	root := RootCommand(&conf.Settings{}, buildinfo.NewContext("", "", ""))
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "seed", "lock", "unlock", "status", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestInitLoggingDebugRaisesConsoleLevel(t *testing.T) {
	settings := &conf.Settings{
		Debug: true,
		Logging: logger.LoggingConfig{
			DefaultLevel: "info",
			Console:      &logger.ConsoleOutput{Enabled: true, Level: "warn"},
		},
	}
	previous := logger.Global()
	t.Cleanup(func() { logger.SetGlobal(previous) })

	central, err := initLogging(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = central.Close() })

	assert.Same(t, central, logger.Global())
	assert.Equal(t, "warn", settings.Logging.Console.Level, "settings are not mutated")
}
