package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"process", "sample", "discover", "runs", "lots", "dlq", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "eg-automation", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level", "log-format", "store-url"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "root should have --%s flag", name)
	}
	for key, flag := range configFlags(rootCmd.PersistentFlags()) {
		assert.NotNil(t, flag, "no flag bound to %s", key)
	}
}

func TestRootCommand_PreRunAppliesFlags(t *testing.T) {
	prevCfg, prevFile := cfg, configFile
	t.Cleanup(func() { cfg, configFile = prevCfg, prevFile })

	dir := t.TempDir()
	path := filepath.Join(dir, "site.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  driver: simulated\nlog:\n  level: warn\n"), 0o644))
	dbPath := filepath.Join(dir, "index.db")

	flags := rootCmd.PersistentFlags()
	require.NoError(t, flags.Set("config", path))
	require.NoError(t, flags.Set("log-level", "debug"))
	require.NoError(t, flags.Set("store-url", dbPath))
	t.Cleanup(func() {
		for _, name := range []string{"config", "log-level", "store-url"} {
			f := flags.Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	assert.Equal(t, "simulated", cfg.Host.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, dbPath, cfg.Store.DatabaseURL)
}

func TestRootCommand_PreRunMissingConfigFile(t *testing.T) {
	prevCfg, prevFile := cfg, configFile
	t.Cleanup(func() { cfg, configFile = prevCfg, prevFile })

	configFile = filepath.Join(t.TempDir(), "absent.yaml")
	err := rootCmd.PersistentPreRunE(rootCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestProcessCommand_Flags(t *testing.T) {
	for _, name := range []string{"mode", "input", "workers", "watch", "dry-run", "json"} {
		assert.NotNil(t, processCmd.Flags().Lookup(name), "process should have --%s flag", name)
	}
	assert.Equal(t, "batch", processCmd.Flags().Lookup("mode").DefValue)
	assert.Equal(t, "false", processCmd.Flags().Lookup("dry-run").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "runs should have subcommand %q", name)
	}
}

func TestDLQCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range dlqCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["retry"])
	assert.NotNil(t, dlqRetryCmd.Flags().Lookup("dry-run"))
}

func TestLotsListCommand_Flags(t *testing.T) {
	for _, name := range []string{"run", "lot", "outcome", "quality", "limit"} {
		assert.NotNil(t, lotsListCmd.Flags().Lookup(name), "lots list should have --%s flag", name)
	}
}
