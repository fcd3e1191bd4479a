package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns everything it wrote.
// Flag variables are package globals, so they are reset before each run.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	out := &bytes.Buffer{}
	cmd := GetRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	cfgFile, logLevel, gatewayAddr, secret = "", "", "", ""
	runWait, runSessionID, runCost = false, "", 0
	pipelineRunWait = false
	pipelineRunContext = ""
	configInitForce = false
	startMode = ""
	stopTimeout = 30
	resetHelp(cmd)
}

func resetHelp(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}
	for _, sub := range cmd.Commands() {
		resetHelp(sub)
	}
}

// writeConfig writes a JSON config into a temp dir and returns its path
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "conductor version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Conductor")
		assert.Contains(t, out, "orchestration")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()
		for _, name := range []string{"config", "log-level", "gateway", "secret"} {
			flag := cmd.PersistentFlags().Lookup(name)
			require.NotNil(t, flag, name)
			assert.Equal(t, "", flag.DefValue, name)
		}
	})

	t.Run("subcommands", func(t *testing.T) {
		names := make(map[string]bool)
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"start", "stop", "status", "run", "session", "kill", "pipeline", "cron", "config"} {
			assert.True(t, names[want], "missing command %s", want)
		}
	})

	t.Run("run needs agent and message", func(t *testing.T) {
		_, err := execute(t, "run", "writer")
		require.Error(t, err)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadConfigAppliesLogLevel(t *testing.T) {
	resetFlags(rootCmd)
	cfgFile = writeConfig(t, `{"data_dir": "`+t.TempDir()+`"}`)
	logLevel = "debug"
	t.Cleanup(func() { resetFlags(rootCmd) })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestNewClientFallsBackToConfig(t *testing.T) {
	resetFlags(rootCmd)
	cfgFile = writeConfig(t, `{"data_dir": "`+t.TempDir()+`", "gateway": {"host": "0.0.0.0", "port": 1, "shared_secret": "s3cret"}}`)
	t.Cleanup(func() { resetFlags(rootCmd) })

	client, err := newClient()
	require.NoError(t, err)
	require.NotNil(t, client)

	// nothing listens on port 1, the error names the loopback address
	err = client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestConfigCommands(t *testing.T) {
	t.Run("init writes defaults once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conductor.json")

		out, err := execute(t, "--config", path, "config", "init")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration saved to: "+path)
		assert.FileExists(t, path)

		_, err = execute(t, "--config", path, "config", "init")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")

		_, err = execute(t, "--config", path, "config", "init", "--force")
		require.NoError(t, err)
	})

	t.Run("show masks secrets", func(t *testing.T) {
		path := writeConfig(t, `{"data_dir": "`+t.TempDir()+`", "gateway": {"shared_secret": "hunter2"}}`)

		out, err := execute(t, "--config", path, "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, `"safety"`)
		assert.Contains(t, out, "********")
		assert.NotContains(t, out, "hunter2")
	})

	t.Run("validate accepts defaults", func(t *testing.T) {
		path := writeConfig(t, `{"data_dir": "`+t.TempDir()+`"}`)

		out, err := execute(t, "--config", path, "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")
	})

	t.Run("validate reports bad limits", func(t *testing.T) {
		path := writeConfig(t, `{"data_dir": "`+t.TempDir()+`", "safety": {"max_runs_per_hour": 0}}`)

		_, err := execute(t, "--config", path, "config", "validate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_runs_per_hour")
	})
}
