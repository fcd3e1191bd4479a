package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/conductor/internal/daemon"
	"github.com/harun/conductor/internal/logger"
	"github.com/harun/conductor/pkg/executor"
)

var startMode string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Conductor daemon",
	Long: `Start the Conductor daemon in the foreground.
The daemon runs sessions, pipelines and cron schedules and serves the
gateway until it receives SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startMode, "mode", "", "override executor mode (local, gateway, mock)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if startMode != "" {
		cfg.Executor.Mode = executor.Mode(startMode)
		cfg.Normalize()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if pid, err := daemon.ReadPID(cfg.DataDir); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Stop()
		return err
	}

	status := d.Status()
	log.Info().
		Str("executor_mode", string(status.ExecutorMode)).
		Str("gateway", status.GatewayAddr).
		Int("pipelines", status.Pipelines).
		Msg("Conductor is ready")

	d.Wait()
	return nil
}
