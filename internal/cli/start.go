package cli

import (
	"fmt"

	"github.com/harun/laneq/internal/daemon"
	"github.com/harun/laneq/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the laneq daemon",
	Long: `Start the laneq daemon in the foreground.
The daemon runs until it receives SIGINT or SIGTERM, then drains in-flight
commands and exits. Monitor thresholds are reloaded when the config file changes.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := d.WatchConfig(loader); err != nil {
		log.Warn().Err(err).Str("path", loader.GetConfigPath()).Msg("Config hot reload disabled")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "laneq daemon starting (pid file: %s)\n", pidFile)
	if cfg.Server.Enabled {
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", cfg.Server.Listen)
	}

	return d.Run(cmd.Context())
}
