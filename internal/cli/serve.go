package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/harun/nebula/internal/daemon"
	"github.com/harun/nebula/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the Nebula HTTP service in the foreground",
	Long: `Run the Nebula HTTP service until SIGINT or SIGTERM.
The config file is watched and the log level is applied on change.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	pidFile := daemon.PIDFilePath(cfg.Storage.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if _, err := os.Stat(loader.GetConfigPath()); err == nil {
		if err := d.WatchConfig(loader); err != nil {
			log.Warn().Err(err).Msg("Config watcher disabled")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Config file not readable, watcher disabled")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Nebula listening on %s\n", d.GetServer().Addr())
	d.Wait()
	return nil
}
