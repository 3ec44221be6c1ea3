package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plexsphere/devlink/internal/agent"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the devlink agent",
	Long: "Start the devlink agent daemon. Polls the device status, listens to the\n" +
		"configured push channels and serves the local status API.",
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("devlink up: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting devlink",
		"version", buildVersion,
		"device_id", cfg.API.DeviceID,
		"socket", cfg.StatusAPI.SocketPath,
	)

	a, err := agent.New(*cfg, buildVersion, logger)
	if err != nil {
		return fmt.Errorf("devlink up: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("devlink up: %w", err)
	}
	logger.Info("devlink stopped")
	return nil
}

// loadConfig reads the config file, layers the CLI flags on top and
// validates the result.
func loadConfig(path string) (*agent.AgentConfig, error) {
	cfg, err := agent.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides applies CLI flags on top of the parsed config.
func applyOverrides(cfg *agent.AgentConfig) {
	if apiURL != "" {
		cfg.API.BaseURL = apiURL
	}
	if deviceID != "" {
		cfg.API.DeviceID = deviceID
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if rootCmd.PersistentFlags().Changed("socket") {
		cfg.StatusAPI.SocketPath = socketPath
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
