// Package cmd implements the devlink CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexsphere/devlink/internal/statusapi"
)

var (
	cfgFile    string
	logLevel   string
	apiURL     string
	deviceID   string
	socketPath string
)

// Build info set from main.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersionInfo sets the version info from build-time ldflags.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("devlink version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

var rootCmd = &cobra.Command{
	Use:   "devlink",
	Short: "devlink keeps a device's connection state consistent",
	Long: "devlink is a device connection agent. It combines a pushed event stream with\n" +
		"periodic status queries into one authoritative view of the device, and runs\n" +
		"bounded connect and disconnect operations that recover on their own.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/devlink/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error; overrides config)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "device service URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device", "", "device ID (overrides config)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", statusapi.DefaultSocketPath, "status API socket of the local agent")

	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("devlink version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
