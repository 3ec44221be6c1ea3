package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plexsphere/devlink/internal/watchui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the device state live",
	Long:  "Open the local agent's watch stream via Unix socket and render every state change.",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	stream, err := dialWatch(ctx, socketPath)
	if err != nil {
		return fmt.Errorf("devlink watch: %w", err)
	}
	defer stream.Close()

	if err := watchui.Run(ctx, "devlink "+socketPath, stream); err != nil {
		return fmt.Errorf("devlink watch: %w", err)
	}
	return nil
}
