package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/plexsphere/devlink/internal/linkstate"
	"github.com/plexsphere/devlink/internal/statusapi"
)

var noWait bool

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect the device",
	Long: "Ask the local agent to connect the device and wait until it reports\n" +
		"connected and ready, the operation times out, or the device refuses.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOperation(cmd, linkstate.KindConnect)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect the device",
	Long:  "Ask the local agent to disconnect the device and wait for the result.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOperation(cmd, linkstate.KindDisconnect)
	},
}

func init() {
	for _, c := range []*cobra.Command{connectCmd, disconnectCmd} {
		c.Flags().BoolVar(&noWait, "no-wait", false, "return once the operation has started")
		rootCmd.AddCommand(c)
	}
}

func runOperation(cmd *cobra.Command, kind linkstate.OperationKind) error {
	path := "/v1/" + kind.String()
	if noWait {
		path += "?wait=false"
	}
	resp, err := socketDo(socketPath, http.MethodPost, path)
	if err != nil {
		return fmt.Errorf("devlink %s: %w", kind, err)
	}
	var op statusapi.OperationResponse
	if err := decodeResponse(resp, &op); err != nil {
		return fmt.Errorf("devlink %s: %w", kind, err)
	}

	w := cmd.OutOrStdout()
	if op.State == nil {
		fmt.Fprintf(w, "%s started, deadline %s\n", kind, op.Deadline.Local().Format(time.TimeOnly))
		return nil
	}
	fmt.Fprintf(w, "%s completed\n", kind)
	printState(w, *op.State)
	return nil
}
