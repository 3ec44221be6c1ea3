package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/plexsphere/devlink/internal/linkstate"
	"github.com/plexsphere/devlink/internal/statusapi"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device connection state",
	Long:  "Connect to the local agent via Unix socket and display the device state.",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	resp, err := socketDo(socketPath, http.MethodGet, "/v1/state")
	if err != nil {
		return fmt.Errorf("devlink status: %w", err)
	}
	var st statusapi.StateResponse
	if err := decodeResponse(resp, &st); err != nil {
		return fmt.Errorf("devlink status: %w", err)
	}
	printState(cmd.OutOrStdout(), st.State)
	if st.Lock.Active {
		fmt.Fprintf(cmd.OutOrStdout(), "Operation:  %s (deadline %s)\n", st.Lock.Kind, st.Lock.Deadline.Local().Format(time.TimeOnly))
	}
	return nil
}

func printState(w io.Writer, s linkstate.State) {
	fmt.Fprintf(w, "Connected:  %t\n", s.Connected)
	fmt.Fprintf(w, "Ready:      %t\n", s.Ready)
	fmt.Fprintf(w, "Phase:      %s\n", s.Phase)
	if !s.LastAppliedAt.IsZero() {
		fmt.Fprintf(w, "Updated:    %s via %s\n", s.LastAppliedAt.Local().Format(time.DateTime), s.LastAppliedSource)
	}
	if s.Err != "" {
		fmt.Fprintf(w, "Error:      %s\n", s.Err)
	}
}
