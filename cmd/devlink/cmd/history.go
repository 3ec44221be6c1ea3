package cmd

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/plexsphere/devlink/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent state changes and operations",
	Long:  "Fetch the journal of published states and finished operations from the local agent.",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	resp, err := socketDo(socketPath, http.MethodGet, "/v1/history?limit="+strconv.Itoa(historyLimit))
	if err != nil {
		return fmt.Errorf("devlink history: %w", err)
	}
	var entries []history.Entry
	if err := decodeResponse(resp, &entries); err != nil {
		return fmt.Errorf("devlink history: %w", err)
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("TIME", "KIND", "DETAIL")
	for _, e := range entries {
		t.Row(e.RecordedAt.Local().Format(time.DateTime), e.Kind, describeEntry(e))
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), t.Render())
	return err
}

func describeEntry(e history.Entry) string {
	switch {
	case e.State != nil:
		s := e.State
		d := fmt.Sprintf("connected=%t ready=%t phase=%s", s.Connected, s.Ready, s.Phase)
		if s.Err != "" {
			d += " error=" + strconv.Quote(s.Err)
		}
		return d
	case e.Operation != nil:
		op := e.Operation
		d := fmt.Sprintf("%s in %s", op.Kind, op.FinishedAt.Sub(op.StartedAt).Round(time.Millisecond))
		if op.Error != "" {
			return d + " failed: " + op.Error
		}
		return d + " ok"
	default:
		return ""
	}
}
