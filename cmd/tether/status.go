package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tether/internal/history"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "client",
	Short:   "Show sync state, queue length and last error",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st orchestrator.Status
		if err := newAPIClient().get("/api/v1/sync/state", &st); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), st, func(w io.Writer) {
			fmt.Fprintln(w, headerStyle.Render("Sync status"))
			field(w, "state", stateStyle(st.State.String()).Render(st.State.String()))
			field(w, "online", st.Online)
			field(w, "strategy", st.SyncStrategy)
			field(w, "queued", st.QueueLength)
			field(w, "dead letters", st.DeadLetters)
			field(w, "conflicts", st.Conflicts)
			if !st.LastSyncAt.IsZero() {
				field(w, "last sync", st.LastSyncAt.Local().Format(time.RFC3339))
			}
			if st.LastError != "" {
				field(w, "last error", errStyle.Render(st.LastError))
			}
		})
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "client",
	Short:   "Trigger a sync now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().post("/api/v1/sync/trigger", nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sync triggered")
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "client",
	Short:   "List recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var runs []history.RunReport
		if err := newAPIClient().get(fmt.Sprintf("/api/v1/history?limit=%d", limit), &runs); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), runs, func(w io.Writer) {
			if len(runs) == 0 {
				fmt.Fprintln(w, "no runs recorded")
				return
			}
			for _, r := range runs {
				style := okStyle
				if r.Outcome != orchestrator.OutcomeDrained {
					style = warnStyle
				}
				fmt.Fprintf(w, "%s  %-8s %-13s acked=%d failed=%d dead=%d conflicts=%d discarded=%d %s\n",
					r.StartedAt.Local().Format(time.DateTime),
					r.Trigger,
					style.Render(r.Outcome),
					r.Acked, r.Failed, r.DeadLettered, r.Conflicts, r.Discarded,
					r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
				if r.Error != "" {
					fmt.Fprintf(w, "    %s\n", errStyle.Render(r.Error))
				}
			}
		})
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "Number of runs to show")

	rootCmd.AddCommand(statusCmd, syncCmd, historyCmd)
}
