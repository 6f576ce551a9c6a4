package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tether/internal/api"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
)

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "client",
	Short:   "Wipe local records, queued mutations, dead letters and conflicts",
	Long: `Wipe every local record, queued mutation, dead letter and held conflict.
Queued mutations that never reached the remote are lost. Refused while a
sync is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to clear local state without --yes")
		}

		var st orchestrator.Status
		if err := newAPIClient().post("/api/v1/local/clear", api.ClearRequest{Confirm: true}, &st); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), st, func(w io.Writer) {
			fmt.Fprintln(w, warnStyle.Render("local state cleared"))
			field(w, "state", stateStyle(st.State.String()).Render(st.State.String()))
		})
	},
}

func init() {
	clearCmd.Flags().Bool("yes", false, "Confirm wiping local state")
	rootCmd.AddCommand(clearCmd)
}
