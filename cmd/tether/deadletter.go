package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tether/internal/queue"
)

var deadletterCmd = &cobra.Command{
	Use:     "deadletter",
	GroupID: "client",
	Short:   "Inspect and retry dead-lettered mutations",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var items []queue.Item
		if err := newAPIClient().get("/api/v1/deadletters", &items); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), items, func(w io.Writer) {
			if len(items) == 0 {
				fmt.Fprintln(w, "no dead letters")
				return
			}
			for _, item := range items {
				fmt.Fprintf(w, "%s  %-6s %-20s attempts=%d  %s\n",
					headerStyle.Render(item.ID),
					item.Op,
					item.RecordID,
					item.Attempts,
					item.DeadLetteredAt.Local().Format(time.DateTime))
				fmt.Fprintf(w, "    %s\n", errStyle.Render(item.DeadReason))
			}
		})
	},
}

var deadletterRetryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Move a dead-lettered mutation back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var item queue.Item
		if err := newAPIClient().post("/api/v1/deadletters/"+args[0]+"/retry", nil, &item); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), item, func(w io.Writer) {
			fmt.Fprintf(w, "requeued %s (%s %s)\n", item.ID, item.Op, item.RecordID)
		})
	},
}

func init() {
	deadletterCmd.AddCommand(deadletterListCmd, deadletterRetryCmd)
	rootCmd.AddCommand(deadletterCmd)
}
