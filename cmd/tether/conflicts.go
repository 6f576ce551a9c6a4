package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tether/internal/api"
	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
	"github.com/livinlefevreloca/tether/internal/record"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "client",
	Short:   "Inspect and resolve mutations held for a manual decision",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held conflicts with both versions of the record",
	RunE: func(cmd *cobra.Command, args []string) error {
		var conflicts []orchestrator.Conflict
		if err := newAPIClient().get("/api/v1/conflicts", &conflicts); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), conflicts, func(w io.Writer) {
			if len(conflicts) == 0 {
				fmt.Fprintln(w, "no conflicts")
				return
			}
			for _, c := range conflicts {
				fmt.Fprintf(w, "%s  %s %s\n", headerStyle.Render(c.ItemID), c.Op, c.RecordID)
				printVersion(w, "local", c.Local)
				printVersion(w, "remote", c.Remote)
			}
		})
	},
}

func printVersion(w io.Writer, side string, r *record.Record) {
	if r == nil {
		fmt.Fprintf(w, "    %s  (none)\n", labelStyle.Render(side))
		return
	}
	if r.Deleted {
		fmt.Fprintf(w, "    %s  v%d deleted\n", labelStyle.Render(side), r.Version)
		return
	}
	names := make([]string, 0, len(r.Data))
	for name := range r.Data {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		fields[name] = r.Data[name]
	}
	body, _ := json.Marshal(fields)
	fmt.Fprintf(w, "    %s  v%d %s\n", labelStyle.Render(side), r.Version, body)
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <item-id>",
	Short: "Release a held mutation with a conflict strategy",
	Long: `Release a held mutation. Its next attempt resolves the conflict with the
given strategy: local_wins, remote_wins, merge, or last_write_wins.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("strategy")
		strategy, err := conflict.ParseStrategy(raw)
		if err != nil {
			return err
		}
		if strategy == conflict.Manual {
			return fmt.Errorf("choose a strategy other than %s", conflict.Manual)
		}

		req := api.ResolveRequest{Strategy: strategy}
		if err := newAPIClient().post("/api/v1/conflicts/"+args[0]+"/resolve", req, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "released %s with %s\n", args[0], strategy)
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().String("strategy", string(conflict.LocalWins), "Conflict strategy to apply")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
