package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tether/internal/api"
	"github.com/livinlefevreloca/tether/internal/record"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <create|update|delete> <record-id> [field=value ...]",
	GroupID: "client",
	Short:   "Queue a local mutation",
	Long: `Queue a local mutation on a running daemon.

Values are parsed as JSON when they are valid JSON and sent as strings
otherwise. A field set to null is removed by an update.

  tether enqueue create task-1 title="Write docs" priority=2 --kind task
  tether enqueue update task-1 done=true
  tether enqueue delete task-1`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")

		op, err := record.ParseOpType(args[0])
		if err != nil {
			return err
		}
		data, err := parseFields(args[2:])
		if err != nil {
			return err
		}

		m := record.Mutation{Op: op, RecordID: args[1], Kind: kind, Data: data}
		if err := m.Validate(); err != nil {
			return err
		}

		var resp api.EnqueueResponse
		if err := newAPIClient().post("/api/v1/mutations", m, &resp); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), resp, func(w io.Writer) {
			fmt.Fprintf(w, "queued %s %s as item %s\n", resp.Item.Op, resp.Item.RecordID, resp.Item.ID)
			if !resp.Confirmed {
				fmt.Fprintln(w, warnStyle.Render("not yet confirmed by the remote: "+resp.Error))
			}
		})
	},
}

func parseFields(args []string) (map[string]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	data := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, expected name=value", arg)
		}
		if json.Valid([]byte(value)) {
			data[name] = json.RawMessage(value)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		data[name] = encoded
	}
	return data, nil
}

func init() {
	enqueueCmd.Flags().String("kind", "", "Record kind")

	rootCmd.AddCommand(enqueueCmd)
}
