package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tether/internal/config"
	"github.com/livinlefevreloca/tether/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "daemon",
	Short:   "Apply pending schema migrations to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg.Database.SkipMigrations = true

		database, err := db.OpenWithConfig(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		pending, err := database.PendingMigrations()
		if err != nil {
			return err
		}

		type result struct {
			Pending []string `json:"pending"`
			Applied bool     `json:"applied"`
			Version int      `json:"version"`
		}
		res := result{Pending: make([]string, 0, len(pending))}
		for _, m := range pending {
			res.Pending = append(res.Pending, fmt.Sprintf("%03d_%s", m.Version, m.Name))
		}

		if !dryRun && len(pending) > 0 {
			if err := database.Migrate(); err != nil {
				return err
			}
			res.Applied = true
		}
		if res.Version, err = database.SchemaVersion(); err != nil {
			return err
		}

		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			switch {
			case len(pending) == 0:
				fmt.Fprintf(w, "schema up to date at version %d\n", res.Version)
			case dryRun:
				fmt.Fprintf(w, "%d pending migrations:\n", len(pending))
				for _, name := range res.Pending {
					fmt.Fprintf(w, "  %s\n", name)
				}
			default:
				fmt.Fprintf(w, "applied %d migrations, schema at version %d\n", len(pending), res.Version)
			}
		})
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "List pending migrations without applying them")

	rootCmd.AddCommand(migrateCmd)
}
