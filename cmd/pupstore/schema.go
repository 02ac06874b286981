package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getpup/pupstore/es/migrations"
)

func newSchemaCmd() *cobra.Command {
	config := migrations.DefaultConfig()
	var engine string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Generate a SQL migration file for the recorder tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := migrations.Generate(engine, &config); err != nil {
				return fmt.Errorf("generating migration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s/%s\n", engine, config.OutputFolder, config.OutputFilename)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&engine, "engine", migrations.Postgres, "database engine: postgres, mysql, or sqlite")
	f.StringVar(&config.OutputFolder, "output", config.OutputFolder, "output folder for the migration file")
	f.StringVar(&config.OutputFilename, "filename", config.OutputFilename, "output filename")
	f.StringVar(&config.EventsTable, "events-table", config.EventsTable, "name of the events table")
	f.StringVar(&config.SnapshotsTable, "snapshots-table", config.SnapshotsTable, "name of the snapshots table (empty for none)")
	f.StringVar(&config.TrackingTable, "tracking-table", config.TrackingTable, "name of the tracking table (empty for none)")
	return cmd
}
