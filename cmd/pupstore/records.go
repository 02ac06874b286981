package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/getpup/pupstore/es/store"
)

func newCreateTablesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create-tables",
		Short: "Create the events, snapshots and tracking tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f, err := opts.openFactory(ctx, cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			r, err := f.ProcessRecorder(ctx)
			if err != nil {
				return err
			}
			if err := r.CreateTables(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s, %s, %s\n", f.EventsTable(), f.SnapshotsTable(), f.TrackingTable())
			return nil
		},
	}
}

func newNotificationsCmd(opts *rootOptions) *cobra.Command {
	var query store.NotificationQuery
	var stop int64

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List the notification log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f, err := opts.openFactory(ctx, cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			r, err := f.ApplicationRecorder(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("stop") {
				query.Stop = store.Version(stop)
			}
			notifications, err := r.SelectNotifications(ctx, query)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tORIGINATOR\tVERSION\tTOPIC\tBYTES")
			for _, n := range notifications {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\n", n.ID, n.OriginatorID, n.OriginatorVersion, n.Topic, len(n.State))
			}
			return w.Flush()
		},
	}

	f := cmd.Flags()
	f.Int64Var(&query.Start, "start", 1, "first notification id")
	f.BoolVar(&query.ExclusiveStart, "exclusive", false, "exclude the start id")
	f.Int64Var(&stop, "stop", 0, "last notification id")
	f.IntVar(&query.Limit, "limit", 10, "maximum number of notifications (0 for all)")
	f.StringSliceVar(&query.Topics, "topic", nil, "only list these topics")
	return cmd
}

func newMaxIDCmd(opts *rootOptions) *cobra.Command {
	var tracking string

	cmd := &cobra.Command{
		Use:   "max-id",
		Short: "Print the last notification id, or the last tracked id of an upstream application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f, err := opts.openFactory(ctx, cmd)
			if err != nil {
				return err
			}
			defer f.Close()

			r, err := f.ProcessRecorder(ctx)
			if err != nil {
				return err
			}

			var id int64
			if tracking != "" {
				id, err = r.MaxTrackingID(ctx, tracking)
			} else {
				id, err = r.MaxNotificationID(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&tracking, "tracking", "", "upstream application name")
	return cmd
}
