package main

import (
	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Maintenance operations",
	}
	cmd.AddCommand(newRebuildGraphCmd())
	return cmd
}

func newRebuildGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-graph",
		Short: "Drop and rebuild the derived graph from relational truth",
		Long:  "Clears graph_nodes and graph_edges, then re-materializes every latest\nrevision's events. Safe to run at any time; the graph is fully derived.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.materializer.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"events_materialized": n})
		},
	}
}
