package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/engramkit/engram/internal/service"
)

func newRememberCmd() *cobra.Command {
	var (
		artifactType string
		sourceSystem string
		sourceID     string
		title        string
	)

	cmd := &cobra.Command{
		Use:   "remember [content]",
		Short: "Store content for extraction and recall",
		Long:  "Stores a note or document. Content comes from the argument, or from\nstdin when the argument is omitted or \"-\". Extraction runs in the\nbackground; use the worker command or serve to process it.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := contentFromArgsOrStdin(args)
			if err != nil {
				return err
			}

			app, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			in := service.RememberInput{
				Content:      content,
				Type:         artifactType,
				SourceSystem: sourceSystem,
				SourceID:     sourceID,
			}
			if title != "" {
				in.Metadata = map[string]string{"title": title}
			}
			out, err := app.service.Remember(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVar(&artifactType, "type", "", "artifact type: note, doc, email, transcript, code (default note)")
	cmd.Flags().StringVar(&sourceSystem, "source-system", "", "originating system, e.g. gmail or gdrive")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "stable id within the source system")
	cmd.Flags().StringVar(&title, "title", "", "display title stored with the artifact")
	return cmd
}

func newRecallCmd() *cobra.Command {
	var (
		limit           int
		includeMemory   bool
		expandNeighbors bool
		graphExpand     bool
		graphBudget     int
		graphSeedLimit  int
		graphFilters    []string
		noEntities      bool
	)

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			in := service.RecallInput{
				Query:           args[0],
				IncludeMemory:   includeMemory,
				ExpandNeighbors: expandNeighbors,
				GraphExpand:     graphExpand,
				GraphFilters:    graphFilters,
			}
			if cmd.Flags().Changed("limit") {
				in.Limit = &limit
			}
			if cmd.Flags().Changed("graph-budget") {
				in.GraphBudget = &graphBudget
			}
			if cmd.Flags().Changed("graph-seed-limit") {
				in.GraphSeedLimit = &graphSeedLimit
			}
			if noEntities {
				f := false
				in.IncludeEntities = &f
			}
			out, err := app.service.Recall(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 5, "maximum primary results (1-50)")
	cmd.Flags().BoolVar(&includeMemory, "include-memory", false, "also search directly remembered notes")
	cmd.Flags().BoolVar(&expandNeighbors, "expand-neighbors", false, "include adjacent chunks around chunk hits")
	cmd.Flags().BoolVar(&graphExpand, "graph-expand", false, "follow shared entities to related events")
	cmd.Flags().IntVar(&graphBudget, "graph-budget", 10, "maximum related events (0-50)")
	cmd.Flags().IntVar(&graphSeedLimit, "graph-seed-limit", 5, "primary results used as expansion seeds (1-20)")
	cmd.Flags().StringSliceVar(&graphFilters, "graph-filter", nil, "restrict related events to categories")
	cmd.Flags().BoolVar(&noEntities, "no-entities", false, "omit the entity summary")
	return cmd
}

func newForgetCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete an artifact or memory and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			out, err := app.service.Forget(cmd.Context(), service.ForgetInput{
				ID:      args[0],
				Confirm: confirm,
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "required; forget is irreversible")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		artifactID string
		reextract  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report pipeline health and queue depths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			out, err := app.service.Status(cmd.Context(), service.StatusInput{
				ArtifactID: artifactID,
				Reextract:  reextract,
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVar(&artifactID, "artifact", "", "include per-artifact detail for this id")
	cmd.Flags().BoolVar(&reextract, "reextract", false, "re-enqueue extraction for the artifact's latest revision")
	return cmd
}

func contentFromArgsOrStdin(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return "", fmt.Errorf("no content provided")
	}
	return content, nil
}
