// Command engram is the memory service CLI: a long-running tool server,
// a background worker, and direct one-shot tool invocations against the
// local database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/engramkit/engram/internal/config"
	"github.com/engramkit/engram/internal/telemetry"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var (
	flagDBPath  string
	flagVerbose bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "engram",
		Short:         "Persistent memory for LLM assistants",
		Long:          "engram ingests documents and notes, extracts semantic events and entities,\nand answers hybrid vector + graph recall queries.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(flagVerbose)
			return telemetry.Init(cmd.Context(), "engram", version)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			telemetry.Shutdown(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&flagDBPath, "db", "", "database path (default $ENGRAM_DB_PATH or .engram/engram.db)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	viper.SetEnvPrefix("ENGRAM")
	viper.AutomaticEnv()

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newRememberCmd(),
		newRecallCmd(),
		newForgetCmd(),
		newStatusCmd(),
		newAdminCmd(),
	)
	return root
}

// loadConfig overlays env config with command-line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	if flagDBPath != "" {
		cfg.DBPath = flagDBPath
	}
	if addr := viper.GetString("listen_addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
