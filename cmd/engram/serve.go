package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/engramkit/engram/internal/rpc"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		noWorkers bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tool server (and in-process workers)",
		Long:  "Serves the HTTP tool protocol and, unless --no-workers is given,\nruns the extraction and graph workers in the same process.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, !noWorkers)
			if err != nil {
				return err
			}
			defer app.Close()

			if addr == "" {
				addr = app.cfg.ListenAddr
			}
			token := viper.GetString("token")

			server := rpc.NewServer(app.service, app.materializer, version, app.logger)
			httpServer := rpc.NewHTTPServer(server, addr, token)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				app.logger.Info("tool server listening", "addr", addr, "db", app.cfg.DBPath)
				return httpServer.Start(ctx)
			})
			if app.pool != nil {
				g.Go(func() error {
					app.logger.Info("workers started", "concurrency", app.cfg.WorkerConcurrency)
					return app.pool.Run(ctx)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $ENGRAM_LISTEN_ADDR or 127.0.0.1:7133)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve tools only; run workers elsewhere")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers against the local database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()

			if drain {
				n, err := app.pool.DrainOnce(ctx)
				if err != nil {
					return err
				}
				app.logger.Info("drained queue", "jobs", n)
				return nil
			}
			app.logger.Info("workers started",
				"concurrency", app.cfg.WorkerConcurrency, "db", app.cfg.DBPath)
			return app.pool.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "process due jobs once, then exit")
	return cmd
}
