package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/catalog-ingest/internal/app"
	"github.com/Sternrassler/catalog-ingest/internal/server"
	"github.com/Sternrassler/catalog-ingest/pkg/metrics"
)

func (r *root) newServeCommand() *cobra.Command {
	var (
		addr   string
		ingest bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and status over HTTP",
		Long: `Serve starts the ops HTTP server (/health, /metrics, /status and the
/exclusions lookups). With --ingest it also runs batches until the scan
completes, so the endpoints report on a live run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				r.cfg.Server.Addr = addr
			}

			return r.withApp(cmd.Context(), func(a *app.App) error {
				srv := server.New(r.cfg.Server, a, metrics.Gatherer, r.logger)

				g, ctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error { return srv.ListenAndServe(ctx) })

				if ingest {
					runner, err := a.RequireRunner()
					if err != nil {
						return err
					}
					g.Go(func() error {
						sum, err := runner.RunUntilComplete(ctx)
						r.logger.Info().
							Int("batches", sum.Batches).
							Int("attempted", sum.Attempted).
							Bool("complete", sum.Complete).
							Msg("Ingest finished, still serving")
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return describeStop(err)
					})
				}

				return g.Wait()
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&ingest, "ingest", false, "run ingest batches while serving")
	return cmd
}
