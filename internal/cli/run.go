package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/catalog-ingest/internal/app"
	"github.com/Sternrassler/catalog-ingest/pkg/pause"
)

func (r *root) newRunCommand() *cobra.Command {
	var (
		untilComplete bool
		maxBatches    int
		batchSize     int
		concurrency   int
		output        string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest the next batch (or every batch with --until-complete)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("batch-size") {
				r.cfg.Cursor.BatchOverride = batchSize
			}
			if cmd.Flags().Changed("max-batches") {
				r.cfg.Cursor.MaxBatches = maxBatches
			}
			if cmd.Flags().Changed("concurrency") {
				r.cfg.Pool.Concurrency = concurrency
			}
			if err := r.cfg.Validate(); err != nil {
				return err
			}

			return r.withApp(cmd.Context(), func(a *app.App) error {
				runner, err := a.RequireRunner()
				if err != nil {
					return err
				}

				if untilComplete {
					sum, runErr := runner.RunUntilComplete(cmd.Context())
					if err := renderSummary(cmd.OutOrStdout(), format, sum); err != nil {
						return err
					}
					return describeStop(runErr)
				}

				rep, runErr := runner.RunBatch(cmd.Context())
				if err := renderReport(cmd.OutOrStdout(), format, rep); err != nil {
					return err
				}
				return describeStop(runErr)
			})
		},
	}

	cmd.Flags().BoolVar(&untilComplete, "until-complete", false, "run batches until the scan completes")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop --until-complete after this many batches (0 = no limit)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "override the staged batch size")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent lanes")
	cmd.Flags().StringVarP(&output, "output", "o", FormatTable, "output format: table, json, yaml")
	return cmd
}

// describeStop turns the strike-threshold stop into an actionable message.
func describeStop(err error) error {
	if errors.Is(err, pause.ErrRateLimitExceeded) {
		return errors.New("stopped: upstream kept rate limiting; progress was saved, rerun later to resume")
	}
	return err
}
