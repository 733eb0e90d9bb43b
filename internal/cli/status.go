package cli

import (
	"github.com/spf13/cobra"

	"github.com/Sternrassler/catalog-ingest/internal/app"
)

func (r *root) newStatusCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cursor progress, breaker state and exclusion totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			return r.withApp(cmd.Context(), func(a *app.App) error {
				st, err := a.Status(cmd.Context())
				if err != nil {
					return err
				}
				return renderStatus(cmd.OutOrStdout(), format, st)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", FormatTable, "output format: table, json, yaml")
	return cmd
}
