package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/catalog-ingest/internal/app"
)

func (r *root) newResetCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset cursor progress so the next run starts a new scan",
		Long: `Reset sets the cursor's processed count to zero. Exclusions are kept, so
ids known to be unusable are still skipped on the next scan.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset requires --yes")
			}
			return r.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Cursor.ResetProgress(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cursor %q reset\n", a.Cursor.Name())
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
