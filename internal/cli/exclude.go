package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/catalog-ingest/internal/app"
	"github.com/Sternrassler/catalog-ingest/pkg/exclusion"
)

func (r *root) newExcludeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exclude",
		Short: "Inspect and edit the exclusion set",
	}
	cmd.AddCommand(r.newExcludeMarkCommand(), r.newExcludeClearCommand(), r.newExcludeShowCommand())
	return cmd
}

func (r *root) newExcludeMarkCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "mark <id>...",
		Short: "Exclude ids from ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rsn, err := exclusion.ParseReason(reason)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			return r.withApp(cmd.Context(), func(a *app.App) error {
				for _, id := range ids {
					if err := a.Exclusions.Mark(cmd.Context(), id, rsn); err != nil {
						return err
					}
				}
				if err := a.Exclusions.Flush(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "marked %d id(s) as %s\n", len(ids), rsn)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", string(exclusion.ReasonManualExclusion), "exclusion reason")
	return cmd
}

func (r *root) newExcludeClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <id>...",
		Short: "Remove ids from the exclusion set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			return r.withApp(cmd.Context(), func(a *app.App) error {
				cleared := 0
				for _, id := range ids {
					ok, err := a.Exclusions.Clear(cmd.Context(), id)
					if err != nil {
						return err
					}
					if ok {
						cleared++
					}
				}
				if err := a.Exclusions.Flush(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %d of %d id(s)\n", cleared, len(ids))
				return err
			})
		},
	}
}

func (r *root) newExcludeShowCommand() *cobra.Command {
	var (
		output string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the exclusion state of an id and its bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			return r.withApp(cmd.Context(), func(a *app.App) error {
				st, err := a.Exclusions.StatusForID(cmd.Context(), ids[0], limit)
				if err != nil {
					return err
				}
				return renderIDStatus(cmd.OutOrStdout(), format, st)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", FormatTable, "output format: table, json, yaml")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum bucket members listed")
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: %q", exclusion.ErrInvalidID, arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
