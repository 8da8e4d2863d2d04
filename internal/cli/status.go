package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"formulary/internal/domain"
)

func (r *root) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List ingested formularies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.Ledger.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No formularies ingested yet.")
				return nil
			}
			total := 0
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-28s %-40s %6d passages  %s\n", e.Insurer, e.Filename, e.Passages, e.IngestedAt.Local().Format("2006-01-02 15:04"))
				total += e.Passages
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d documents, %d passages\n", len(entries), total)
			return nil
		},
	}
}

func classesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List the drug classes understood by the recommender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, info := range domain.Classes {
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", info.Class, info.Description)
				for _, ex := range info.Examples {
					fmt.Fprintf(cmd.OutOrStdout(), "%-14s   - %s\n", "", ex)
				}
			}
			return nil
		},
	}
}
