package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"formulary/internal/domain"
)

func (r *root) queryCmd() *cobra.Command {
	var (
		insurer string
		class   string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Ask which inhaler to prescribe",
		Long: `Answers a formulary question for one insurer, e.g.

  formulary query --insurer UnitedHealthcare "best rescue inhaler"

The drug class is inferred from the question unless --class is given; a
question naming no class returns one recommendation per class found.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dc domain.DrugClass
			if class != "" {
				parsed, ok := domain.ParseDrugClass(class)
				if !ok {
					return fmt.Errorf("%w: unknown drug class %q (see 'formulary classes')", domain.ErrInvalidInput, class)
				}
				dc = parsed
			}
			app, err := r.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			ans, err := app.Pipeline.Query(cmd.Context(), strings.Join(args, " "), insurer, dc)
			if err != nil {
				return err
			}
			if asJSON {
				data, err := json.MarshalIndent(ans, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal answer: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(ans.Text, "\n"))
			if ans.Degraded {
				fmt.Fprintln(cmd.OutOrStdout(), "(language model unavailable; showing ranked formulary facts)")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&insurer, "insurer", "i", "", "insurer whose formulary to search (required)")
	cmd.Flags().StringVarP(&class, "class", "c", "", "restrict to a drug class, e.g. SABA or ICS/LABA")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the answer as JSON")
	_ = cmd.MarkFlagRequired("insurer")
	return cmd
}
