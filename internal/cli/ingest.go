package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"formulary/internal/domain"
	"formulary/internal/service"
	"formulary/internal/watcher"
)

func (r *root) ingestCmd() *cobra.Command {
	var (
		insurer string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "ingest [paths...]",
		Short: "Index formulary PDFs",
		Long: `Extracts, classifies and indexes formulary PDFs. Arguments may be files,
directories (every PDF inside) or glob patterns. The insurer is inferred
from each file name unless --insurer is given. Documents whose content has
not changed since the last ingest are skipped unless --force is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if force {
				r.cfg.Ingest.Force = true
			}
			paths, err := expandPaths(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("%w: no PDF files match %v", domain.ErrInvalidInput, args)
			}
			sources := make([]domain.Source, 0, len(paths))
			for _, p := range paths {
				src, err := watcher.ReadSource(p, insurer)
				if err != nil {
					return err
				}
				sources = append(sources, src)
			}

			app, err := r.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			rep := app.Pipeline.IngestBatch(cmd.Context(), sources)
			printBatch(cmd, rep)
			if n := len(rep.Failures); n > 0 {
				return fmt.Errorf("%d of %d documents failed", n, len(sources))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&insurer, "insurer", "i", "", "insurer for every file (default: inferred from file name)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-ingest documents even if unchanged")
	return cmd
}

// expandPaths resolves files, directories and globs into PDF paths.
func expandPaths(args []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, arg := range args {
		info, err := os.Stat(arg)
		switch {
		case err == nil && info.IsDir():
			found, err := watcher.Scan(arg)
			if err != nil {
				return nil, err
			}
			for _, p := range found {
				add(p)
			}
		case err == nil:
			add(arg)
		default:
			matches, gerr := filepath.Glob(arg)
			if gerr != nil {
				return nil, fmt.Errorf("%w: bad pattern %q", domain.ErrInvalidInput, arg)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("%s: %w", arg, err)
			}
			for _, m := range matches {
				if watcher.IsPDF(m) {
					add(m)
				}
			}
		}
	}
	return out, nil
}

func printBatch(cmd *cobra.Command, rep service.BatchReport) {
	out := cmd.OutOrStdout()
	for _, r := range rep.Reports {
		if r.Skipped {
			fmt.Fprintf(out, "  skipped  %s (%s): unchanged\n", r.Filename, r.Insurer)
			continue
		}
		fmt.Fprintf(out, "  indexed  %s (%s): %d passages from %d pages", r.Filename, r.Insurer, r.Passages, r.Pages)
		if n := len(r.PageErrors); n > 0 {
			fmt.Fprintf(out, ", %d pages unreadable", n)
		}
		fmt.Fprintln(out)
	}
	for _, f := range rep.Failures {
		fmt.Fprintf(out, "  failed   %s: %v\n", f.Filename, f.Err)
	}
	fmt.Fprintf(out, "%d documents, %d passages indexed, %d skipped, %d failed\n",
		len(rep.Reports)+len(rep.Failures), rep.Passages(), rep.Skipped(), len(rep.Failures))
}
