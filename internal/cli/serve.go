package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"formulary/internal/mcpserver"
	"formulary/internal/tui"
	"formulary/internal/watcher"
)

func (r *root) watchCmd() *cobra.Command {
	var (
		insurer  string
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Ingest formulary PDFs as they appear in a folder",
		Long: `Ingests every PDF already in dir, then keeps watching it and ingests new
or rewritten PDFs. Unchanged files are skipped. Stop with Ctrl+C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			app, err := r.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			w := watcher.New(args[0], app.Pipeline, app.Log, watcher.WithInsurer(insurer), watcher.WithDebounce(debounce))
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&insurer, "insurer", "i", "", "insurer for every file (default: inferred from file name)")
	cmd.Flags().DurationVar(&debounce, "debounce", watcher.DefaultDebounce, "wait for writes to settle before ingesting")
	return cmd
}

func (r *root) tuiCmd() *cobra.Command {
	var insurer string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive terminal UI",
		Long: `Launch an interactive prompt for formulary questions.

Controls:
  Tab       - Switch between insurer and question
  Enter     - Ask
  Up/Down   - Browse recommendations
  Ctrl+C    - Quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			summary := "No formularies ingested yet; run 'formulary ingest'."
			if entries, err := app.Ledger.List(cmd.Context()); err == nil && len(entries) > 0 {
				summary = fmt.Sprintf("%d formularies indexed.", len(entries))
			}
			pc := app.Pipeline.Config()
			timeout := pc.EmbedTimeout + pc.IndexTimeout + pc.ComposeTimeout
			m := tui.New(app.Pipeline, insurer, summary, timeout)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	cmd.Flags().StringVarP(&insurer, "insurer", "i", "", "pre-fill the insurer field")
	return cmd
}

func (r *root) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve recommendations to AI assistants over MCP (stdio)",
		Long: `Start a Model Context Protocol server on stdio exposing the
recommend_inhaler and list_drug_classes tools.

Claude Desktop configuration (claude_desktop_config.json):
  {
    "mcpServers": {
      "formulary": {
        "command": "/path/to/formulary",
        "args": ["mcp"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := r.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			server, err := mcpserver.NewServer(&mcpserver.Ports{
				Recommender: app.Pipeline,
				Documents:   app.Ledger,
			})
			if err != nil {
				return err
			}
			return server.Run(cmd.Context())
		},
	}
}
