// Package cli implements the formulary command line.
package cli

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"formulary/internal/config"
	"formulary/internal/logging"
)

// version is overridden at build time with -ldflags.
var version = "dev"

type root struct {
	build   Builder
	cfgPath string
	verbose bool

	cfg *config.AppConfig
	log *zap.Logger
}

// NewRootCmd returns the formulary command tree. build assembles the
// pipeline; nil uses Build.
func NewRootCmd(build Builder) *cobra.Command {
	if build == nil {
		build = Build
	}
	r := &root{build: build}
	cmd := &cobra.Command{
		Use:   "formulary",
		Short: "Find the lowest tier inhaler on an insurer's formulary",
		Long: `formulary indexes insurance formulary PDFs and recommends, for each
respiratory drug class, the medication with the lowest cost tier and the
fewest access restrictions on a given insurer's plan.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return r.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if r.log != nil {
				_ = r.log.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&r.cfgPath, "config", "", "path to a YAML or TOML config file (default ./config.yaml or ~/.config/formulary/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&r.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		r.ingestCmd(),
		r.queryCmd(),
		r.statusCmd(),
		classesCmd(),
		r.watchCmd(),
		r.tuiCmd(),
		r.mcpCmd(),
	)
	return cmd
}

// load reads .env, the config file and sets up logging.
func (r *root) load() error {
	_ = godotenv.Load()

	var err error
	if r.cfgPath == "" {
		r.cfg, _, err = config.LoadDefault()
	} else {
		r.cfg, err = config.Load(r.cfgPath)
	}
	if err != nil {
		return err
	}
	level := r.cfg.Logging.Level
	if r.verbose {
		level = "debug"
	}
	r.log, err = logging.New(level, r.cfg.Logging.Development)
	return err
}

func (r *root) app(ctx context.Context) (*App, error) {
	return r.build(ctx, r.cfg, r.log)
}
