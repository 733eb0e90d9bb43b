// Package cli implements the catalog-ingest command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/catalog-ingest/internal/app"
	"github.com/Sternrassler/catalog-ingest/internal/config"
	"github.com/Sternrassler/catalog-ingest/pkg/logging"
)

// AppFactory builds the components a command works on.
type AppFactory func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app.App, error)

// Options configures the command tree. Zero fields use process defaults.
type Options struct {
	Out    io.Writer
	Err    io.Writer
	NewApp AppFactory
}

type root struct {
	opts Options

	cfgFile  string
	logLevel string
	verbose  bool

	cfg    *config.Config
	logger zerolog.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.NewApp == nil {
		opts.NewApp = app.New
	}

	r := &root{opts: opts}

	cmd := &cobra.Command{
		Use:   "catalog-ingest",
		Short: "Resumable, rate-limited ingestion of a catalog upstream",
		Long: `catalog-ingest walks the id list of a JSON catalog upstream in growing
batches, fetching each detail document through a rate limiter, a pause
monitor and a circuit breaker. Progress and exclusions are persisted so an
interrupted run resumes where it stopped.`,
		SilenceUsage:      true,
		PersistentPreRunE: r.init,
	}
	cmd.SetOut(opts.Out)
	cmd.SetErr(opts.Err)

	cmd.PersistentFlags().StringVar(&r.cfgFile, "config", "", "YAML config file (env overrides use the CATALOG_INGEST_ prefix)")
	cmd.PersistentFlags().StringVar(&r.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVarP(&r.verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	cmd.AddCommand(
		r.newRunCommand(),
		r.newStatusCommand(),
		r.newResetCommand(),
		r.newExcludeCommand(),
		r.newServeCommand(),
	)
	return cmd
}

// Execute runs the command tree with process defaults.
func Execute(ctx context.Context) error {
	return NewRootCommand(Options{}).ExecuteContext(ctx)
}

func (r *root) init(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(r.cfgFile)
	if err != nil {
		return err
	}
	if r.logLevel != "" {
		cfg.Log.Level = r.logLevel
	}
	if r.verbose {
		cfg.Log.Level = string(logging.LevelDebug)
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = r.opts.Err
	logging.Setup(logCfg)

	r.cfg = cfg
	r.logger = logging.NewLogger("cli")
	return nil
}

// withApp builds the app, runs fn and closes the app, joining close errors.
func (r *root) withApp(ctx context.Context, fn func(a *app.App) error) (err error) {
	a, err := r.opts.NewApp(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()
	return fn(a)
}
