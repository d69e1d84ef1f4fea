package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/folder-unzip/cmd"
	"github.com/dhcgn/folder-unzip/config"
	"github.com/dhcgn/folder-unzip/extract"
	"github.com/dhcgn/folder-unzip/filter"
	"github.com/dhcgn/folder-unzip/journal"
	"github.com/dhcgn/folder-unzip/model"
	"github.com/dhcgn/folder-unzip/progress"
	"github.com/dhcgn/folder-unzip/runner"
	"github.com/dhcgn/folder-unzip/stats"
)

const (
	exitOK                = 0
	exitInvalidArguments  = 1
	exitDirectoryNotFound = 2
	exitUnknown           = 4
)

func main() {
	rootCmd := newRootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	executed, err := rootCmd.ExecuteContextC(ctx)
	stop()
	if executed == nil {
		executed = rootCmd
	}

	code := exitCode(err)
	if code != exitOK {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if code == exitInvalidArguments || code == exitDirectoryNotFound {
			fmt.Fprintln(os.Stderr)
			fmt.Fprint(os.Stderr, executed.UsageString())
		}
	}
	os.Exit(code)
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "folder-unzip",
		Short:         "Extract zip attachments of unread messages in a mail folder, then mark them read",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, config.Sweep)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting folder-unzip", "folder", cfg.FolderPath, "private", cfg.Private, "store", cfg.Store, "extractPath", cfg.ExtractPath)

			return run(cmd.Context(), cfg, logger)
		},
	}

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrInvalidArguments, err)
	})

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(exitUnknown)
	}
	rootCmd.AddCommand(cmd.NewListCommand())

	return rootCmd
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := cmd.RunContext(ctx, cfg.Timeout)
	defer cancel()

	f, err := filter.New(filter.Options{ArchivePatterns: cfg.ArchivePatterns})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidArguments, err)
	}
	ext, err := extract.New(extract.Options{Dir: cfg.ExtractPath, Filter: f}, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDirectoryNotFound, err)
	}

	store, err := cmd.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", "err", err)
		}
	}()

	r, err := runner.New(ctx, runner.Options{Path: model.ParseFolderPath(cfg.FolderPath), Root: cmd.RootOf(cfg)}, store, ext, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	if cfg.Progress {
		progress.NewProgressReporter(r, progress.New(true), logger)
	}

	if cfg.JournalDir != "" {
		j, err := journal.NewFileJournal(cfg.JournalDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("close journal", "err", err)
			}
		}()
		logger.Info("journal enabled", "path", j.Path())
		r.SubscribeStats("journal", j.Subscriber)
	}

	return r.Start()
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	return cmd.SetupLogger(cfg, os.Stdout)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalidArguments):
		return exitInvalidArguments
	case errors.Is(err, config.ErrDirectoryNotFound):
		return exitDirectoryNotFound
	default:
		return exitUnknown
	}
}
