package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"searchsync/config"
	"searchsync/progress"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// appFunc is the body of a command that needs the wired app. The runner loads
// config, wires the app, runs it and combines its error with teardown errors.
type appFunc func(ctx context.Context, a *app) error

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "searchsync",
		Short:         "Synchronise relational tables into a search index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, json or toml)")

	run := func(fn appFunc) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Log.Apply(); err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, a.close())
			}()
			return fn(cmd.Context(), a)
		}
	}

	root.AddCommand(
		newIndexCmd(run),
		newFlushCmd(run),
		&cobra.Command{
			Use:   "create-index",
			Short: "Create the search index with the mappings of every indexable",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, a *app) error {
				return a.index.Create(ctx)
			}),
		},
		&cobra.Command{
			Use:   "delete-index",
			Short: "Delete the search index",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, a *app) error {
				return a.index.Delete(ctx)
			}),
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Consume indexing jobs from the mongo queue until interrupted",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, a *app) error {
				if a.mongoQueue == nil {
					return errors.New("worker needs queue.backend=mongo")
				}
				return a.mongoQueue.Consume(ctx, progress.ProcessID(), a.indexer.HandleJob)
			}),
		},
	)
	return root
}

func addIndexFlags(cmd *cobra.Command, opts *indexOptions) {
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", 0, "rows per bulk request (default from config)")
	cmd.Flags().IntVar(&opts.Processes, "processes", 0, "parallel workers per indexable (default from config)")
	cmd.Flags().StringSliceVar(&opts.Indexables, "indexables", nil, "indexables to index (default all)")
	cmd.Flags().BoolVar(&opts.Queue, "queue", false, "hand the work to the job queue instead of running it here")
}

// resolve fills unset options from config.
func (o indexOptions) resolve(cfg *config.Config) indexOptions {
	if o.ChunkSize == 0 {
		o.ChunkSize = cfg.Indexing.ChunkSize
	}
	if o.Processes == 0 {
		o.Processes = cfg.Indexing.Processes
	}
	return o
}

func newIndexCmd(run func(appFunc) func(*cobra.Command, []string) error) *cobra.Command {
	var opts indexOptions
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index every row of the selected indexables",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app) error {
			return a.runIndex(ctx, opts.resolve(a.cfg))
		}),
	}
	addIndexFlags(cmd, &opts)
	return cmd
}

func newFlushCmd(run func(appFunc) func(*cobra.Command, []string) error) *cobra.Command {
	var opts indexOptions
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Delete and recreate the search index, then index everything",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app) error {
			if err := a.index.Delete(ctx); err != nil {
				return err
			}
			if err := a.index.Create(ctx); err != nil {
				return err
			}
			return a.runIndex(ctx, opts.resolve(a.cfg))
		}),
	}
	addIndexFlags(cmd, &opts)
	return cmd
}
