package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/PageStore/src/app"
	"github.com/Blackdeer1524/PageStore/src/recovery"
)

// NewRootCommand builds the CLI. env holds the values from the
// environment and .env; flags given on the command line override them.
func NewRootCommand(env app.EnvVars) *cobra.Command {
	e := &app.Entrypoint{Env: env}

	root := &cobra.Command{
		Use:           "pagestore",
		Short:         "Transactional page store with a write-ahead log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&e.Env.StoreDir, "dir", env.StoreDir, "directory holding the log and the page files")
	flags.StringVar(&e.Env.Environment, "env", env.Environment, "dev or prod, selects the logger")
	flags.Uint64Var(&e.Env.MinPageID, "min-page", env.MinPageID, "lowest valid page id")
	flags.Uint64Var(&e.Env.MaxPageID, "max-page", env.MaxPageID, "highest valid page id")

	root.AddCommand(
		newRunCommand(e),
		newRecoverCommand(e),
		newDumpCommand(e),
	)
	return root
}

func newRunCommand(e *app.Entrypoint) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Recover, then drive concurrent clients against the store",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()

			defer func() {
				if closeErr := e.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			if err := e.Init(ctx); err != nil {
				return err
			}

			summary, err := e.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"run %s: %d begun, %d committed, %d writes, %d abandoned, %d failures, %d pages still buffered\n",
				summary.RunID,
				summary.Begun,
				summary.Committed,
				summary.Writes,
				summary.Abandoned,
				summary.Failures,
				e.Pool().BufferedPages(),
			)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&e.Env.Clients, "clients", e.Env.Clients, "number of concurrent clients")
	flags.IntVar(&e.Env.MaxWritesPerTxn, "writes", e.Env.MaxWritesPerTxn, "maximum writes per transaction")
	flags.DurationVar(&e.Env.ThinkTime, "think", e.Env.ThinkTime, "pause after every write")
	flags.DurationVar(&e.Env.Duration, "duration", e.Env.Duration, "how long to run, 0 runs until interrupted")
	flags.IntVar(&e.Env.FlushThreshold, "threshold", e.Env.FlushThreshold, "buffered pages above which a write flushes")
	flags.DurationVar(&e.Env.FlushInterval, "flush-interval", e.Env.FlushInterval, "periodic flush interval, 0 disables it")
	flags.BoolVar(&e.Env.SyncWrites, "sync", e.Env.SyncWrites, "fsync every log append")
	return cmd
}

func newRecoverCommand(e *app.Entrypoint) *cobra.Command {
	var dry, truncate bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Redo committed writes missing from the page files",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if dry && truncate {
				return errors.New("--dry and --truncate are mutually exclusive")
			}

			defer func() {
				if closeErr := e.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			if err := e.OpenStores(); err != nil {
				return err
			}

			var opts []recovery.RecoverOption
			if dry {
				opts = append(opts, recovery.WithDryRun())
			}
			report, err := e.Recover(opts...)
			if err != nil {
				return err
			}

			printReport(cmd.OutOrStdout(), report, dry)

			if truncate {
				if err := e.TruncateLog(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "log truncated")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dry, "dry", false, "only report stale pages")
	cmd.Flags().BoolVar(&truncate, "truncate", false, "empty the log when every page was recovered")
	return cmd
}

func newDumpCommand(e *app.Entrypoint) *cobra.Command {
	var committed bool

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the log records",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			defer func() {
				if closeErr := e.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			if err := e.OpenStores(); err != nil {
				return err
			}
			return e.Dump(cmd.OutOrStdout(), committed)
		},
	}

	cmd.Flags().BoolVar(&committed, "committed", false, "only writes of committed transactions")
	return cmd
}

// Execute runs the CLI until ctx is done.
func Execute(ctx context.Context, env app.EnvVars, args []string, out io.Writer) error {
	root := NewRootCommand(env)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}
