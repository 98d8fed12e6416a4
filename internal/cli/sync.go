package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alexjbarnes/offsync/internal/remote"
	"github.com/alexjbarnes/offsync/internal/status"
	"github.com/alexjbarnes/offsync/internal/store"
	"github.com/spf13/cobra"
)

// syncReport is what the sync command prints.
type syncReport struct {
	Status status.Snapshot  `json:"status" yaml:"status"`
	Queue  store.QueueStats `json:"queue" yaml:"queue"`
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var pushOnly, pullOnly bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending entries and pull remote updates once",
		Long: `Run one sync against the remote authority and print the resulting status.
The command fails when the sync ends in the error state, so it can be
used from scripts and cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pushOnly && pullOnly {
				return fmt.Errorf("--push-only and --pull-only are mutually exclusive")
			}

			ctx, stop := exitOnSignal(cmd.Context())
			defer stop()

			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Start(ctx); err != nil {
				return err
			}

			switch {
			case pushOnly:
				err = a.engine.RunSyncCycle(ctx)
			case pullOnly:
				err = a.engine.FetchRemoteUpdates(ctx)
			default:
				err = a.engine.SyncNow(ctx)
			}

			if err != nil {
				return err
			}

			stats, err := a.engine.Store().Stats()
			if err != nil {
				return err
			}

			report := syncReport{Status: a.engine.Status().Snapshot(), Queue: stats}

			if err := opts.printer(cmd.OutOrStdout()).Print(report, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s (last error: %s)\npending %d, synced %d, dead-lettered %d\n",
					report.Status.State, report.Status.LastError,
					stats.Pending, stats.Synced, stats.DeadLettered)
				return err
			}); err != nil {
				return err
			}

			if report.Status.State == status.Error {
				return fmt.Errorf("sync finished with %s errors", report.Status.LastError)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&pushOnly, "push-only", false, "only deliver pending queue entries")
	cmd.Flags().BoolVar(&pullOnly, "pull-only", false, "only fetch remote updates")

	return cmd
}

func newLoginCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login [token]",
		Short: "Store the session token used for remote calls",
		Long: `Store the bearer token sent to the remote authority. The token is read
from the argument, or from stdin when omitted. It is kept encrypted in the
local store. JWTs whose exp claim has passed are rejected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				fmt.Fprint(cmd.ErrOrStderr(), "Enter token: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					return fmt.Errorf("no input")
				}
				token = scanner.Text()
			}

			token = strings.TrimSpace(token)
			if err := remote.CheckToken(token, time.Now()); err != nil {
				return err
			}

			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.SetToken(token); err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).Print(map[string]bool{"stored": true}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, "token stored")
				return err
			})
		},
	}
}
