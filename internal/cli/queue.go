package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/offsync/internal/store"
	"github.com/spf13/cobra"
)

// entryView is a queue entry without its ciphertext.
type entryView struct {
	ID         uint64    `json:"id" yaml:"id"`
	Action     string    `json:"action" yaml:"action"`
	RetryCount int       `json:"retryCount" yaml:"retry_count"`
	CreatedAt  time.Time `json:"createdAt" yaml:"created_at"`
	LastError  string    `json:"lastError,omitempty" yaml:"last_error,omitempty"`
}

type queueReport struct {
	Stats       store.QueueStats `json:"stats" yaml:"stats"`
	DeadLetters []entryView      `json:"deadLetters" yaml:"dead_letters"`
}

func newQueueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show queue counts and dead-lettered entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.engine.Store()

			stats, err := st.Stats()
			if err != nil {
				return err
			}

			dead, err := st.DeadLetters()
			if err != nil {
				return err
			}

			report := queueReport{Stats: stats, DeadLetters: make([]entryView, 0, len(dead))}
			for _, e := range dead {
				report.DeadLetters = append(report.DeadLetters, entryView{
					ID:         e.ID,
					Action:     e.Action,
					RetryCount: e.RetryCount,
					CreatedAt:  e.CreatedAt.UTC(),
					LastError:  e.LastError,
				})
			}

			return opts.printer(cmd.OutOrStdout()).Print(report, func(w io.Writer) error {
				fmt.Fprintf(w, "total %d, pending %d, synced %d, dead-lettered %d\n",
					stats.Total, stats.Pending, stats.Synced, stats.DeadLettered)

				if len(report.DeadLetters) == 0 {
					return nil
				}

				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "\nID\tACTION\tRETRIES\tCREATED\tLAST ERROR")
				for _, e := range report.DeadLetters {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", e.ID, e.Action, e.RetryCount, e.CreatedAt.Format(time.RFC3339), e.LastError)
				}
				return tw.Flush()
			})
		},
	}
}

func newRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Make dead-lettered entries eligible for delivery again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.Store().ResetDeadLetters()
			if err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).Print(map[string]int{"reset": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "reset %d dead-lettered entries\n", n)
				return err
			})
		},
	}
}

func newPruneCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete synced queue entries",
		Long: `Delete queue entries that were delivered more than --older-than ago.
Pending and dead-lettered entries are never pruned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}

			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.Store().PruneSynced(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).Print(map[string]int{"pruned": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "pruned %d synced entries\n", n)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only prune entries created at least this long ago")

	return cmd
}
