// Package cli implements the offsync command line.
package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json" | "yaml"

	// Version is reported by the run command and the MCP server.
	Version string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "Offline-first record sync",
		Long: `offsync keeps an encrypted local replica of your records, queues every
local write, and delivers the queue to the remote authority whenever the
network allows. Configuration comes from OFFSYNC_* environment variables
or a .env file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPutCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))

	return cmd
}

func (o *RootOptions) printer(w io.Writer) *Printer {
	return &Printer{Format: o.Format, Writer: w}
}
