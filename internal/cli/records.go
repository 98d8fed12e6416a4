package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/offsync/internal/store"
	"github.com/spf13/cobra"
)

func newPutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <id> <json-object|->",
		Short: "Write a record locally and queue it",
		Long: `Write a record to the local store and queue it for delivery. The payload
is a JSON object given inline, or read from stdin when the argument is "-".
No network access is needed.

Example:
  offsync put user-1 '{"name":"Ann","age":30}'
  echo '{"name":"Ann"}' | offsync put user-1 -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(args[1])
			if args[1] == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading payload: %w", err)
				}
				raw = data
			}

			var payload map[string]any
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}

			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.engine.Put(args[0], payload)
			if err != nil {
				return err
			}

			return opts.printer(cmd.OutOrStdout()).Print(rec, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "queued %s at %s\n", rec.ID, rec.LastUpdated.UTC().Format(time.RFC3339Nano))
				return err
			})
		},
	}
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one local record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.engine.Get(args[0])
			if err != nil {
				return err
			}

			if rec == nil {
				return fmt.Errorf("record %q not found", args[0])
			}

			return opts.printer(cmd.OutOrStdout()).Print(rec, func(w io.Writer) error {
				return writeRecordText(w, *rec)
			})
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.engine.GetAll()
			if err != nil {
				return err
			}

			sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

			if recs == nil {
				recs = []store.Record{}
			}

			return opts.printer(cmd.OutOrStdout()).Print(recs, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tLAST UPDATED\tFIELDS")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.LastUpdated.UTC().Format(time.RFC3339), fieldNames(r.Payload))
				}
				return tw.Flush()
			})
		},
	}
}

func writeRecordText(w io.Writer, r store.Record) error {
	payload, err := json.MarshalIndent(r.Payload, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %s\nlast updated: %s\n%s\n", r.ID, r.LastUpdated.UTC().Format(time.RFC3339Nano), payload)

	return err
}

func fieldNames(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return strings.Join(keys, ",")
}
