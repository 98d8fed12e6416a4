package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Printer writes command results in the selected format. Text output is
// produced by the caller-supplied function; json and yaml marshal the
// value directly.
type Printer struct {
	Format string
	Writer io.Writer
}

// Print writes v. text renders the human form and is used only for the
// text format.
func (p *Printer) Print(v any, text func(w io.Writer) error) error {
	switch p.Format {
	case "json":
		enc := json.NewEncoder(p.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		if text == nil {
			_, err := fmt.Fprintln(p.Writer, v)
			return err
		}
		return text(p.Writer)
	}
}
