package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// OutputFormat defines the output format for CLI commands.
type OutputFormat string

const (
	OutputFormatAuto  OutputFormat = "auto"
	OutputFormatTable OutputFormat = "table"
	OutputFormatYAML  OutputFormat = "yaml"
	OutputFormatJSON  OutputFormat = "json"
)

// globalOutputFormat is set by the root command's --output flag.
var globalOutputFormat = OutputFormatAuto

// Tabular is implemented by responses that have a table rendering.
type Tabular interface {
	Table() (header table.Row, rows []table.Row)
}

// SetOutputFormat sets the global output format. Unknown values fall back
// to auto.
func SetOutputFormat(format string) {
	switch f := OutputFormat(format); f {
	case OutputFormatJSON, OutputFormatYAML, OutputFormatTable:
		globalOutputFormat = f
	default:
		globalOutputFormat = OutputFormatAuto
	}
}

// GetOutputFormat returns the effective output format: auto resolves to a
// table on a terminal and YAML otherwise.
func GetOutputFormat() OutputFormat {
	if globalOutputFormat != OutputFormatAuto {
		return globalOutputFormat
	}
	if isTerminal(os.Stdout) {
		return OutputFormatTable
	}
	return OutputFormatYAML
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Output writes data to stdout in the configured format.
func Output(data any) error {
	return OutputTo(os.Stdout, GetOutputFormat(), data)
}

// OutputTo writes data to the given writer in the specified format. Data
// without a table rendering is written as YAML when a table is requested.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatTable:
		t, ok := data.(Tabular)
		if !ok {
			return OutputTo(w, OutputFormatYAML, data)
		}
		header, rows := t.Table()
		tw := table.NewWriter()
		tw.SetStyle(table.StyleRounded)
		tw.AppendHeader(header)
		tw.AppendRows(rows)
		_, err := fmt.Fprintln(w, tw.Render())
		return err
	case OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
