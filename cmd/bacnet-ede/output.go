package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

// OutputFormat represents output format types
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

// Formatter handles output formatting
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(format string) *Formatter {
	return &Formatter{
		format: OutputFormat(strings.ToLower(format)),
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// Records prints rows as a table, a JSON array of objects or CSV
// depending on the format
func (f *Formatter) Records(headers []string, rows [][]string) error {
	switch f.format {
	case FormatJSON:
		out := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			rec := make(map[string]string, len(headers))
			for i, h := range headers {
				if i < len(row) {
					rec[h] = row[i]
				}
			}
			out = append(out, rec)
		}
		return f.JSON(out)
	case FormatCSV:
		w := csv.NewWriter(f.writer)
		if err := w.Write(headers); err != nil {
			return err
		}
		if err := w.WriteAll(rows); err != nil {
			return err
		}
		return w.Error()
	default:
		f.PrintTable(headers, rows)
		return nil
	}
}

// JSON prints v indented
func (f *Formatter) JSON(v any) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintTable prints data in table format
func (f *Formatter) PrintTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = headerStyle.Render(pad(strings.ToUpper(h), widths[i]))
	}
	fmt.Fprintln(f.writer, strings.Join(cells, " "))

	for i := range headers {
		cells[i] = dimStyle.Render(strings.Repeat("─", widths[i]))
	}
	fmt.Fprintln(f.writer, strings.Join(cells, " "))

	for _, row := range rows {
		line := make([]string, 0, len(row))
		for i, cell := range row {
			if i < len(widths) {
				line = append(line, pad(cell, widths[i]))
			}
		}
		fmt.Fprintln(f.writer, strings.TrimRight(strings.Join(line, " "), " "))
	}
}

// PrintKeyValue prints key-value pairs in a bordered box
func (f *Formatter) PrintKeyValue(title string, pairs [][2]string) {
	keyWidth := 0
	for _, p := range pairs {
		keyWidth = max(keyWidth, lipgloss.Width(p[0]))
	}
	lines := make([]string, 0, len(pairs)+2)
	if title != "" {
		lines = append(lines, titleStyle.Render(title), "")
	}
	for _, p := range pairs {
		lines = append(lines, dimStyle.Render(pad(p[0], keyWidth))+"  "+p[1])
	}
	fmt.Fprintln(f.writer, boxStyle.Render(strings.Join(lines, "\n")))
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func formatValue(v bacnet.Value) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func formatValues(values []bacnet.Value) string {
	if len(values) == 1 {
		return formatValue(values[0])
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatValue(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// jsonValue gives values a natural JSON shape
func jsonValue(v bacnet.Value) any {
	switch v := v.(type) {
	case nil, bacnet.Null:
		return nil
	case bacnet.Boolean:
		return bool(v)
	case bacnet.Unsigned:
		return uint32(v)
	case bacnet.Enumerated:
		return uint32(v)
	case bacnet.Real:
		return float32(v)
	default:
		return fmt.Sprint(v)
	}
}

func jsonValues(values []bacnet.Value) any {
	if len(values) == 1 {
		return jsonValue(values[0])
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = jsonValue(v)
	}
	return out
}
