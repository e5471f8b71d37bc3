package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Output formats. table is for humans, json for scripts, plain for cut/awk.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatPlain = "plain"
)

// renderJSON writes v as indented JSON, the raw API response shape.
func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderRows writes a header and rows as a table or as tab-separated lines.
// The plain format drops the header so output pipes cleanly.
func renderRows(w io.Writer, format string, header table.Row, rows []table.Row) error {
	switch format {
	case formatTable:
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(header)
		t.AppendRows(rows)
		t.Render()
		return nil
	case formatPlain:
		for _, row := range rows {
			cells := make([]string, len(row))
			for i, cell := range row {
				cells[i] = fmt.Sprint(cell)
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		return nil
	default:
		return usagef("unknown format %q: must be table, json, or plain", format)
	}
}

// renderKV writes aligned key/value pairs for single-object table output.
func renderKV(w io.Writer, format string, pairs [][2]string) error {
	switch format {
	case formatTable:
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		for _, p := range pairs {
			t.AppendRow(table.Row{p[0], p[1]})
		}
		t.Render()
		return nil
	case formatPlain:
		for _, p := range pairs {
			fmt.Fprintf(w, "%s\t%s\n", p[0], p[1])
		}
		return nil
	default:
		return usagef("unknown format %q: must be table, json, or plain", format)
	}
}

// statusCell colours a lifecycle status for table output and leaves it bare
// for plain output.
func statusCell(status, format string) string {
	if format != formatTable {
		return status
	}
	switch status {
	case "completed", "succeeded", "healthy":
		return color.New(color.FgGreen).Sprint(status)
	case "failed", "unhealthy":
		return color.New(color.FgRed).Sprint(status)
	case "running", "processing", "degraded":
		return color.New(color.FgYellow).Sprint(status)
	case "cancelled", "skipped":
		return color.New(color.FgHiBlack).Sprint(status)
	default:
		return status
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmtTime(*t)
}

func fmtCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}

func fmtTags(tags []string) string {
	if len(tags) == 0 {
		return "-"
	}
	return strings.Join(tags, ",")
}

// orDash substitutes "-" for empty table cells.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
