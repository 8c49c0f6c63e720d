package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/kiln/internal/reconcile"
)

// TableFormatter formats output as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatResult formats a reconciliation result as a single table row.
func (f *TableFormatter) FormatResult(res *reconcile.Result) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "IDENTIFIER\tCHANGED\tSTATE\tEXIT\tERROR")
	}

	state := string(res.State)
	if state == "" {
		state = "-"
	}
	errCol := "-"
	if res.Error != "" {
		errCol = fmt.Sprintf("%s: %s", res.ErrorKind, res.Error)
	}

	_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%s\n",
		res.Identifier, res.Changed, state, res.ExitCode, errCol)

	_ = w.Flush()
	return buf.String(), nil
}

// FormatStatus formats a resource status as a single table row.
func (f *TableFormatter) FormatStatus(st *reconcile.Status) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "IDENTIFIER\tSTATE\tFORMAT\tSIZE\tPID\tUPTIME")
	}

	format := "-"
	size := "-"
	if st.Info != nil {
		format = st.Info.Format
		size = humanSize(st.Info.VirtualSize)
	}

	pid := "-"
	uptime := "-"
	if st.Record != nil && st.Record.PID > 0 {
		pid = fmt.Sprintf("%d", st.Record.PID)
		if !st.Record.BootedAt.IsZero() {
			uptime = formatAge(time.Since(st.Record.BootedAt))
		}
	}

	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		st.Identifier, st.State, format, size, pid, uptime)

	_ = w.Flush()
	return buf.String(), nil
}

// humanSize formats a byte count with a binary-unit suffix.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
