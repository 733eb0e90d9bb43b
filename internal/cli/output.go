package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/catalog-ingest/internal/app"
	"github.com/Sternrassler/catalog-ingest/pkg/exclusion"
	"github.com/Sternrassler/catalog-ingest/pkg/ingest"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

func parseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (table, json, yaml)", s)
	}
}

// writeStructured renders v as JSON or YAML. It reports false for table output.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderStatus(w io.Writer, format string, st app.Status) error {
	if ok, err := writeStructured(w, format, st); ok {
		return err
	}

	t := newTable(w)
	t.SetTitle("catalog-ingest status")
	t.AppendHeader(table.Row{"Section", "Field", "Value"})

	t.AppendRows([]table.Row{
		{"source", "name", st.Source},
		{"store", "driver", st.Store},
		{"cursor", "processed", fmt.Sprintf("%d / %d", st.Cursor.TotalProcessed, st.Cursor.TotalTarget)},
		{"cursor", "complete", fmt.Sprintf("%.1f%%", st.Cursor.PercentComplete)},
		{"cursor", "last batch", formatBatch(st.Cursor.LastBatchSize, st.Cursor.LastBatchAt)},
		{"breaker", "state", st.Breaker.State.String()},
		{"breaker", "failures", fmt.Sprintf("%d / %d", st.Breaker.FailureCount, st.Breaker.Threshold)},
	})
	t.AppendSeparator()

	for _, p := range st.Pauses {
		t.AppendRow(table.Row{"pause", p.Key, fmt.Sprintf("%d strikes, paused until %s", p.Strikes, formatTime(p.PausedUntil))})
	}

	m := st.Metrics
	t.AppendRows([]table.Row{
		{"window", "requests", fmt.Sprintf("%d (%d ok, %d errors)", m.Total, m.Success, m.Errors)},
		{"window", "429 / 5xx", fmt.Sprintf("%d / %d", m.RateLimited, m.ServerErrors)},
		{"window", "avg duration", m.AvgDuration.Round(time.Millisecond).String()},
	})
	t.AppendSeparator()

	t.AppendRow(table.Row{"exclusions", "total", fmt.Sprintf("%d in %d buckets (%d dirty)", st.Exclusions.Total, st.Exclusions.Buckets, st.Exclusions.Dirty)})
	for _, reason := range exclusion.Reasons() {
		if n := st.Exclusions.ByReason[reason]; n > 0 {
			t.AppendRow(table.Row{"exclusions", string(reason), n})
		}
	}

	t.Render()
	return nil
}

func renderReport(w io.Writer, format string, rep ingest.Report) error {
	if ok, err := writeStructured(w, format, rep); ok {
		return err
	}

	t := newTable(w)
	t.SetTitle(fmt.Sprintf("batch [%d, %d)", rep.Batch.Start, rep.Batch.End))
	t.AppendHeader(table.Row{"Outcome", "Items"})
	appendCounts(t, rep.Counts)
	t.AppendFooter(table.Row{"attempted", rep.Attempted})
	t.Render()

	if rep.Complete {
		_, _ = fmt.Fprintln(w, "scan complete")
	}
	return nil
}

func renderSummary(w io.Writer, format string, sum ingest.Summary) error {
	if ok, err := writeStructured(w, format, sum); ok {
		return err
	}

	t := newTable(w)
	t.SetTitle(fmt.Sprintf("%d batches", sum.Batches))
	t.AppendHeader(table.Row{"Outcome", "Items"})
	appendCounts(t, sum.Counts)
	t.AppendFooter(table.Row{"attempted", sum.Attempted})
	t.Render()

	if sum.Complete {
		_, _ = fmt.Fprintln(w, "scan complete")
	}
	return nil
}

func renderIDStatus(w io.Writer, format string, st exclusion.IDStatus) error {
	if ok, err := writeStructured(w, format, st); ok {
		return err
	}

	t := newTable(w)
	t.SetTitle(fmt.Sprintf("id %d", st.ID))
	t.AppendRows([]table.Row{
		{"excluded", st.Excluded},
		{"reason", string(st.Reason)},
		{"bucket", st.Bucket.BucketID},
		{"bucket total", st.Bucket.Total},
	})
	t.Render()
	return nil
}

func appendCounts(t table.Writer, counts map[ingest.Outcome]int) {
	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		t.AppendRow(table.Row{o, counts[ingest.Outcome(o)]})
	}
}

func formatBatch(size int, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%d items at %s", size, formatTime(at))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
