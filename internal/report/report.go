// Package report writes the canonical go/no-go artifacts: summary.json and
// summary_table.csv.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-gate/internal/aggregate"
	"github.com/Rajchodisetti/trading-gate/internal/bundle"
	"github.com/Rajchodisetti/trading-gate/internal/gate"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
)

const (
	SummaryFile = "summary.json"
	TableFile   = "summary_table.csv"
)

// Document is the evaluated summary as operators and scripts read it.
type Document struct {
	Summary    aggregate.Summary
	Verdict    gate.Verdict
	Thresholds gate.Thresholds
}

func NewDocument(s aggregate.Summary, th gate.Thresholds) Document {
	return Document{Summary: s, Verdict: gate.Evaluate(s.Totals, th), Thresholds: th}
}

// MarshalJSON flattens the verdict next to the totals. go_no_go is always
// recomputed from the two policies.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RunID         string              `json:"run_id"`
		GoNoGo        bool                `json:"go_no_go"`
		PassesPolicy1 bool                `json:"passes_policy_1"`
		PassesPolicy2 bool                `json:"passes_policy_2"`
		Reasons       []string            `json:"reasons"`
		Thresholds    gate.Thresholds     `json:"thresholds"`
		Window        aggregate.Window    `json:"window"`
		Totals        bundle.DailyMetrics `json:"totals"`
		Days          []aggregate.DayRow  `json:"days"`
		Notes         []string            `json:"notes"`
	}{
		RunID:         d.Summary.RunID,
		GoNoGo:        d.Verdict.GoNoGo(),
		PassesPolicy1: d.Verdict.PassesPolicy1,
		PassesPolicy2: d.Verdict.PassesPolicy2,
		Reasons:       orEmpty(d.Verdict.Reasons),
		Thresholds:    d.Thresholds,
		Window:        d.Summary.Window,
		Totals:        d.Summary.Totals,
		Days:          d.Summary.Days,
		Notes:         orEmpty(d.Summary.Notes),
	})
}

// Paths are the artifacts Emit published.
type Paths struct {
	Summary string
	Table   string
}

var tableHeader = []string{
	"trading_day", "run_id", "origin",
	"breach_events", "unresolved_drift_events", "duplicate_order_events",
	"daily_buffer_stop_count", "safe_mode_unexpected_events", "total_trades",
	"min_daily_headroom", "min_max_headroom", "max_drawdown_pct",
	"restart_events", "disconnect_events",
}

// Emit writes both artifacts into dir, creating it if needed. Nothing is
// published unless both serialize: each is staged as a temp file and renamed
// into place, table first, so summary.json only appears alongside its table.
func Emit(doc Document, dir string) (Paths, error) {
	summary, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Paths{}, fmt.Errorf("failed to serialize summary: %w", err)
	}
	summary = append(summary, '\n')
	table, err := renderTable(doc)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to serialize summary table: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Paths{}, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	paths := Paths{Summary: filepath.Join(dir, SummaryFile), Table: filepath.Join(dir, TableFile)}

	tableTmp, err := writeTemp(dir, TableFile, table)
	if err != nil {
		return Paths{}, err
	}
	summaryTmp, err := writeTemp(dir, SummaryFile, summary)
	if err != nil {
		os.Remove(tableTmp)
		return Paths{}, err
	}
	if err := os.Rename(tableTmp, paths.Table); err != nil {
		os.Remove(tableTmp)
		os.Remove(summaryTmp)
		return Paths{}, fmt.Errorf("failed to publish %s: %w", paths.Table, err)
	}
	if err := os.Rename(summaryTmp, paths.Summary); err != nil {
		os.Remove(summaryTmp)
		// The new table must not sit next to an older summary.
		if cerr := Clear(dir); cerr != nil {
			observ.Error("summary_clear_failed", cerr, map[string]any{"dir": dir})
		}
		return Paths{}, fmt.Errorf("failed to publish %s: %w", paths.Summary, err)
	}

	observ.Log("summary_emitted", map[string]any{
		"run_id":   doc.Summary.RunID,
		"go_no_go": doc.Verdict.GoNoGo(),
		"days":     len(doc.Summary.Days),
		"summary":  paths.Summary,
		"table":    paths.Table,
	})
	return paths, nil
}

// Clear removes artifacts from a previous run so a failed aggregation
// never leaves a stale verdict behind.
func Clear(dir string) error {
	var first error
	for _, name := range []string{SummaryFile, TableFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) && first == nil {
			first = fmt.Errorf("failed to remove stale %s: %w", name, err)
		}
	}
	return first
}

func renderTable(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(tableHeader); err != nil {
		return nil, err
	}
	for _, row := range doc.Summary.Days {
		m := row.Metrics
		rec := []string{
			row.TradingDay.String(), row.RunID, string(row.Origin),
			strconv.Itoa(m.BreachEvents), strconv.Itoa(m.UnresolvedDriftEvents), strconv.Itoa(m.DuplicateOrderEvents),
			strconv.Itoa(m.DailyBufferStopCount), strconv.Itoa(m.SafeModeUnexpectedEvents), strconv.Itoa(m.TotalTrades),
			cell(m.MinDailyHeadroom), cell(m.MinMaxHeadroom), cell(m.MaxDrawdownPct),
			strconv.Itoa(m.RestartEvents), strconv.Itoa(m.DisconnectEvents),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cell renders an unknown value as an empty cell.
func cell(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func writeTemp(dir, name string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Chmod(f.Name(), 0644); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
