package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-gate/internal/audit"
	"github.com/Rajchodisetti/trading-gate/internal/journal"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// RawSources are the live files the trading service maintains. Empty paths
// are skipped.
type RawSources struct {
	AuditLogPath      string
	StatusPath        string
	StateSnapshotPath string
	DailyMetricsPath  string
	SafeModePath      string
	RunStatePath      string
	JournalPath       string

	// Safe-mode reasons starting with one of these prefixes are expected.
	ExpectedSafeModeReasons []string
}

// Ensure returns the bundle for (runID, day), rebuilding it from src when
// none has been sealed. When src cannot support a rebuild the outcome is
// Unavailable and the error a *BundleUnavailableError.
func (w *Writer) Ensure(ctx context.Context, runID string, day tradingday.Day, src RawSources) (Outcome, error) {
	final := Dir(w.root, runID, day)
	if out, ok, err := w.existing(final); err != nil || ok {
		return out, err
	}

	req, err := w.Collect(ctx, runID, day, src)
	if err != nil {
		var unavailable *BundleUnavailableError
		if errors.As(err, &unavailable) {
			observ.RecordBundleError("unavailable")
			observ.Warn("bundle_unavailable", map[string]any{
				"run_id":      runID,
				"trading_day": day.String(),
				"reason":      unavailable.Reason,
			})
			return Outcome{Kind: Unavailable, Reason: unavailable.Reason}, err
		}
		return Outcome{}, err
	}
	req.Origin = OriginReconstructed
	return w.SealDay(ctx, req)
}

// Collect builds a SealRequest for (runID, day) from the raw sources. It
// fails with *BundleUnavailableError when there are no audit records for
// the day, no ledger entry and no status snapshot taken that day.
func (w *Writer) Collect(ctx context.Context, runID string, day tradingday.Day, src RawSources) (SealRequest, error) {
	req := SealRequest{
		RunID:   runID,
		Day:     day,
		Sources: map[string]string{},
	}

	records, err := audit.ReadDay(src.AuditLogPath, day, w.loc)
	if err != nil {
		return req, err
	}
	for _, rec := range records {
		if rec.RunID == "" || rec.RunID == runID {
			req.Audit = append(req.Audit, rec)
		}
	}
	if src.AuditLogPath != "" {
		req.Sources[FileAudit] = src.AuditLogPath
	}

	metrics := MetricsFromAudit(req.Audit, src.ExpectedSafeModeReasons)

	ledger, ledgerOK, note := readLedgerDay(src.DailyMetricsPath, day)
	if note != "" {
		req.Notes = append(req.Notes, note)
	}

	status, statusOK := readJSONFile(src.StatusPath)
	statusOnDay := false
	if statusOK {
		req.StatusSnapshot = status
		req.Sources[FileStatus] = src.StatusPath
		statusOnDay = w.snapshotOnDay(status, day)
		if !statusOnDay {
			req.Notes = append(req.Notes, "status snapshot was not taken on "+day.String())
		}
	}
	if state, ok := readJSONFile(src.StateSnapshotPath); ok {
		req.StateSnapshot = state
		req.Sources[FileState] = src.StateSnapshotPath
	}

	if len(req.Audit) == 0 && !ledgerOK && !statusOnDay {
		return req, &BundleUnavailableError{
			RunID:  runID,
			Day:    day,
			Path:   Dir(w.root, runID, day),
			Reason: "no audit records, ledger entry or same-day status snapshot",
		}
	}

	switch {
	case ledgerOK:
		metrics.MinDailyHeadroom = ledgerDecimal(ledger, "min_daily_headroom")
		metrics.MinMaxHeadroom = ledgerDecimal(ledger, "min_max_headroom")
		metrics.MaxDrawdownPct = ledgerDecimal(ledger, "max_drawdown_pct")
		pretty, err := indentRaw(ledger)
		if err == nil {
			req.Attachments = append(req.Attachments, Attachment{
				Name:   FileLedgerDay,
				Source: src.DailyMetricsPath + "#" + day.String(),
				Data:   pretty,
			})
		}
	case statusOnDay:
		var s statusSnapshot
		if err := json.Unmarshal(status, &s); err == nil {
			metrics.MinDailyHeadroom = s.Headroom.Daily
			metrics.MinMaxHeadroom = s.Headroom.Maximum
			metrics.MaxDrawdownPct = s.DrawdownPct
			req.Notes = append(req.Notes, "headroom from status snapshot")
		}
	}

	trades, fromJournal, err := w.journalTrades(ctx, src.JournalPath, day)
	if err != nil {
		return req, err
	}
	switch {
	case fromJournal:
		metrics.TotalTrades = trades
		req.Attachments = append(req.Attachments, journalAttachment(src.JournalPath))
	case ledgerOK && ledgerHas(ledger, "trades_today"):
		if n := ledgerDecimal(ledger, "trades_today"); n.Valid {
			metrics.TotalTrades = int(n.Decimal.IntPart())
		}
	default:
		req.Notes = append(req.Notes, "total_trades from order_submitted audit events")
	}

	if b, ok := readJSONFile(src.SafeModePath); ok {
		req.Attachments = append(req.Attachments, Attachment{Name: FileSafeMode, Source: src.SafeModePath, Data: b})
	}
	if b, ok := readJSONFile(src.RunStatePath); ok {
		req.Attachments = append(req.Attachments, Attachment{Name: FileRunState, Source: src.RunStatePath, Data: b})
	}

	req.Metrics = metrics
	return req, nil
}

// MetricsFromAudit counts one day's audit records. Headroom is left unknown.
func MetricsFromAudit(records []audit.Record, expectedSafeMode []string) DailyMetrics {
	var m DailyMetrics
	connectionSafeModes := 0
	for _, rec := range records {
		reason := rec.Reason()
		switch rec.Event {
		case audit.EventStateCheck, audit.EventPreTrade:
			breach, _ := rec.Bool("breach")
			if breach || strings.Contains(reason, "hard limit") {
				m.BreachEvents++
			}
			// Daily and max-loss buffer stops both count toward the limit.
			if allow, ok := rec.Bool("allow"); !(ok && allow) && strings.Contains(reason, "buffer") {
				m.DailyBufferStopCount++
			}
		case audit.EventRuleViolation:
			m.BreachEvents++
		case audit.EventDriftUnresolved:
			m.UnresolvedDriftEvents++
		case audit.EventDuplicateOrder:
			m.DuplicateOrderEvents++
		case audit.EventSafeMode:
			if enabled, _ := rec.Bool("enabled"); !enabled {
				continue
			}
			if !hasAnyPrefix(reason, expectedSafeMode) {
				m.SafeModeUnexpectedEvents++
			}
			if strings.Contains(reason, "connection") {
				connectionSafeModes++
			}
		case audit.EventOrderSubmitted:
			m.TotalTrades++
		case audit.EventRunStart:
			m.RestartEvents++
		case audit.EventDisconnect:
			m.DisconnectEvents++
		}
	}
	if m.DisconnectEvents == 0 {
		m.DisconnectEvents = connectionSafeModes
	}
	return m
}

func hasAnyPrefix(reason string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(reason, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

type statusSnapshot struct {
	Now      string `json:"now"`
	Headroom struct {
		Daily   decimal.NullDecimal `json:"daily"`
		Maximum decimal.NullDecimal `json:"maximum"`
	} `json:"headroom"`
	DrawdownPct decimal.NullDecimal `json:"drawdown_pct"`
}

func (w *Writer) snapshotOnDay(raw json.RawMessage, day tradingday.Day) bool {
	var s statusSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	ts, ok := audit.ParseTimestamp(s.Now)
	return ok && tradingday.For(ts, w.loc) == day
}

// readLedgerDay returns the day's entry of {"days": {"YYYY-MM-DD": {...}}}.
// An unreadable ledger is reported as a note, not an error.
func readLedgerDay(path string, day tradingday.Day) (map[string]json.RawMessage, bool, string) {
	if path == "" {
		return nil, false, ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, ""
		}
		return nil, false, "daily metrics ledger unreadable: " + err.Error()
	}
	var ledger struct {
		Days map[string]map[string]json.RawMessage `json:"days"`
	}
	if err := json.Unmarshal(b, &ledger); err != nil {
		return nil, false, "daily metrics ledger is not valid JSON"
	}
	entry, ok := ledger.Days[day.String()]
	if !ok || len(entry) == 0 {
		return nil, false, ""
	}
	return entry, true, ""
}

func ledgerHas(entry map[string]json.RawMessage, key string) bool {
	_, ok := entry[key]
	return ok
}

func ledgerDecimal(entry map[string]json.RawMessage, key string) decimal.NullDecimal {
	var d decimal.NullDecimal
	if raw, ok := entry[key]; ok {
		if err := d.UnmarshalJSON(raw); err != nil {
			return decimal.NullDecimal{}
		}
	}
	return d
}

func indentRaw(entry map[string]json.RawMessage) ([]byte, error) {
	compact, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// readJSONFile returns the file's bytes when it exists and holds valid JSON.
func readJSONFile(path string) (json.RawMessage, bool) {
	if path == "" {
		return nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil || !json.Valid(b) {
		return nil, false
	}
	return b, true
}

// journalTrades counts the day's trades from the order journal; the bool
// reports whether a journal was present.
func (w *Writer) journalTrades(ctx context.Context, path string, day tradingday.Day) (int, bool, error) {
	if path == "" {
		return 0, false, nil
	}
	if _, err := os.Stat(path); err != nil {
		return 0, false, nil
	}
	r, err := journal.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer r.Close()
	n, err := r.CountTrades(ctx, day, w.loc)
	if err != nil {
		return 0, false, fmt.Errorf("failed to count trades for %s: %w", day, err)
	}
	return n, true, nil
}

func journalAttachment(path string) Attachment {
	return Attachment{
		Name:   FileJournal,
		Source: path,
		Fill: func(ctx context.Context, dest string) error {
			r, err := journal.Open(path)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.Snapshot(ctx, dest)
		},
	}
}
