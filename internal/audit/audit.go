// Package audit reads and appends the service's append-only JSONL decision log.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// Event names written by the trading service.
const (
	EventRunStart        = "run_start"
	EventRunStop         = "run_stop"
	EventStateCheck      = "state_check"
	EventPreTrade        = "pre_trade"
	EventRuleViolation   = "rule_violation"
	EventSafeMode        = "safe_mode"
	EventDriftDetected   = "drift_detected"
	EventDriftUnresolved = "drift_unresolved"
	EventDriftResolved   = "drift_resolved"
	EventDuplicateOrder  = "duplicate_order_detected"
	EventOrderSubmitted  = "order_submitted"
	EventDisconnect      = "disconnect"
	EventReconnect       = "reconnect"
)

// Record is one audit line. Raw keeps the exact bytes read from disk so
// copies into a bundle are byte-for-byte.
type Record struct {
	TS         time.Time      `json:"ts"`
	RunID      string         `json:"run_id,omitempty"`
	ConfigHash string         `json:"config_hash,omitempty"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type wireRecord struct {
	TS         string         `json:"ts"`
	RunID      string         `json:"run_id"`
	ConfigHash string         `json:"config_hash"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload"`
	Reason     string         `json:"reason"`
}

// Timestamps come from several writers: RFC3339 with zone, or naive UTC
// isoformat.
var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts the timestamp shapes the service writes. Naive
// values are UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range tsLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// decode parses one line. Lines without a usable timestamp or event are rejected.
func decode(line []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return Record{}, err
	}
	ts, ok := ParseTimestamp(w.TS)
	if !ok {
		return Record{}, fmt.Errorf("unparseable ts %q", w.TS)
	}
	if w.Event == "" {
		return Record{}, fmt.Errorf("missing event")
	}
	payload := w.Payload
	if w.Reason != "" {
		if payload == nil {
			payload = map[string]any{}
		}
		if _, ok := payload["reason"]; !ok {
			payload["reason"] = w.Reason
		}
	}
	raw := make([]byte, len(line))
	copy(raw, line)
	return Record{
		TS:         ts.UTC(),
		RunID:      w.RunID,
		ConfigHash: w.ConfigHash,
		Event:      w.Event,
		Payload:    payload,
		Raw:        raw,
	}, nil
}

// Parse reads JSONL from r in order, skipping blank and malformed lines.
// It returns the number of skipped lines alongside the records.
func Parse(r io.Reader) ([]Record, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var records []Record
	skipped := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := decode(line)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("error reading audit log: %w", err)
	}
	return records, skipped, nil
}

// ReadDay returns the records of path whose timestamp falls on day in loc.
// A missing or unset file yields no records and no error.
func ReadDay(path string, day tradingday.Day, loc *time.Location) ([]Record, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	all, _, err := Parse(f)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if tradingday.For(rec.TS, loc) == day {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Encode writes records as JSONL, preferring each record's original bytes.
func Encode(w io.Writer, records []Record) error {
	for _, rec := range records {
		line := []byte(rec.Raw)
		if len(line) == 0 {
			b, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal audit record: %w", err)
			}
			line = b
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}

// PayloadString returns payload[key] when it is a string.
func (r Record) PayloadString(key string) string {
	if v, ok := r.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns payload[key] when it is a bool.
func (r Record) Bool(key string) (bool, bool) {
	v, ok := r.Payload[key].(bool)
	return v, ok
}

// Reason is the lower-cased decision reason.
func (r Record) Reason() string {
	return strings.ToLower(r.PayloadString("reason"))
}

// Log appends records for one run.
type Log struct {
	mu         sync.Mutex
	path       string
	runID      string
	configHash string
	now        func() time.Time
}

func New(path, runID, configHash string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Log{
		path:       path,
		runID:      runID,
		configHash: configHash,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Append writes one record. The whole line goes out in a single write so
// concurrent appenders never interleave.
func (l *Log) Append(event string, payload map[string]any) error {
	rec := Record{
		TS:         l.now(),
		RunID:      l.runID,
		ConfigHash: l.configHash,
		Event:      event,
		Payload:    payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}
