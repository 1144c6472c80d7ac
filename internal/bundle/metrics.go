package bundle

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func init() {
	// Headroom is written as a bare JSON number so operators and scripts
	// read it the same way they read the service's own ledger.
	decimal.MarshalJSONWithoutQuotes = true
}

// DailyMetrics are the per-day counts and extrema the gate policies read.
// Absent headroom or drawdown is unknown, never zero.
type DailyMetrics struct {
	DailyBufferStopCount     int `json:"daily_buffer_stop_count"`
	BreachEvents             int `json:"breach_events"`
	UnresolvedDriftEvents    int `json:"unresolved_drift_events"`
	DuplicateOrderEvents     int `json:"duplicate_order_events"`
	SafeModeUnexpectedEvents int `json:"safe_mode_unexpected_events"`
	TotalTrades              int `json:"total_trades"`

	MinDailyHeadroom decimal.NullDecimal `json:"min_daily_headroom"`
	MinMaxHeadroom   decimal.NullDecimal `json:"min_max_headroom"`

	// Informational; no policy reads these.
	RestartEvents    int                 `json:"restart_events"`
	DisconnectEvents int                 `json:"disconnect_events"`
	MaxDrawdownPct   decimal.NullDecimal `json:"max_drawdown_pct"`
}

// Validate rejects negative counts.
func (m DailyMetrics) Validate() error {
	for _, c := range []struct {
		name string
		v    int
	}{
		{"daily_buffer_stop_count", m.DailyBufferStopCount},
		{"breach_events", m.BreachEvents},
		{"unresolved_drift_events", m.UnresolvedDriftEvents},
		{"duplicate_order_events", m.DuplicateOrderEvents},
		{"safe_mode_unexpected_events", m.SafeModeUnexpectedEvents},
		{"total_trades", m.TotalTrades},
		{"restart_events", m.RestartEvents},
		{"disconnect_events", m.DisconnectEvents},
	} {
		if c.v < 0 {
			return fmt.Errorf("%s is negative (%d)", c.name, c.v)
		}
	}
	return nil
}

// Add folds o into m: counts sum, headroom keeps the minimum of the known
// values and drawdown the maximum.
func (m DailyMetrics) Add(o DailyMetrics) DailyMetrics {
	m.DailyBufferStopCount += o.DailyBufferStopCount
	m.BreachEvents += o.BreachEvents
	m.UnresolvedDriftEvents += o.UnresolvedDriftEvents
	m.DuplicateOrderEvents += o.DuplicateOrderEvents
	m.SafeModeUnexpectedEvents += o.SafeModeUnexpectedEvents
	m.TotalTrades += o.TotalTrades
	m.RestartEvents += o.RestartEvents
	m.DisconnectEvents += o.DisconnectEvents

	m.MinDailyHeadroom = minKnown(m.MinDailyHeadroom, o.MinDailyHeadroom)
	m.MinMaxHeadroom = minKnown(m.MinMaxHeadroom, o.MinMaxHeadroom)
	m.MaxDrawdownPct = maxKnown(m.MaxDrawdownPct, o.MaxDrawdownPct)
	return m
}

func minKnown(a, b decimal.NullDecimal) decimal.NullDecimal {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	case b.Decimal.LessThan(a.Decimal):
		return b
	}
	return a
}

func maxKnown(a, b decimal.NullDecimal) decimal.NullDecimal {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	case b.Decimal.GreaterThan(a.Decimal):
		return b
	}
	return a
}

// Known wraps d as a present value.
func Known(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
