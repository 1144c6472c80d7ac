// Package aggregate folds sealed daily bundles into a window summary.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Rajchodisetti/trading-gate/internal/bundle"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
	"github.com/Rajchodisetti/trading-gate/internal/runstate"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// CrossRun is the summary run_id when bundles from several runs are folded.
const CrossRun = "*"

// NoBundlesFoundError means the selection matched nothing. It is never a pass.
type NoBundlesFoundError struct {
	Root  string
	RunID string
}

func (e *NoBundlesFoundError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("no bundles found under %s", e.Root)
	}
	return fmt.Sprintf("no bundles found for run %s under %s", e.RunID, e.Root)
}

// EnsureFunc produces a bundle for a day that has none, typically by
// rebuilding it from raw sources.
type EnsureFunc func(ctx context.Context, runID string, day tradingday.Day) (bundle.Outcome, error)

// Selection chooses which bundles are folded.
type Selection struct {
	RunID string           // empty folds every run
	LastN int              // most recent N bundles; 0 means all
	Days  []tradingday.Day // explicit days; takes precedence over LastN

	// AllowPartial skips unavailable or incomplete days instead of failing.
	// Skipped days are listed in Summary.Notes.
	AllowPartial bool
	Ensure       EnsureFunc
}

type DayRow struct {
	RunID      string              `json:"run_id"`
	TradingDay tradingday.Day      `json:"trading_day"`
	Origin     bundle.Origin       `json:"origin"`
	Metrics    bundle.DailyMetrics `json:"metrics"`
}

type Window struct {
	Days     []tradingday.Day `json:"days"`
	LastN    int              `json:"last_n,omitempty"`
	Explicit bool             `json:"explicit"`
}

// Summary is a pure function of the selected bundles.
type Summary struct {
	RunID  string              `json:"run_id"`
	Window Window              `json:"window"`
	Totals bundle.DailyMetrics `json:"totals"`
	Days   []DayRow            `json:"days"`
	Notes  []string            `json:"notes,omitempty"`
}

// Aggregate selects bundles under root and folds them. Rows are ordered by
// (trading_day, run_id).
func Aggregate(ctx context.Context, root string, sel Selection) (Summary, error) {
	s, err := aggregate(ctx, root, sel)
	var empty *NoBundlesFoundError
	switch {
	case err == nil:
		observ.RecordAggregation("ok")
	case errors.As(err, &empty):
		observ.RecordAggregation("empty")
	default:
		observ.RecordAggregation("error")
	}
	return s, err
}

func aggregate(ctx context.Context, root string, sel Selection) (Summary, error) {
	if sel.RunID != "" && !runstate.ValidRunID(sel.RunID) {
		return Summary{}, fmt.Errorf("invalid run id %q", sel.RunID)
	}
	if sel.LastN < 0 {
		return Summary{}, fmt.Errorf("last must be >= 0, got %d", sel.LastN)
	}

	var (
		rows  []DayRow
		notes []string
		err   error
	)
	if len(sel.Days) > 0 {
		rows, notes, err = explicitRows(ctx, root, sel)
	} else {
		rows, notes, err = scannedRows(root, sel)
	}
	if err != nil {
		return Summary{}, err
	}
	if len(rows) == 0 {
		return Summary{}, &NoBundlesFoundError{Root: root, RunID: sel.RunID}
	}
	return Fold(rows, sel, notes), nil
}

// Fold builds the summary over rows.
func Fold(rows []DayRow, sel Selection, notes []string) Summary {
	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].TradingDay.Compare(rows[j].TradingDay); c != 0 {
			return c < 0
		}
		return rows[i].RunID < rows[j].RunID
	})

	s := Summary{
		RunID: sel.RunID,
		Window: Window{
			LastN:    sel.LastN,
			Explicit: len(sel.Days) > 0,
		},
		Days:  rows,
		Notes: notes,
	}
	if s.Window.Explicit {
		s.Window.LastN = 0
	}
	runs := map[string]bool{}
	for _, r := range rows {
		s.Totals = s.Totals.Add(r.Metrics)
		runs[r.RunID] = true
		if n := len(s.Window.Days); n == 0 || s.Window.Days[n-1] != r.TradingDay {
			s.Window.Days = append(s.Window.Days, r.TradingDay)
		}
	}
	if s.RunID == "" {
		s.RunID = CrossRun
		if len(runs) == 1 {
			s.RunID = rows[0].RunID
		}
	}
	return s
}

func scannedRows(root string, sel Selection) ([]DayRow, []string, error) {
	var (
		refs []bundle.Ref
		err  error
	)
	if sel.RunID != "" {
		refs, err = bundle.ListRun(root, sel.RunID)
	} else {
		refs, err = bundle.List(root)
	}
	if err != nil {
		return nil, nil, err
	}

	if sel.LastN > 0 && len(refs) > sel.LastN {
		// Most recent days first, run id breaking ties.
		sort.SliceStable(refs, func(i, j int) bool {
			if c := refs[i].Day.Compare(refs[j].Day); c != 0 {
				return c > 0
			}
			return refs[i].RunID < refs[j].RunID
		})
		refs = refs[:sel.LastN]
	}

	var rows []DayRow
	var notes []string
	for _, ref := range refs {
		b, err := bundle.Open(ref.Dir)
		if err != nil {
			if note, skip := skippable(err, sel.AllowPartial, ref.RunID, ref.Day); skip {
				notes = append(notes, note)
				continue
			}
			return nil, nil, err
		}
		rows = append(rows, rowFor(b))
	}
	return rows, notes, nil
}

func explicitRows(ctx context.Context, root string, sel Selection) ([]DayRow, []string, error) {
	days := uniqueDays(sel.Days)

	var all []bundle.Ref
	var err error
	if sel.RunID != "" {
		all, err = bundle.ListRun(root, sel.RunID)
	} else {
		all, err = bundle.List(root)
	}
	if err != nil {
		return nil, nil, err
	}
	byDay := map[tradingday.Day][]bundle.Ref{}
	for _, ref := range all {
		byDay[ref.Day] = append(byDay[ref.Day], ref)
	}

	var rows []DayRow
	var notes []string
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		refs := byDay[day]
		if len(refs) == 0 {
			b, err := ensureDay(ctx, root, sel, day)
			if err != nil {
				if note, skip := skippable(err, sel.AllowPartial, sel.RunID, day); skip {
					notes = append(notes, note)
					continue
				}
				return nil, nil, err
			}
			rows = append(rows, rowFor(b))
			continue
		}
		for _, ref := range refs {
			b, err := bundle.Open(ref.Dir)
			if err != nil {
				if note, skip := skippable(err, sel.AllowPartial, ref.RunID, ref.Day); skip {
					notes = append(notes, note)
					continue
				}
				return nil, nil, err
			}
			rows = append(rows, rowFor(b))
		}
	}
	return rows, notes, nil
}

// ensureDay asks sel.Ensure for a missing day. Without a run id or an
// Ensure hook the day is unavailable.
func ensureDay(ctx context.Context, root string, sel Selection, day tradingday.Day) (bundle.Bundle, error) {
	runID := sel.RunID
	if runID == "" {
		runID = CrossRun
	}
	unavailable := &bundle.BundleUnavailableError{
		RunID:  runID,
		Day:    day,
		Path:   bundle.Dir(root, runID, day),
		Reason: "no sealed bundle",
	}
	if sel.Ensure == nil || sel.RunID == "" {
		return bundle.Bundle{}, unavailable
	}
	out, err := sel.Ensure(ctx, sel.RunID, day)
	if err != nil {
		return bundle.Bundle{}, err
	}
	if out.Kind == bundle.Unavailable {
		unavailable.Reason = out.Reason
		return bundle.Bundle{}, unavailable
	}
	return out.Bundle, nil
}

func skippable(err error, allowPartial bool, runID string, day tradingday.Day) (string, bool) {
	if !allowPartial {
		return "", false
	}
	var unavailable *bundle.BundleUnavailableError
	var partial *bundle.PartialWriteDetectedError
	switch {
	case errors.As(err, &unavailable):
		return fmt.Sprintf("%s %s skipped: unavailable (%s)", unavailable.Day, unavailable.RunID, unavailable.Reason), true
	case errors.As(err, &partial):
		return fmt.Sprintf("%s %s skipped: incomplete bundle", day, runID), true
	}
	return "", false
}

func rowFor(b bundle.Bundle) DayRow {
	return DayRow{
		RunID:      b.RunID,
		TradingDay: b.Day,
		Origin:     b.Origin(),
		Metrics:    b.Metrics,
	}
}

func uniqueDays(days []tradingday.Day) []tradingday.Day {
	seen := map[tradingday.Day]bool{}
	var out []tradingday.Day
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
