package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/trading-gate/internal/bundle"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
	"github.com/Rajchodisetti/trading-gate/internal/runstate"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// RunStates is the part of the run-state store the seal job needs.
type RunStates interface {
	Load() (runstate.RunState, error)
	MarkBundleSealed(runID, day string) (runstate.RunState, error)
}

// Sealer produces bundles for closed days.
type Sealer interface {
	Ensure(ctx context.Context, runID string, day tradingday.Day, src bundle.RawSources) (bundle.Outcome, error)
	SweepStaging(minAge time.Duration) (int, error)
}

// SealJob seals every closed trading day of the current run that has no
// bundle yet, oldest first, looking back at most CatchUpDays.
type SealJob struct {
	States      RunStates
	Sealer      Sealer
	Sources     func(runID string) bundle.RawSources
	Location    *time.Location
	CatchUpDays int
	Timeout     time.Duration

	now func() time.Time
}

func (j *SealJob) Name() string { return "seal_closed_days" }

func (j *SealJob) Run() error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return j.RunContext(ctx)
}

func (j *SealJob) RunContext(ctx context.Context) error {
	st, err := j.States.Load()
	if errors.Is(err, runstate.ErrNoState) {
		observ.Log("seal_skipped", map[string]any{"reason": "no active run"})
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := j.Sealer.SweepStaging(time.Hour); err != nil {
		observ.Error("staging_sweep_failed", err, nil)
	}

	for _, day := range j.pendingDays(st) {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := j.Sealer.Ensure(ctx, st.RunID, day, j.Sources(st.RunID))
		var unavailable *bundle.BundleUnavailableError
		if errors.As(err, &unavailable) {
			// Days without activity (weekends, holidays) have nothing to seal.
			continue
		}
		if err != nil {
			return err
		}
		if _, err := j.States.MarkBundleSealed(st.RunID, day.String()); err != nil {
			return err
		}
		observ.Log("day_sealed", map[string]any{
			"run_id":      st.RunID,
			"trading_day": day.String(),
			"outcome":     out.Kind.String(),
		})
	}
	return nil
}

// pendingDays lists closed days after the last sealed one, never before the
// run started and never more than CatchUpDays back.
func (j *SealJob) pendingDays(st runstate.RunState) []tradingday.Day {
	now := time.Now
	if j.now != nil {
		now = j.now
	}
	lastClosed := tradingday.For(now(), j.Location).Prev()

	window := j.CatchUpDays
	if window <= 0 {
		window = 1
	}
	first := lastClosed.AddDays(-(window - 1))
	if started := tradingday.For(st.StartedAt, j.Location); started.After(first) {
		first = started
	}
	if st.LastBundleDay != "" {
		if last, err := tradingday.ParseDay(st.LastBundleDay); err == nil && last.Next().After(first) {
			first = last.Next()
		}
	}
	return tradingday.Range(first, lastClosed)
}
