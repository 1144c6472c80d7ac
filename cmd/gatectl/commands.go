package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Rajchodisetti/trading-gate/internal/aggregate"
	"github.com/Rajchodisetti/trading-gate/internal/audit"
	"github.com/Rajchodisetti/trading-gate/internal/bundle"
	"github.com/Rajchodisetti/trading-gate/internal/config"
	"github.com/Rajchodisetti/trading-gate/internal/gate"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
	"github.com/Rajchodisetti/trading-gate/internal/report"
	"github.com/Rajchodisetti/trading-gate/internal/runstate"
	"github.com/Rajchodisetti/trading-gate/internal/scheduler"
	"github.com/Rajchodisetti/trading-gate/internal/server"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

func (a *app) runCmd(args []string) (int, error) {
	if len(args) == 0 {
		return exitError, errors.New("expected start, show or reset")
	}
	switch args[0] {
	case "start":
		return a.runStart(args[1:])
	case "show":
		st, err := a.store.Load()
		if err != nil {
			return exitError, err
		}
		return exitOK, a.printJSON(st)
	case "reset":
		if err := a.store.Reset(); err != nil {
			return exitError, err
		}
		fmt.Fprintf(a.stdout, "run state %s removed; the next start creates a new run\n", a.store.Path())
		return exitOK, nil
	}
	return exitError, fmt.Errorf("unknown run subcommand %q", args[0])
}

func (a *app) runStart(args []string) (int, error) {
	fs := a.flagSet("run start")
	resume := fs.Bool("resume", false, "keep the existing run id if the service config is unchanged")
	svcPath := fs.String("service-config", a.cfg.ServiceConfigPath, "frozen service config whose hash pins the run")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}
	if *svcPath == "" {
		return exitError, errors.New("-service-config is required")
	}

	hash, err := config.HashFile(*svcPath)
	if err != nil {
		return exitError, err
	}
	st, err := a.store.LoadOrCreate(*resume, hash, *svcPath)
	if err != nil {
		return exitError, err
	}

	log, err := audit.New(a.cfg.Runtime.AuditLogPath, st.RunID, hash)
	if err != nil {
		return exitError, err
	}
	if err := log.Append(audit.EventRunStart, map[string]any{
		"resume":       *resume,
		"resume_count": st.ResumeCount,
		"config_path":  *svcPath,
	}); err != nil {
		return exitError, fmt.Errorf("failed to append run_start for %s: %w", st.RunID, err)
	}
	return exitOK, a.printJSON(st)
}

// currentRunID falls back to the active run when id is empty.
func (a *app) currentRunID(id string) (string, error) {
	if id != "" {
		if !runstate.ValidRunID(id) {
			return "", fmt.Errorf("invalid run id %q", id)
		}
		return id, nil
	}
	st, err := a.store.Load()
	if err != nil {
		if errors.Is(err, runstate.ErrNoState) {
			return "", errors.New("no active run; pass -run-id or run `gatectl run start` first")
		}
		return "", err
	}
	return st.RunID, nil
}

type sealResult struct {
	Outcome    string         `json:"outcome"`
	RunID      string         `json:"run_id"`
	TradingDay tradingday.Day `json:"trading_day"`
	Dir        string         `json:"dir,omitempty"`
	Origin     bundle.Origin  `json:"origin,omitempty"`
	Notes      []string       `json:"notes,omitempty"`
}

func (a *app) sealCmd(args []string) (int, error) {
	fs := a.flagSet("seal")
	runFlag := fs.String("run-id", "", "run id (default: active run)")
	dateFlag := fs.String("date", "", "trading day YYYY-MM-DD (default: yesterday in the reference timezone)")
	generate := fs.Bool("generate", false, "rebuild from raw sources if no bundle exists (origin reconstructed)")
	metricsPath := fs.String("metrics", "", "daily metrics JSON computed by the service; overrides audit-derived counts")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}

	runID, err := a.currentRunID(*runFlag)
	if err != nil {
		return exitError, err
	}
	day := tradingday.For(time.Now(), a.loc).Prev()
	if *dateFlag != "" {
		if day, err = tradingday.ParseDay(*dateFlag); err != nil {
			return exitError, err
		}
	}

	ctx := context.Background()
	w := a.writer()
	out, found, err := w.Existing(runID, day)
	if err == nil && !found {
		if *generate {
			out, err = w.Ensure(ctx, runID, day, a.sources(runID))
		} else {
			out, err = a.sealFromSources(ctx, w, runID, day, *metricsPath)
		}
	}
	if err != nil {
		return exitError, err
	}

	if _, err := a.store.MarkBundleSealed(runID, day.String()); err != nil && !errors.Is(err, runstate.ErrNoState) {
		observ.Warn("last_bundle_day_not_updated", map[string]any{"run_id": runID, "error": err.Error()})
	}
	return exitOK, a.printJSON(sealResult{
		Outcome:    out.Kind.String(),
		RunID:      runID,
		TradingDay: day,
		Dir:        out.Bundle.Dir,
		Origin:     out.Bundle.Origin(),
		Notes:      out.Bundle.Manifest.Notes,
	})
}

// sealFromSources seals a day from the live runtime files. Metrics supplied
// by the service stand on their own, so a day without raw audit data can
// still be sealed with them.
func (a *app) sealFromSources(ctx context.Context, w *bundle.Writer, runID string, day tradingday.Day, metricsPath string) (bundle.Outcome, error) {
	req, err := w.Collect(ctx, runID, day, a.sources(runID))
	var unavailable *bundle.BundleUnavailableError
	if errors.As(err, &unavailable) && metricsPath != "" {
		req.Notes = append(req.Notes, "no raw data for the day; metrics supplied by the service")
		err = nil
	}
	if err != nil {
		return bundle.Outcome{}, err
	}
	if metricsPath != "" {
		if req.Metrics, err = readMetrics(metricsPath); err != nil {
			return bundle.Outcome{}, err
		}
		req.Sources[bundle.FileMetrics] = metricsPath
	}
	return w.SealDay(ctx, req)
}

func readMetrics(path string) (bundle.DailyMetrics, error) {
	var m bundle.DailyMetrics
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("failed to parse metrics %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("invalid metrics %s: %w", path, err)
	}
	return m, nil
}

func (a *app) aggregateCmd(args []string) (int, error) {
	fs := a.flagSet("aggregate")
	runID := fs.String("run-id", "", "run id (default: every run)")
	last := fs.Int("last", a.cfg.Bundles.DefaultLast, "most recent N bundles; 0 means all")
	daysFlag := fs.String("days", "", "comma-separated trading days; overrides -last")
	allowPartial := fs.Bool("allow-partial", false, "skip unavailable or incomplete days instead of failing")
	generateMissing := fs.Bool("generate-missing", false, "reconstruct missing explicit days from raw sources (needs -run-id)")
	outDir := fs.String("output-dir", a.cfg.Bundles.SummaryDir, "directory for summary.json and the table")
	maxStops := fs.Int("max-buffer-stops", a.thresholds().MaxBufferStops, "policy 2 limit on daily buffer stops")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}
	if *maxStops < 0 {
		return exitError, fmt.Errorf("-max-buffer-stops must be >= 0, got %d", *maxStops)
	}

	sel := aggregate.Selection{
		RunID:        *runID,
		LastN:        *last,
		AllowPartial: *allowPartial,
	}
	if *daysFlag != "" {
		days, err := parseDays(*daysFlag)
		if err != nil {
			return exitError, err
		}
		sel.Days = days
	}
	if *generateMissing {
		w := a.writer()
		sel.Ensure = func(ctx context.Context, runID string, day tradingday.Day) (bundle.Outcome, error) {
			return w.Ensure(ctx, runID, day, a.sources(runID))
		}
	}

	summary, err := aggregate.Aggregate(context.Background(), a.cfg.Bundles.Root, sel)
	if err != nil {
		if cerr := report.Clear(*outDir); cerr != nil {
			observ.Error("summary_clear_failed", cerr, map[string]any{"dir": *outDir})
		}
		return exitError, err
	}

	doc := report.NewDocument(summary, gate.Thresholds{MaxBufferStops: *maxStops})
	if _, err := report.Emit(doc, *outDir); err != nil {
		return exitError, err
	}
	if err := a.printJSON(doc); err != nil {
		return exitError, err
	}
	if !doc.Verdict.GoNoGo() {
		return exitNoGo, nil
	}
	return exitOK, nil
}

func parseDays(s string) ([]tradingday.Day, error) {
	var days []tradingday.Day
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := tradingday.ParseDay(part)
		if err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	if len(days) == 0 {
		return nil, errors.New("-days lists no trading days")
	}
	return days, nil
}

func (a *app) evaluateCmd(args []string) (int, error) {
	fs := a.flagSet("evaluate")
	totalsPath := fs.String("totals", "", "totals JSON, or a summary.json whose totals are used")
	maxStops := fs.Int("max-buffer-stops", a.thresholds().MaxBufferStops, "policy 2 limit on daily buffer stops")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}
	if *totalsPath == "" {
		return exitError, errors.New("-totals is required")
	}
	if *maxStops < 0 {
		return exitError, fmt.Errorf("-max-buffer-stops must be >= 0, got %d", *maxStops)
	}

	totals, err := readTotals(*totalsPath)
	if err != nil {
		return exitError, err
	}
	v := gate.Evaluate(totals, gate.Thresholds{MaxBufferStops: *maxStops})
	if err := a.printJSON(v); err != nil {
		return exitError, err
	}
	if !v.GoNoGo() {
		return exitNoGo, nil
	}
	return exitOK, nil
}

// readTotals accepts either a bare metrics object or a document with a
// "totals" member.
func readTotals(path string) (bundle.DailyMetrics, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return bundle.DailyMetrics{}, err
	}
	var wrapped struct {
		Totals *bundle.DailyMetrics `json:"totals"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return bundle.DailyMetrics{}, fmt.Errorf("failed to parse totals %s: %w", path, err)
	}
	if wrapped.Totals != nil {
		if err := wrapped.Totals.Validate(); err != nil {
			return bundle.DailyMetrics{}, fmt.Errorf("invalid totals %s: %w", path, err)
		}
		return *wrapped.Totals, nil
	}
	return readMetrics(path)
}

func (a *app) daemonCmd(args []string) (int, error) {
	fs := a.flagSet("daemon")
	listen := fs.String("listen", a.cfg.Daemon.ListenAddr, "ops HTTP listen address")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job := &scheduler.SealJob{
		States:      a.store,
		Sealer:      a.writer(),
		Sources:     a.sources,
		Location:    a.loc,
		CatchUpDays: a.cfg.Daemon.CatchUpDays,
	}
	sched := scheduler.New(a.loc)
	if err := sched.AddJob(a.cfg.Daemon.SealSchedule, job); err != nil {
		return exitError, err
	}
	if err := sched.RunNow(job); err != nil {
		observ.Error("catch_up_failed", err, nil)
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Addr:          *listen,
		States:        a.store,
		BundleRoot:    a.cfg.Bundles.Root,
		Thresholds:    a.thresholds(),
		Location:      a.loc,
		DefaultLast:   a.cfg.Bundles.DefaultLast,
		RatePerMinute: a.cfg.Daemon.SummaryRatePerMinute,
	})
	observ.Log("daemon_started", map[string]any{
		"listen":    *listen,
		"timezone":  a.loc.String(),
		"next_seal": sched.Next().Format(time.RFC3339),
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		return exitError, err
	}
	observ.Log("daemon_stopped", nil)
	return exitOK, nil
}
