// Command gatectl manages run state, seals daily bundles and evaluates the
// go/no-go gate over a window of bundles.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Rajchodisetti/trading-gate/internal/bundle"
	"github.com/Rajchodisetti/trading-gate/internal/config"
	"github.com/Rajchodisetti/trading-gate/internal/gate"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
	"github.com/Rajchodisetti/trading-gate/internal/runstate"
)

const (
	exitOK    = 0
	exitError = 1
	exitNoGo  = 2
)

const usageText = `usage: gatectl [-config FILE] <command> [flags]

commands:
  run start [-resume] [-service-config FILE]   activate a run and print its state
  run show                                     print the current run state
  run reset                                    forget the current run
  seal [-run-id ID] [-date YYYY-MM-DD] [-generate] [-metrics FILE]
  aggregate [-run-id ID] [-last N] [-days D1,D2] [-allow-partial] [-generate-missing] [-output-dir DIR]
  evaluate -totals FILE [-max-buffer-stops N]
  daemon                                       seal closed days on schedule and serve /metrics
`

type app struct {
	cfg    config.Root
	loc    *time.Location
	store  *runstate.Store
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("gatectl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usageText) }
	cfgPath := global.String("config", os.Getenv("GATE_CONFIG"), "gate config YAML")
	if err := global.Parse(args); err != nil {
		return exitError
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return exitError
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "gatectl: failed to load config: %v\n", err)
		return exitError
	}
	if err := observ.Init(cfg.Logging); err != nil {
		fmt.Fprintf(stderr, "gatectl: failed to init logging: %v\n", err)
		return exitError
	}
	loc, err := cfg.Location()
	if err != nil {
		fmt.Fprintf(stderr, "gatectl: %v\n", err)
		return exitError
	}

	a := &app{
		cfg:    cfg,
		loc:    loc,
		store:  runstate.NewStore(cfg.Runtime.RunStatePath, cfg.RunIDPrefix),
		stdout: stdout,
		stderr: stderr,
	}

	cmd, cmdArgs := rest[0], rest[1:]
	var code int
	switch cmd {
	case "run":
		code, err = a.runCmd(cmdArgs)
	case "seal":
		code, err = a.sealCmd(cmdArgs)
	case "aggregate":
		code, err = a.aggregateCmd(cmdArgs)
	case "evaluate":
		code, err = a.evaluateCmd(cmdArgs)
	case "daemon":
		code, err = a.daemonCmd(cmdArgs)
	default:
		fmt.Fprintf(stderr, "gatectl: unknown command %q\n", cmd)
		global.Usage()
		return exitError
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "gatectl %s: %v\n", cmd, err)
			observ.Error("command_failed", err, map[string]any{"command": cmd})
		}
		return exitError
	}
	return code
}

func (a *app) thresholds() gate.Thresholds {
	th := gate.DefaultThresholds()
	if a.cfg.Gate.MaxBufferStops != nil {
		th.MaxBufferStops = *a.cfg.Gate.MaxBufferStops
	}
	return th
}

// sources maps the configured runtime files to reconstruction inputs.
func (a *app) sources(runID string) bundle.RawSources {
	rt := a.cfg.Runtime
	return bundle.RawSources{
		AuditLogPath:            rt.AuditLogPath,
		StatusPath:              rt.StatusPath,
		StateSnapshotPath:       rt.StateSnapshotPath,
		DailyMetricsPath:        rt.DailyMetricsPath,
		SafeModePath:            rt.SafeModePath,
		RunStatePath:            rt.RunStatePath,
		JournalPath:             a.cfg.JournalPath(runID),
		ExpectedSafeModeReasons: a.cfg.Reconstruct.ExpectedSafeModeReasons,
	}
}

func (a *app) writer() *bundle.Writer {
	return bundle.NewWriter(a.cfg.Bundles.Root, a.loc)
}

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
