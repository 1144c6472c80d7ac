package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/trading-gate/internal/observ"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// Runtime points at the files the trading service keeps up to date while it runs.
type Runtime struct {
	RunStatePath      string `yaml:"run_state_path"`
	AuditLogPath      string `yaml:"audit_log_path"`
	StatusPath        string `yaml:"status_path"`
	StateSnapshotPath string `yaml:"state_snapshot_path"`
	DailyMetricsPath  string `yaml:"daily_metrics_path"`
	SafeModePath      string `yaml:"safe_mode_path"`
	JournalPattern    string `yaml:"journal_pattern"` // {run_id} is substituted
}

type Bundles struct {
	Root        string `yaml:"root"`
	SummaryDir  string `yaml:"summary_dir"`
	DefaultLast int    `yaml:"default_last"`
}

type Gate struct {
	MaxBufferStops *int `yaml:"max_buffer_stops"`
}

type Reconstruct struct {
	// Safe-mode activations whose reason starts with one of these prefixes
	// are operator-initiated and not counted as unexpected.
	ExpectedSafeModeReasons []string `yaml:"expected_safe_mode_reasons"`
}

type Daemon struct {
	ListenAddr           string `yaml:"listen_addr"`
	SealSchedule         string `yaml:"seal_schedule"`
	CatchUpDays          int    `yaml:"catch_up_days"`
	SummaryRatePerMinute int    `yaml:"summary_rate_per_minute"`
}

type Root struct {
	Timezone          string           `yaml:"timezone"`
	RunIDPrefix       string           `yaml:"run_id_prefix"`
	ServiceConfigPath string           `yaml:"service_config_path"` // file whose hash pins the run id
	Runtime           Runtime          `yaml:"runtime"`
	Bundles           Bundles          `yaml:"bundles"`
	Gate              Gate             `yaml:"gate"`
	Reconstruct       Reconstruct      `yaml:"reconstruct"`
	Daemon            Daemon           `yaml:"daemon"`
	Logging           observ.LogConfig `yaml:"logging"`
}

// Load reads the YAML file at path (when non-empty), applies .env and
// GATE_* environment overrides, then fills defaults.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()
	if err := applyEnv(&c); err != nil {
		return c, err
	}

	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Root) error {
	if v := os.Getenv("GATE_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("GATE_BUNDLE_ROOT"); v != "" {
		c.Bundles.Root = v
	}
	if v := os.Getenv("GATE_SUMMARY_DIR"); v != "" {
		c.Bundles.SummaryDir = v
	}
	if v := os.Getenv("GATE_RUN_STATE_PATH"); v != "" {
		c.Runtime.RunStatePath = v
	}
	if v := os.Getenv("GATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GATE_LISTEN_ADDR"); v != "" {
		c.Daemon.ListenAddr = v
	}
	if v := os.Getenv("GATE_MAX_BUFFER_STOPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GATE_MAX_BUFFER_STOPS %q: %w", v, err)
		}
		c.Gate.MaxBufferStops = &n
	}
	return nil
}

func applyDefaults(c *Root) {
	if c.Timezone == "" {
		c.Timezone = tradingday.DefaultZone
	}
	if c.RunIDPrefix == "" {
		c.RunIDPrefix = "run"
	}

	if c.Runtime.RunStatePath == "" {
		c.Runtime.RunStatePath = "runtime/run_state.json"
	}
	if c.Runtime.AuditLogPath == "" {
		c.Runtime.AuditLogPath = "logs/audit.jsonl"
	}
	if c.Runtime.StatusPath == "" {
		c.Runtime.StatusPath = "runtime/status.json"
	}
	if c.Runtime.StateSnapshotPath == "" {
		c.Runtime.StateSnapshotPath = "runtime/state_snapshot.json"
	}
	if c.Runtime.DailyMetricsPath == "" {
		c.Runtime.DailyMetricsPath = "runtime/daily_metrics.json"
	}
	if c.Runtime.SafeModePath == "" {
		c.Runtime.SafeModePath = "runtime/safe_mode.json"
	}
	if c.Runtime.JournalPattern == "" {
		c.Runtime.JournalPattern = "runtime/journal-{run_id}.db"
	}

	if c.Bundles.Root == "" {
		c.Bundles.Root = "reports/daily_bundles"
	}
	if c.Bundles.SummaryDir == "" {
		c.Bundles.SummaryDir = "reports/bundle_summary"
	}
	if c.Bundles.DefaultLast == 0 {
		c.Bundles.DefaultLast = 5
	}

	if c.Gate.MaxBufferStops == nil {
		one := 1
		c.Gate.MaxBufferStops = &one
	}

	if c.Reconstruct.ExpectedSafeModeReasons == nil {
		c.Reconstruct.ExpectedSafeModeReasons = []string{"manual"}
	}

	if c.Daemon.ListenAddr == "" {
		c.Daemon.ListenAddr = ":9108"
	}
	if c.Daemon.SealSchedule == "" {
		c.Daemon.SealSchedule = "5 0 * * *" // 00:05 reference time
	}
	if c.Daemon.CatchUpDays == 0 {
		c.Daemon.CatchUpDays = 7
	}
	if c.Daemon.SummaryRatePerMinute == 0 {
		c.Daemon.SummaryRatePerMinute = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File != "" {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = 50
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = 5
		}
		if c.Logging.MaxAgeDays == 0 {
			c.Logging.MaxAgeDays = 30
		}
	}
}

// Validate rejects configurations that would make the gate meaningless.
func (c Root) Validate() error {
	if c.Gate.MaxBufferStops != nil && *c.Gate.MaxBufferStops < 0 {
		return fmt.Errorf("gate.max_buffer_stops must be >= 0, got %d", *c.Gate.MaxBufferStops)
	}
	if c.Bundles.DefaultLast < 0 {
		return fmt.Errorf("bundles.default_last must be >= 0, got %d", c.Bundles.DefaultLast)
	}
	if _, err := tradingday.LoadLocation(c.Timezone); err != nil {
		return err
	}
	return nil
}

// Location resolves the reference timezone.
func (c Root) Location() (*time.Location, error) {
	return tradingday.LoadLocation(c.Timezone)
}

// JournalPath returns the order journal path for a run.
func (c Root) JournalPath(runID string) string {
	return strings.ReplaceAll(c.Runtime.JournalPattern, "{run_id}", runID)
}

// HashFile returns the sha256 hex digest of the file at path.
func HashFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
