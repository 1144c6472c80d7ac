package observ

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Pretty     bool   `yaml:"pretty"` // human readable console output
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout, zerolog.InfoLevel)
)

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Init configures the package logger. Console output always goes to stdout;
// when cfg.File is set the same events are also written to a rotating file.
func Init(cfg LogConfig) error {
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var console io.Writer = os.Stdout
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	writers := []io.Writer{console}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	logMu.Lock()
	logger = newLogger(zerolog.MultiLevelWriter(writers...), parseLevel(cfg.Level))
	logMu.Unlock()
	return nil
}

// SetOutput redirects all events to w. Used by tests to capture output.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w, logger.GetLevel())
}

// Logger returns the current process logger.
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log emits one structured event line.
func Log(event string, kv map[string]any) {
	l := Logger()
	l.Info().Str("event", event).Fields(kv).Send()
}

// Warn emits an event at warn level.
func Warn(event string, kv map[string]any) {
	l := Logger()
	l.Warn().Str("event", event).Fields(kv).Send()
}

// Error emits an event at error level with err attached.
func Error(event string, err error, kv map[string]any) {
	l := Logger()
	l.Error().Str("event", event).Err(err).Fields(kv).Send()
}
