package bundle

import (
	"fmt"
	"strings"

	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// BundleUnavailableError means a day has neither a sealed bundle nor enough
// raw data to rebuild one.
type BundleUnavailableError struct {
	RunID  string
	Day    tradingday.Day
	Path   string
	Reason string
}

func (e *BundleUnavailableError) Error() string {
	return fmt.Sprintf("bundle unavailable for run %s day %s (%s): %s", e.RunID, e.Day, e.Path, e.Reason)
}

// PartialWriteDetectedError means a bundle directory exists but cannot be
// trusted: files are missing or do not match the manifest.
type PartialWriteDetectedError struct {
	Dir     string
	Missing []string
	Reason  string
}

func (e *PartialWriteDetectedError) Error() string {
	msg := fmt.Sprintf("incomplete bundle at %s", e.Dir)
	if len(e.Missing) > 0 {
		msg += ": missing " + strings.Join(e.Missing, ", ")
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg + " (remove the directory to let it be regenerated)"
}
