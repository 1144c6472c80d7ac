// Package bundle seals, opens and rebuilds the immutable per-day bundles
// filed under <root>/<run_id>/<YYYY-MM-DD>/.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Rajchodisetti/trading-gate/internal/audit"
	"github.com/Rajchodisetti/trading-gate/internal/runstate"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// Files every complete bundle carries.
const (
	FileMetrics  = "daily_metrics.json"
	FileStatus   = "status.json"
	FileState    = "state_snapshot.json"
	FileAudit    = "audit.log"
	FileManifest = "manifest.json"
)

// Optional attachments.
const (
	FileJournal   = "journal.db"
	FileRunState  = "run_state.json"
	FileSafeMode  = "safe_mode.json"
	FileLedgerDay = "daily_metrics_day.json"
)

const (
	stagingPrefix  = ".staging-"
	manifestFormat = 1
)

var requiredFiles = []string{FileMetrics, FileStatus, FileState, FileAudit, FileManifest}

type Origin string

const (
	OriginSealed        Origin = "sealed"
	OriginReconstructed Origin = "reconstructed"
)

// ManifestFile describes one file in the bundle.
type ManifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Source string `json:"source,omitempty"`
}

// Manifest is written last; its presence marks a bundle as complete.
type Manifest struct {
	Format     int            `json:"format"`
	RunID      string         `json:"run_id"`
	TradingDay tradingday.Day `json:"trading_day"`
	Origin     Origin         `json:"origin"`
	Files      []ManifestFile `json:"files"`
	Notes      []string       `json:"notes,omitempty"`
}

func (m Manifest) file(name string) (ManifestFile, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return ManifestFile{}, false
}

// Bundle is a parsed, verified bundle directory.
type Bundle struct {
	Dir            string
	RunID          string
	Day            tradingday.Day
	Metrics        DailyMetrics
	StatusSnapshot json.RawMessage
	StateSnapshot  json.RawMessage
	Audit          []audit.Record
	Manifest       Manifest
}

func (b Bundle) Origin() Origin { return b.Manifest.Origin }

// Dir is the final location of the bundle for (runID, day).
func Dir(root, runID string, day tradingday.Day) string {
	return filepath.Join(root, runID, day.String())
}

// Open reads and verifies the bundle in dir. A missing directory returns an
// error matching fs.ErrNotExist; anything short of a complete, checksummed
// bundle is a *PartialWriteDetectedError.
func Open(dir string) (Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to read bundle %s: %w", dir, err)
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			present[e.Name()] = true
		}
	}
	var missing []string
	for _, name := range requiredFiles {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Bundle{}, &PartialWriteDetectedError{Dir: dir, Missing: missing}
	}

	raw, err := os.ReadFile(filepath.Join(dir, FileManifest))
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to read manifest in %s: %w", dir, err)
	}
	var man Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return Bundle{}, &PartialWriteDetectedError{Dir: dir, Reason: "manifest unreadable: " + err.Error()}
	}

	runID := filepath.Base(filepath.Dir(dir))
	day, err := tradingday.ParseDay(filepath.Base(dir))
	if err != nil {
		return Bundle{}, &PartialWriteDetectedError{Dir: dir, Reason: "directory name is not a trading day"}
	}
	if man.RunID != runID || man.TradingDay != day {
		return Bundle{}, &PartialWriteDetectedError{Dir: dir,
			Reason: fmt.Sprintf("manifest names run %s day %s", man.RunID, man.TradingDay)}
	}

	contents := make(map[string][]byte, len(man.Files))
	for _, f := range man.Files {
		b, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			if os.IsNotExist(err) {
				return Bundle{}, &PartialWriteDetectedError{Dir: dir, Missing: []string{f.Name}}
			}
			return Bundle{}, fmt.Errorf("failed to read %s in %s: %w", f.Name, dir, err)
		}
		if sum := sha256Hex(b); sum != f.SHA256 || int64(len(b)) != f.Size {
			return Bundle{}, &PartialWriteDetectedError{Dir: dir, Reason: f.Name + " does not match manifest checksum"}
		}
		contents[f.Name] = b
	}
	for _, name := range requiredFiles[:len(requiredFiles)-1] {
		if _, ok := man.file(name); !ok {
			return Bundle{}, &PartialWriteDetectedError{Dir: dir, Reason: "manifest does not list " + name}
		}
	}

	bundle := Bundle{
		Dir:            dir,
		RunID:          runID,
		Day:            day,
		StatusSnapshot: json.RawMessage(contents[FileStatus]),
		StateSnapshot:  json.RawMessage(contents[FileState]),
		Manifest:       man,
	}
	if err := json.Unmarshal(contents[FileMetrics], &bundle.Metrics); err != nil {
		return Bundle{}, &PartialWriteDetectedError{Dir: dir, Reason: "daily metrics unreadable: " + err.Error()}
	}
	if err := bundle.Metrics.Validate(); err != nil {
		return Bundle{}, &PartialWriteDetectedError{Dir: dir, Reason: "daily metrics invalid: " + err.Error()}
	}
	records, skipped, err := audit.Parse(bytes.NewReader(contents[FileAudit]))
	if err != nil {
		return Bundle{}, err
	}
	if skipped > 0 {
		return Bundle{}, &PartialWriteDetectedError{Dir: dir, Reason: fmt.Sprintf("%d unreadable audit lines", skipped)}
	}
	bundle.Audit = records
	return bundle, nil
}

// Ref locates a bundle directory without opening it.
type Ref struct {
	RunID string
	Day   tradingday.Day
	Dir   string
}

// List returns every <run>/<day> directory under root, ordered by
// (day, run). Staging directories and names that are not run ids or days
// are ignored. A missing root lists nothing.
func List(root string) ([]Ref, error) {
	runs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list bundle root %s: %w", root, err)
	}

	var refs []Ref
	for _, run := range runs {
		if !run.IsDir() || !runstate.ValidRunID(run.Name()) {
			continue
		}
		refsForRun, err := ListRun(root, run.Name())
		if err != nil {
			return nil, err
		}
		refs = append(refs, refsForRun...)
	}
	sortRefs(refs)
	return refs, nil
}

// ListRun is List restricted to one run.
func ListRun(root, runID string) ([]Ref, error) {
	runDir := filepath.Join(root, runID)
	days, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list run %s: %w", runDir, err)
	}
	var refs []Ref
	for _, d := range days {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		day, err := tradingday.ParseDay(d.Name())
		if err != nil || day.String() != d.Name() {
			continue
		}
		refs = append(refs, Ref{RunID: runID, Day: day, Dir: filepath.Join(runDir, d.Name())})
	}
	sortRefs(refs)
	return refs, nil
}

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if c := refs[i].Day.Compare(refs[j].Day); c != 0 {
			return c < 0
		}
		return refs[i].RunID < refs[j].RunID
	})
}

// isEmptyDir reports whether dir exists and has no entries.
func isEmptyDir(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	return err == io.EOF
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
