package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/trading-gate/internal/audit"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
	"github.com/Rajchodisetti/trading-gate/internal/runstate"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// OutcomeKind tags how a bundle came to be returned.
type OutcomeKind int

const (
	Sealed OutcomeKind = iota + 1
	Found
	Reconstructed
	Unavailable
)

func (k OutcomeKind) String() string {
	switch k {
	case Sealed:
		return "sealed"
	case Found:
		return "found"
	case Reconstructed:
		return "reconstructed"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// Outcome is the result of sealing or ensuring a day. Bundle is set for
// every kind except Unavailable, which carries Reason instead.
type Outcome struct {
	Kind   OutcomeKind
	Bundle Bundle
	Reason string
}

// Attachment is an optional extra file. Fill, when set, produces the file
// at dest itself (a database snapshot, for instance); otherwise Data is written.
type Attachment struct {
	Name   string
	Source string
	Data   []byte
	Fill   func(ctx context.Context, dest string) error
}

// SealRequest is everything that goes into one bundle.
type SealRequest struct {
	RunID          string
	Day            tradingday.Day
	Metrics        DailyMetrics
	StatusSnapshot json.RawMessage
	StateSnapshot  json.RawMessage
	Audit          []audit.Record
	Attachments    []Attachment
	// Sources maps a bundle file name to where its content came from.
	Sources map[string]string
	Notes   []string
	Origin  Origin
}

// Writer publishes bundles under root.
type Writer struct {
	root  string
	loc   *time.Location
	newID func() string
}

func NewWriter(root string, loc *time.Location) *Writer {
	return &Writer{
		root:  root,
		loc:   loc,
		newID: uuid.NewString,
	}
}

func (w *Writer) Root() string { return w.root }

func (w *Writer) Location() *time.Location { return w.loc }

// SealDay publishes req as <root>/<run>/<day>. An existing complete bundle is
// returned untouched as Found; an existing incomplete one is a
// *PartialWriteDetectedError and is never overwritten.
func (w *Writer) SealDay(ctx context.Context, req SealRequest) (Outcome, error) {
	if !runstate.ValidRunID(req.RunID) {
		return Outcome{}, fmt.Errorf("invalid run id %q", req.RunID)
	}
	if req.Day.IsZero() {
		return Outcome{}, fmt.Errorf("run %s: trading day is required", req.RunID)
	}
	if err := req.Metrics.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("run %s day %s: %w", req.RunID, req.Day, err)
	}
	if req.Origin == "" {
		req.Origin = OriginSealed
	}

	final := Dir(w.root, req.RunID, req.Day)
	if found, ok, err := w.existing(final); err != nil || ok {
		return found, err
	}

	start := time.Now()
	runDir := filepath.Join(w.root, req.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return Outcome{}, fmt.Errorf("failed to create run directory %s: %w", runDir, err)
	}
	staging := filepath.Join(runDir, stagingPrefix+w.newID())
	if err := os.Mkdir(staging, 0755); err != nil {
		return Outcome{}, fmt.Errorf("failed to create staging directory: %w", err)
	}

	if err := w.stage(ctx, staging, req); err != nil {
		os.RemoveAll(staging)
		observ.RecordBundleError("io")
		return Outcome{}, fmt.Errorf("failed to seal run %s day %s: %w", req.RunID, req.Day, err)
	}

	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		// Another sealer published first.
		if found, ok, ferr := w.existing(final); ok || ferr != nil {
			return found, ferr
		}
		return Outcome{}, fmt.Errorf("failed to publish bundle %s: %w", final, err)
	}
	if err := syncDir(runDir); err != nil {
		return Outcome{}, err
	}

	b, err := Open(final)
	if err != nil {
		return Outcome{}, err
	}
	kind := Sealed
	if req.Origin == OriginReconstructed {
		kind = Reconstructed
	}
	observ.RecordSeal(kind.String(), time.Since(start))
	observ.Log("bundle_sealed", map[string]any{
		"run_id":      req.RunID,
		"trading_day": req.Day.String(),
		"origin":      string(req.Origin),
		"dir":         final,
	})
	return Outcome{Kind: kind, Bundle: b}, nil
}

// Existing returns the sealed bundle for (runID, day) as Found without
// reading any raw source. The bool is false when no bundle exists yet.
func (w *Writer) Existing(runID string, day tradingday.Day) (Outcome, bool, error) {
	if !runstate.ValidRunID(runID) {
		return Outcome{}, false, fmt.Errorf("invalid run id %q", runID)
	}
	return w.existing(Dir(w.root, runID, day))
}

// existing reports whether a usable bundle is already at final. An empty
// directory counts as absent since rename replaces it.
func (w *Writer) existing(final string) (Outcome, bool, error) {
	b, err := Open(final)
	if err == nil {
		observ.RecordSeal(Found.String(), 0)
		return Outcome{Kind: Found, Bundle: b}, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) || isEmptyDir(final) {
		return Outcome{}, false, nil
	}
	var partial *PartialWriteDetectedError
	if errors.As(err, &partial) {
		observ.RecordBundleError("partial")
	}
	return Outcome{}, false, err
}

func (w *Writer) stage(ctx context.Context, dir string, req SealRequest) error {
	man := Manifest{
		Format:     manifestFormat,
		RunID:      req.RunID,
		TradingDay: req.Day,
		Origin:     req.Origin,
		Notes:      req.Notes,
	}
	add := func(f ManifestFile) {
		f.Source = req.Sources[f.Name]
		man.Files = append(man.Files, f)
	}

	metrics, err := marshalIndent(req.Metrics)
	if err != nil {
		return err
	}
	status, err := snapshotBytes(FileStatus, req.StatusSnapshot)
	if err != nil {
		return err
	}
	state, err := snapshotBytes(FileState, req.StateSnapshot)
	if err != nil {
		return err
	}
	var auditBuf bytes.Buffer
	if err := audit.Encode(&auditBuf, req.Audit); err != nil {
		return err
	}

	for _, f := range []struct {
		name string
		data []byte
	}{
		{FileMetrics, metrics},
		{FileStatus, status},
		{FileState, state},
		{FileAudit, auditBuf.Bytes()},
	} {
		if err := ctx.Err(); err != nil {
			return err
		}
		mf, err := writeSynced(filepath.Join(dir, f.name), f.data)
		if err != nil {
			return err
		}
		add(mf)
	}

	for _, a := range req.Attachments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checkAttachmentName(a.Name); err != nil {
			return err
		}
		path := filepath.Join(dir, a.Name)
		var mf ManifestFile
		if a.Fill != nil {
			if err := a.Fill(ctx, path); err != nil {
				return fmt.Errorf("failed to produce %s: %w", a.Name, err)
			}
			mf, err = syncExisting(path)
		} else {
			mf, err = writeSynced(path, a.Data)
		}
		if err != nil {
			return err
		}
		mf.Source = req.Sources[a.Name]
		if a.Source != "" {
			mf.Source = a.Source
		}
		man.Files = append(man.Files, mf)
	}

	sort.Slice(man.Files, func(i, j int) bool { return man.Files[i].Name < man.Files[j].Name })
	manifest, err := marshalIndent(man)
	if err != nil {
		return err
	}
	if _, err := writeSynced(filepath.Join(dir, FileManifest), manifest); err != nil {
		return err
	}
	return syncDir(dir)
}

func checkAttachmentName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid attachment name %q", name)
	}
	for _, r := range requiredFiles {
		if name == r {
			return fmt.Errorf("attachment %s collides with a bundle file", name)
		}
	}
	return nil
}

// SweepStaging removes staging directories left by interrupted seals that
// are older than minAge. Younger ones may belong to a live sealer.
func (w *Writer) SweepStaging(minAge time.Duration) (int, error) {
	runs, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list bundle root %s: %w", w.root, err)
	}
	cutoff := time.Now().Add(-minAge)
	removed := 0
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		runDir := filepath.Join(w.root, run.Name())
		entries, err := os.ReadDir(runDir)
		if err != nil {
			return removed, fmt.Errorf("failed to list %s: %w", runDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(runDir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				return removed, fmt.Errorf("failed to remove %s: %w", path, err)
			}
			removed++
			observ.Warn("staging_swept", map[string]any{"dir": path})
		}
	}
	return removed, nil
}

func marshalIndent(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// snapshotBytes keeps a snapshot verbatim. An absent snapshot is stored as null.
func snapshotBytes(name string, raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null\n"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%s is not valid JSON", name)
	}
	return raw, nil
}

func writeSynced(path string, data []byte) (ManifestFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return ManifestFile{}, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return ManifestFile{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ManifestFile{}, err
	}
	if err := f.Close(); err != nil {
		return ManifestFile{}, err
	}
	return ManifestFile{Name: filepath.Base(path), SHA256: sha256Hex(data), Size: int64(len(data))}, nil
}

func syncExisting(path string) (ManifestFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return ManifestFile{}, err
	}
	err = f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ManifestFile{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ManifestFile{}, err
	}
	return ManifestFile{Name: filepath.Base(path), SHA256: sha256Hex(data), Size: int64(len(data))}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", dir, err)
	}
	return nil
}
