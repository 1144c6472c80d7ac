// Package runstate keeps the durable identity of the current run: which
// run_id bundles are filed under, how often it has been resumed, and the last
// trading day that was sealed. One process writes it at a time.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Rajchodisetti/trading-gate/internal/observ"
)

var (
	// ErrNoState means no run has been started yet.
	ErrNoState = errors.New("no run state")
	// ErrConfigChanged means a resume was requested under a different config.
	ErrConfigChanged = errors.New("config changed since run started; refusing to resume")
)

// StateCorruptError reports a persisted record that cannot be trusted.
type StateCorruptError struct {
	Path string
	Err  error
}

func (e *StateCorruptError) Error() string {
	return fmt.Sprintf("run state %s is corrupt: %v (inspect it, then `gatectl run reset` to start a new run)", e.Path, e.Err)
}

func (e *StateCorruptError) Unwrap() error { return e.Err }

// RunState is one continuous operating attempt.
type RunState struct {
	RunID         string    `json:"run_id"`
	ConfigHash    string    `json:"config_hash"`
	ConfigPath    string    `json:"config_path,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ResumeCount   int       `json:"resume_count"`
	LastBundleDay string    `json:"last_bundle_day,omitempty"`
}

var (
	pathUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	runIDShape = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ValidRunID reports whether id is safe to use as a single path element.
func ValidRunID(id string) bool {
	return runIDShape.MatchString(id) && id != "." && id != ".."
}

// Validate checks the invariants a loaded record must satisfy.
func (s RunState) Validate() error {
	if !ValidRunID(s.RunID) {
		return fmt.Errorf("run_id %q is not path-safe", s.RunID)
	}
	if s.StartedAt.IsZero() {
		return errors.New("started_at missing")
	}
	if s.ResumeCount < 0 {
		return fmt.Errorf("resume_count %d is negative", s.ResumeCount)
	}
	return nil
}

// NewRunID builds <prefix>-<UTC stamp>-<hash8>-<rand6>. The random part
// keeps two fresh starts under one config in the same second apart. Without
// a config hash only the random part is used.
func NewRunID(prefix, configHash string, now time.Time) string {
	prefix = pathUnsafe.ReplaceAllString(prefix, "_")
	if prefix == "" || prefix[0] == '.' || prefix[0] == '_' {
		prefix = "run" + prefix
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	stamp := now.UTC().Format("20060102T150405Z")
	if len(configHash) < 8 {
		return fmt.Sprintf("%s-%s-%s", prefix, stamp, random[:8])
	}
	hash := pathUnsafe.ReplaceAllString(configHash[:8], "_")
	return fmt.Sprintf("%s-%s-%s-%s", prefix, stamp, hash, random[:6])
}

// Store persists a RunState as JSON at path, guarded by path+".lock".
type Store struct {
	path     string
	lockPath string
	prefix   string
	now      func() time.Time
}

func NewStore(path, runIDPrefix string) *Store {
	return &Store{
		path:     path,
		lockPath: path + ".lock",
		prefix:   runIDPrefix,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Path() string { return s.path }

// Load reads the current record without taking the lock. Readers only ever
// see complete records because writers publish with rename.
func (s *Store) Load() (RunState, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunState{}, ErrNoState
		}
		return RunState{}, errors.Wrapf(err, "failed to read run state %s", s.path)
	}
	var st RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return RunState{}, &StateCorruptError{Path: s.path, Err: err}
	}
	if err := st.Validate(); err != nil {
		return RunState{}, &StateCorruptError{Path: s.path, Err: err}
	}
	return st, nil
}

// LoadOrCreate activates a run. With resume set and a prior record present
// the record is reused and resume_count incremented; otherwise a fresh run
// is created. A corrupt record is always an error, whatever resume says.
func (s *Store) LoadOrCreate(resume bool, configHash, configPath string) (RunState, error) {
	lock, err := acquire(s.lockPath)
	if err != nil {
		return RunState{}, err
	}
	defer lock.release()

	prior, err := s.Load()
	switch {
	case err == nil:
	case errors.Is(err, ErrNoState):
		resume = false
	default:
		return RunState{}, err
	}

	now := s.now()
	var st RunState
	if resume {
		if prior.ConfigHash != configHash {
			return RunState{}, errors.Wrapf(ErrConfigChanged, "run %s: stored hash %.8s, current %.8s",
				prior.RunID, prior.ConfigHash, configHash)
		}
		st = prior
		st.ResumeCount++
		st.UpdatedAt = now
	} else {
		id := NewRunID(s.prefix, configHash, now)
		for id == prior.RunID {
			id = NewRunID(s.prefix, configHash, now)
		}
		st = RunState{
			RunID:      id,
			ConfigHash: configHash,
			ConfigPath: configPath,
			StartedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := s.write(st); err != nil {
		return RunState{}, err
	}
	observ.RecordRunStart(resume)
	observ.Log("run_state_activated", map[string]any{
		"run_id":       st.RunID,
		"resume":       resume,
		"resume_count": st.ResumeCount,
		"path":         s.path,
	})
	return st, nil
}

// Persist writes st under the lock.
func (s *Store) Persist(st RunState) error {
	if err := st.Validate(); err != nil {
		return errors.Wrap(err, "refusing to persist invalid run state")
	}
	lock, err := acquire(s.lockPath)
	if err != nil {
		return err
	}
	defer lock.release()
	return s.write(st)
}

// MarkBundleSealed advances last_bundle_day. It never moves backwards.
func (s *Store) MarkBundleSealed(runID, day string) (RunState, error) {
	lock, err := acquire(s.lockPath)
	if err != nil {
		return RunState{}, err
	}
	defer lock.release()

	st, err := s.Load()
	if err != nil {
		return RunState{}, err
	}
	if st.RunID != runID {
		return st, fmt.Errorf("run state now belongs to %s, not %s", st.RunID, runID)
	}
	// YYYY-MM-DD compares correctly as a string.
	if day <= st.LastBundleDay {
		return st, nil
	}
	st.LastBundleDay = day
	st.UpdatedAt = s.now()
	if err := s.write(st); err != nil {
		return RunState{}, err
	}
	return st, nil
}

// Reset removes the record so the next start creates a new run.
func (s *Store) Reset() error {
	lock, err := acquire(s.lockPath)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove run state %s", s.path)
	}
	observ.Warn("run_state_reset", map[string]any{"path": s.path})
	return nil
}

// write publishes st with tmp+fsync+rename; callers hold the lock.
func (s *Store) write(st RunState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create run state directory")
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal run state")
	}

	tempPath := s.path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open temporary run state")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to write temporary run state")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to sync temporary run state")
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to close temporary run state")
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to rename run state")
	}
	return nil
}
