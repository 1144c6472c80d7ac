package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-gate/internal/audit"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

func prague(t *testing.T) *time.Location {
	t.Helper()
	loc, err := tradingday.LoadLocation(tradingday.DefaultZone)
	require.NoError(t, err)
	return loc
}

func mustDay(t *testing.T, s string) tradingday.Day {
	t.Helper()
	d, err := tradingday.ParseDay(s)
	require.NoError(t, err)
	return d
}

func sampleRequest(t *testing.T) SealRequest {
	t.Helper()
	records, _, err := audit.Parse(strings.NewReader(
		`{"ts":"2026-03-28T09:00:00Z","run_id":"r1","event":"state_check","payload":{"allow":false,"reason":"Daily buffer reached"}}` + "\n" +
			`{"ts":"2026-03-28T10:00:00Z","run_id":"r1","event":"order_submitted","payload":{"id":"a"}}` + "\n"))
	require.NoError(t, err)
	return SealRequest{
		RunID: "r1",
		Day:   mustDay(t, "2026-03-28"),
		Metrics: DailyMetrics{
			DailyBufferStopCount: 1,
			TotalTrades:          1,
			MinDailyHeadroom:     Known(decimal.RequireFromString("50.25")),
		},
		StatusSnapshot: json.RawMessage(`{"now":"2026-03-28T20:00:00Z","headroom":{"daily":50.25,"maximum":900}}`),
		StateSnapshot:  json.RawMessage(`{"trades":[]}`),
		Audit:          records,
		Attachments:    []Attachment{{Name: FileSafeMode, Source: "runtime/safe_mode.json", Data: []byte(`{"enabled":false}`)}},
		Sources:        map[string]string{FileStatus: "runtime/status.json"},
	}
}

// snapshotTree maps every file below dir to its bytes.
func snapshotTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		out[rel] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSealDayIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, prague(t))
	ctx := context.Background()

	first, err := w.SealDay(ctx, sampleRequest(t))
	require.NoError(t, err)
	assert.Equal(t, Sealed, first.Kind)
	assert.Equal(t, OriginSealed, first.Bundle.Origin())
	before := snapshotTree(t, root)

	second, err := w.SealDay(ctx, sampleRequest(t))
	require.NoError(t, err)
	assert.Equal(t, Found, second.Kind)
	assert.Equal(t, before, snapshotTree(t, root))

	assert.Equal(t, 1, second.Bundle.Metrics.DailyBufferStopCount)
	assert.True(t, second.Bundle.Metrics.MinDailyHeadroom.Decimal.Equal(decimal.RequireFromString("50.25")))
	assert.Len(t, second.Bundle.Audit, 2)
}

func TestSealDayIsDeterministicAcrossRoots(t *testing.T) {
	ctx := context.Background()
	a := NewWriter(t.TempDir(), prague(t))
	b := NewWriter(t.TempDir(), prague(t))

	_, err := a.SealDay(ctx, sampleRequest(t))
	require.NoError(t, err)
	_, err = b.SealDay(ctx, sampleRequest(t))
	require.NoError(t, err)

	assert.Equal(t, snapshotTree(t, a.Root()), snapshotTree(t, b.Root()))
}

func TestSealDayLeavesNoStaging(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, prague(t))
	_, err := w.SealDay(context.Background(), sampleRequest(t))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "r1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2026-03-28", entries[0].Name())

	man, err := os.ReadFile(filepath.Join(root, "r1", "2026-03-28", FileManifest))
	require.NoError(t, err)
	assert.Contains(t, string(man), `"source": "runtime/status.json"`)
	assert.NotContains(t, string(man), root)
}

func TestSealDayCancelledLeavesNothingVisible(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, prague(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.SealDay(ctx, sampleRequest(t))
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(filepath.Join(root, "r1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPartialBundleIsNeverTrusted(t *testing.T) {
	testCases := []struct {
		name    string
		prepare func(t *testing.T, dir string)
	}{
		{
			name: "manifest_missing",
			prepare: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, FileManifest)))
			},
		},
		{
			name: "audit_missing",
			prepare: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, FileAudit)))
			},
		},
		{
			name: "metrics_tampered",
			prepare: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, FileMetrics), []byte(`{"breach_events":0}`), 0644))
			},
		},
		{
			name: "attachment_truncated",
			prepare: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, FileSafeMode), nil, 0644))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			w := NewWriter(root, prague(t))
			out, err := w.SealDay(context.Background(), sampleRequest(t))
			require.NoError(t, err)
			tc.prepare(t, out.Bundle.Dir)

			_, err = Open(out.Bundle.Dir)
			var partial *PartialWriteDetectedError
			require.True(t, errors.As(err, &partial), "err=%v", err)
			assert.Equal(t, out.Bundle.Dir, partial.Dir)

			before := snapshotTree(t, root)
			_, err = w.SealDay(context.Background(), sampleRequest(t))
			assert.True(t, errors.As(err, &partial))
			assert.Equal(t, before, snapshotTree(t, root))
		})
	}
}

func TestSealDayReplacesEmptyDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "r1", "2026-03-28"), 0755))

	w := NewWriter(root, prague(t))
	out, err := w.SealDay(context.Background(), sampleRequest(t))
	require.NoError(t, err)
	assert.Equal(t, Sealed, out.Kind)
}

func TestSealDayRejectsUnsafeInput(t *testing.T) {
	w := NewWriter(t.TempDir(), prague(t))
	ctx := context.Background()

	req := sampleRequest(t)
	req.RunID = "../r1"
	_, err := w.SealDay(ctx, req)
	assert.Error(t, err)

	req = sampleRequest(t)
	req.Attachments = []Attachment{{Name: FileMetrics, Data: []byte("{}")}}
	_, err = w.SealDay(ctx, req)
	assert.Error(t, err)

	req = sampleRequest(t)
	req.StatusSnapshot = json.RawMessage(`{"now":`)
	_, err = w.SealDay(ctx, req)
	assert.Error(t, err)
}

func TestSweepStagingRemovesOnlyOldDirs(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "r1", stagingPrefix+"old")
	fresh := filepath.Join(root, "r1", stagingPrefix+"fresh")
	require.NoError(t, os.MkdirAll(old, 0755))
	require.NoError(t, os.MkdirAll(fresh, 0755))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	w := NewWriter(root, prague(t))
	n, err := w.SweepStaging(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
}

func TestListOrdersByDayThenRun(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"r2/2026-03-28", "r1/2026-03-29", "r1/2026-03-28",
		"r1/.staging-x", "r1/notes", "r1/2026-3-1", ".hidden/2026-03-28",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, p), 0755))
	}

	refs, err := List(root)
	require.NoError(t, err)
	var got []string
	for _, r := range refs {
		got = append(got, r.RunID+"/"+r.Day.String())
	}
	assert.Equal(t, []string{"r1/2026-03-28", "r2/2026-03-28", "r1/2026-03-29"}, got)

	refs, err = List(filepath.Join(root, "absent"))
	assert.NoError(t, err)
	assert.Empty(t, refs)
}

func TestDailyMetricsFold(t *testing.T) {
	a := DailyMetrics{BreachEvents: 1, TotalTrades: 2, MinDailyHeadroom: Known(decimal.NewFromInt(50))}
	b := DailyMetrics{DailyBufferStopCount: 1, TotalTrades: 3, MinMaxHeadroom: Known(decimal.NewFromInt(700))}
	c := DailyMetrics{MinDailyHeadroom: Known(decimal.NewFromInt(45)), MaxDrawdownPct: Known(decimal.RequireFromString("0.02"))}

	total := DailyMetrics{}.Add(a).Add(b).Add(c)
	assert.Equal(t, 1, total.BreachEvents)
	assert.Equal(t, 1, total.DailyBufferStopCount)
	assert.Equal(t, 5, total.TotalTrades)
	assert.True(t, total.MinDailyHeadroom.Decimal.Equal(decimal.NewFromInt(45)))
	assert.True(t, total.MinMaxHeadroom.Decimal.Equal(decimal.NewFromInt(700)))
	assert.True(t, total.MaxDrawdownPct.Valid)

	// Unknown headroom stays unknown rather than becoming zero.
	none := DailyMetrics{}.Add(DailyMetrics{BreachEvents: 1})
	assert.False(t, none.MinDailyHeadroom.Valid)
	b2, err := json.Marshal(none)
	require.NoError(t, err)
	assert.Contains(t, string(b2), `"min_daily_headroom":null`)

	b3, err := json.Marshal(total)
	require.NoError(t, err)
	assert.Contains(t, string(b3), `"min_daily_headroom":45`)
}

func TestDailyMetricsAbsentCountsReadAsZero(t *testing.T) {
	var m DailyMetrics
	require.NoError(t, json.Unmarshal([]byte(`{"breach_events":2,"min_max_headroom":"812.5"}`), &m))
	assert.Equal(t, 2, m.BreachEvents)
	assert.Zero(t, m.DuplicateOrderEvents)
	assert.False(t, m.MinDailyHeadroom.Valid)
	assert.True(t, m.MinMaxHeadroom.Decimal.Equal(decimal.RequireFromString("812.5")))
}

func TestNegativeCountsAreRejected(t *testing.T) {
	w := NewWriter(t.TempDir(), prague(t))
	ctx := context.Background()

	req := sampleRequest(t)
	req.Metrics.BreachEvents = -1
	_, err := w.SealDay(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breach_events")
	assert.NoDirExists(t, Dir(w.Root(), "r1", req.Day))

	// A bundle whose metrics were rewritten with a consistent manifest is
	// still refused.
	out, err := w.SealDay(ctx, sampleRequest(t))
	require.NoError(t, err)
	metrics := []byte(`{"breach_events":-1}` + "\n")
	require.NoError(t, os.WriteFile(filepath.Join(out.Bundle.Dir, FileMetrics), metrics, 0644))
	man := out.Bundle.Manifest
	for i := range man.Files {
		if man.Files[i].Name == FileMetrics {
			man.Files[i].SHA256 = sha256Hex(metrics)
			man.Files[i].Size = int64(len(metrics))
		}
	}
	raw, err := marshalIndent(man)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(out.Bundle.Dir, FileManifest), raw, 0644))

	_, err = Open(out.Bundle.Dir)
	var partial *PartialWriteDetectedError
	require.True(t, errors.As(err, &partial), "err=%v", err)
	assert.Contains(t, partial.Reason, "breach_events")
}

func TestDailyMetricsValidate(t *testing.T) {
	assert.NoError(t, DailyMetrics{BreachEvents: 1}.Validate())
	assert.Error(t, DailyMetrics{DuplicateOrderEvents: -1}.Validate())
	assert.Error(t, DailyMetrics{DisconnectEvents: -2}.Validate())
}
