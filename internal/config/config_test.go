package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "Europe/Prague", c.Timezone)
	assert.Equal(t, "runtime/run_state.json", c.Runtime.RunStatePath)
	assert.Equal(t, "reports/daily_bundles", c.Bundles.Root)
	assert.Equal(t, 5, c.Bundles.DefaultLast)
	require.NotNil(t, c.Gate.MaxBufferStops)
	assert.Equal(t, 1, *c.Gate.MaxBufferStops)
	assert.Equal(t, []string{"manual"}, c.Reconstruct.ExpectedSafeModeReasons)
	assert.Equal(t, "runtime/journal-r1.db", c.JournalPath("r1"))
}

func TestLoadYAMLKeepsExplicitZeroThreshold(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "gate.yaml", `
timezone: Europe/Prague
run_id_prefix: ftmo
gate:
  max_buffer_stops: 0
bundles:
  root: /data/bundles
  default_last: 3
reconstruct:
  expected_safe_mode_reasons: ["manual", "maintenance"]
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, *c.Gate.MaxBufferStops)
	assert.Equal(t, "/data/bundles", c.Bundles.Root)
	assert.Equal(t, 3, c.Bundles.DefaultLast)
	assert.Equal(t, "ftmo", c.RunIDPrefix)
	assert.Len(t, c.Reconstruct.ExpectedSafeModeReasons, 2)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("GATE_BUNDLE_ROOT", "/tmp/b")
	t.Setenv("GATE_MAX_BUFFER_STOPS", "2")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b", c.Bundles.Root)
	assert.Equal(t, 2, *c.Gate.MaxBufferStops)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	testCases := []struct {
		name string
		body string
	}{
		{"negative_threshold", "gate:\n  max_buffer_stops: -1\n"},
		{"unknown_zone", "timezone: Mars/Olympus\n"},
		{"bad_yaml", "gate: [\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, tc.name+".yaml", tc.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestHashFileChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "svc.yaml", "a: 1\n")
	h1, err := HashFile(p)
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	writeFile(t, dir, "svc.yaml", "a: 2\n")
	h2, err := HashFile(p)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestExampleConfigLoads(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "gate.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "5 0 * * *", c.Daemon.SealSchedule)
	assert.Equal(t, "runtime/journal-r1.db", c.JournalPath("r1"))
	assert.Equal(t, []string{"manual"}, c.Reconstruct.ExpectedSafeModeReasons)
}
