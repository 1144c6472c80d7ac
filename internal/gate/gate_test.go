package gate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-gate/internal/bundle"
)

func TestEvaluate(t *testing.T) {
	testCases := []struct {
		name    string
		totals  bundle.DailyMetrics
		th      Thresholds
		policy1 bool
		policy2 bool
	}{
		{"clean_window", bundle.DailyMetrics{TotalTrades: 12}, DefaultThresholds(), true, true},
		{"single_breach", bundle.DailyMetrics{BreachEvents: 1}, DefaultThresholds(), false, true},
		{"unresolved_drift", bundle.DailyMetrics{UnresolvedDriftEvents: 1}, DefaultThresholds(), false, true},
		{"duplicate_order", bundle.DailyMetrics{DuplicateOrderEvents: 1}, DefaultThresholds(), false, true},
		{"buffer_stops_at_max", bundle.DailyMetrics{DailyBufferStopCount: 1}, DefaultThresholds(), true, true},
		{"buffer_stops_over_max", bundle.DailyMetrics{DailyBufferStopCount: 2}, DefaultThresholds(), true, false},
		{"raised_max", bundle.DailyMetrics{DailyBufferStopCount: 3}, Thresholds{MaxBufferStops: 3}, true, true},
		{"zero_max", bundle.DailyMetrics{DailyBufferStopCount: 1}, Thresholds{MaxBufferStops: 0}, true, false},
		{"unexpected_safe_mode", bundle.DailyMetrics{SafeModeUnexpectedEvents: 1}, DefaultThresholds(), true, false},
		{"both_fail", bundle.DailyMetrics{BreachEvents: 2, DailyBufferStopCount: 5}, DefaultThresholds(), false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := Evaluate(tc.totals, tc.th)
			assert.Equal(t, tc.policy1, v.PassesPolicy1)
			assert.Equal(t, tc.policy2, v.PassesPolicy2)
			assert.Equal(t, tc.policy1 && tc.policy2, v.GoNoGo())
			if v.GoNoGo() {
				assert.Empty(t, v.Reasons)
			} else {
				assert.NotEmpty(t, v.Reasons)
			}
		})
	}
}

func TestVerdictJSONRecomputesGoNoGo(t *testing.T) {
	v := Verdict{PassesPolicy1: true, PassesPolicy2: true}
	v.PassesPolicy2 = false

	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, false, out["go_no_go"])
	assert.Equal(t, true, out["passes_policy_1"])
	assert.Equal(t, []any{}, out["reasons"])
}
