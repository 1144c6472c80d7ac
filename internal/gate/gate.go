// Package gate applies the go/no-go acceptance policies to window totals.
package gate

import (
	"encoding/json"
	"fmt"

	"github.com/Rajchodisetti/trading-gate/internal/bundle"
	"github.com/Rajchodisetti/trading-gate/internal/observ"
)

// Thresholds are the configurable policy limits.
type Thresholds struct {
	MaxBufferStops int `json:"max_buffer_stops"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{MaxBufferStops: 1}
}

// Verdict holds both policy results. The combined decision is derived on
// demand and cannot be set on its own.
type Verdict struct {
	PassesPolicy1 bool
	PassesPolicy2 bool
	Reasons       []string
}

func (v Verdict) GoNoGo() bool {
	return v.PassesPolicy1 && v.PassesPolicy2
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		GoNoGo        bool     `json:"go_no_go"`
		PassesPolicy1 bool     `json:"passes_policy_1"`
		PassesPolicy2 bool     `json:"passes_policy_2"`
		Reasons       []string `json:"reasons"`
	}{v.GoNoGo(), v.PassesPolicy1, v.PassesPolicy2, nonNil(v.Reasons)})
}

// Evaluate checks totals against both policies.
//
// Policy 1 is zero tolerance: no breaches, unresolved drift or duplicate
// orders. Policy 2 allows at most th.MaxBufferStops daily buffer stops and
// no unexpected safe-mode activations.
func Evaluate(totals bundle.DailyMetrics, th Thresholds) Verdict {
	v := Verdict{PassesPolicy1: true, PassesPolicy2: true}

	if totals.BreachEvents != 0 {
		v.PassesPolicy1 = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("policy_1: %d breach events", totals.BreachEvents))
	}
	if totals.UnresolvedDriftEvents != 0 {
		v.PassesPolicy1 = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("policy_1: %d unresolved drift events", totals.UnresolvedDriftEvents))
	}
	if totals.DuplicateOrderEvents != 0 {
		v.PassesPolicy1 = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("policy_1: %d duplicate order events", totals.DuplicateOrderEvents))
	}

	if totals.DailyBufferStopCount > th.MaxBufferStops {
		v.PassesPolicy2 = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("policy_2: %d daily buffer stops exceed max %d",
			totals.DailyBufferStopCount, th.MaxBufferStops))
	}
	if totals.SafeModeUnexpectedEvents != 0 {
		v.PassesPolicy2 = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("policy_2: %d unexpected safe-mode events", totals.SafeModeUnexpectedEvents))
	}

	observ.RecordVerdict(v.PassesPolicy1, v.PassesPolicy2, v.GoNoGo())
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
