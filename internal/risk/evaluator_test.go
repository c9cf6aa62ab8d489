package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-router/internal/config"
	"prop-router/internal/policy"
)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func TestEvaluateApprovesWithinLimits(t *testing.T) {
	intent := policy.Intent{
		Direction:  "LONG",
		EntryPrice: fp(100),
		StopLoss:   fp(95),
		Session:    "NY",
		Quantity:   ip(2),
	}
	rules := config.RiskRules{
		MaxContracts:          ip(5),
		MinStopDistancePoints: fp(2),
		AllowedSessions:       []string{"NY", "LDN"},
	}

	res := Evaluate("ftmo", intent, rules)
	assert.True(t, res.Approved())
	assert.Equal(t, "FTMO", res.Firm)
	assert.Empty(t, res.Rule)
	assert.Equal(t, 2, res.Details["quantity"])
	assert.Equal(t, 5, res.Details["max_contracts"])
	assert.Equal(t, "NY", res.Details["session"])
	assert.Equal(t, 5.0, res.Details["stop_distance"])
	assert.Equal(t, 2.0, res.Details["min_stop_distance_points"])
}

func TestEvaluateApprovedDetailsOnlyCheckedRules(t *testing.T) {
	res := Evaluate("FTMO", policy.Intent{Direction: "LONG", Quantity: ip(1)}, config.RiskRules{MaxContracts: ip(3)})
	require.True(t, res.Approved())
	assert.Equal(t, map[string]interface{}{"quantity": 1, "max_contracts": 3}, res.Details)
}

func TestEvaluateRejectsMaxContracts(t *testing.T) {
	intent := policy.Intent{Direction: "BUY", Quantity: ip(3)}
	res := Evaluate("APEX", intent, config.RiskRules{MaxContracts: ip(2)})

	require.Equal(t, policy.StatusRejected, res.Status)
	assert.Equal(t, RuleMaxContracts, res.Rule)
	assert.Contains(t, res.Reason, "3 exceeds 2")
	assert.Equal(t, 3, res.Details["quantity"])
}

func TestEvaluateRejectsSession(t *testing.T) {
	intent := policy.Intent{Direction: "LONG", Session: "asia"}
	res := Evaluate("FTMO", intent, config.RiskRules{AllowedSessions: []string{"NY", "LDN"}})

	require.False(t, res.Approved())
	assert.Equal(t, RuleAllowedSessions, res.Rule)
}

func TestEvaluateSessionCaseInsensitive(t *testing.T) {
	intent := policy.Intent{Direction: "LONG", Session: " ny "}
	res := Evaluate("FTMO", intent, config.RiskRules{AllowedSessions: []string{"NY"}})
	assert.True(t, res.Approved())
}

func TestEvaluateMinStopDistance(t *testing.T) {
	rules := config.RiskRules{MinStopDistancePoints: fp(5)}

	cases := []struct {
		name      string
		direction string
		entry     float64
		stop      float64
		approved  bool
	}{
		{"long far enough", "LONG", 100, 94, true},
		{"long too close", "LONG", 100, 97, false},
		{"short far enough", "SELL", 100, 106, true},
		{"short too close", "SHORT", 100, 102, false},
		{"stop on wrong side", "LONG", 100, 104, false},
		{"unknown direction", "SIDEWAYS", 100, 99, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := policy.Intent{Direction: tc.direction, EntryPrice: fp(tc.entry), StopLoss: fp(tc.stop)}
			res := Evaluate("TOPSTEP", intent, rules)
			assert.Equal(t, tc.approved, res.Approved())
			if !tc.approved {
				assert.Equal(t, RuleMinStopDistance, res.Rule)
			}
		})
	}
}

func TestEvaluateMissingInputsNotApplicable(t *testing.T) {
	rules := config.RiskRules{
		MaxContracts:          ip(1),
		MinStopDistancePoints: fp(10),
		AllowedSessions:       []string{"NY"},
	}
	res := Evaluate("MFFU", policy.Intent{Direction: "LONG"}, rules)
	assert.True(t, res.Approved())
}

func TestEvaluateFailsClosedOnBadInput(t *testing.T) {
	intent := policy.Intent{Direction: "LONG", EntryPrice: fp(math.NaN()), StopLoss: fp(90)}
	res := Evaluate("FTMO", intent, config.RiskRules{MinStopDistancePoints: fp(1)})

	assert.Equal(t, OnErrorStatus, res.Status)
	assert.Equal(t, RuleException, res.Rule)
	assert.NotEmpty(t, res.Reason)
}
