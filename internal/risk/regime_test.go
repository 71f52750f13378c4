package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

func testRegimePolicy() RegimePolicy {
	return RegimePolicy{
		TypeRegimes: map[string][]string{
			"trend":    {"trending", "volatile"},
			"meanrev":  {"ranging"},
			"breakout": {"volatile", "trending"},
		},
		MinStrength: map[string]model.SignalStrength{
			"trending": model.Moderate,
			"volatile": model.Strong,
			"ranging":  model.Weak,
		},
	}
}

func TestRegimeGate(t *testing.T) {
	g := NewRegimeGate(testRegimePolicy())
	testCases := []struct {
		name     string
		typ      string
		regime   string
		strength model.SignalStrength
		allowed  bool
	}{
		{"trend in trending", "trend", "trending", model.Strong, true},
		{"exact minimum", "trend", "trending", model.Moderate, true},
		{"below minimum", "trend", "trending", model.Weak, false},
		{"volatile needs strong", "breakout", "volatile", model.Moderate, false},
		{"extreme beats strong", "breakout", "volatile", model.Extreme, true},
		{"pairing not allowed", "meanrev", "trending", model.Extreme, false},
		{"unknown type", "scalp", "ranging", model.Extreme, false},
		{"case insensitive", "TREND", "Trending", model.Strong, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reason := g.Check(tc.typ, tc.regime, tc.strength)
			assert.Equal(t, tc.allowed, reason == "", reason)
		})
	}
}

func TestRegimeGateGlobalRestriction(t *testing.T) {
	p := testRegimePolicy()
	p.AllowedRegimes = []string{"trending"}
	g := NewRegimeGate(p)

	assert.Empty(t, g.Check("trend", "trending", model.Strong))
	assert.Contains(t, g.Check("breakout", "volatile", model.Extreme), "ALLOWED_REGIMES")

	v := g.Evaluate(DecisionContext{Signal: model.CompositeSignal{SignalType: "meanrev", Regime: "ranging", SignalStrength: model.Strong}})
	assert.Equal(t, model.ActionWait, v.Action)
	assert.Equal(t, model.CodeRegimeMismatch, v.Code)
	assert.NotEmpty(t, v.Reason)
	assert.Empty(t, v.Event)
}
