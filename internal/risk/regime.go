package risk

import (
	"fmt"
	"strings"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

// RegimePolicy is the static authorization matrix.
type RegimePolicy struct {
	// signal type -> regimes it may trade in
	TypeRegimes map[string][]string `yaml:"type_regimes"`
	// regime -> weakest signal strength accepted
	MinStrength map[string]model.SignalStrength `yaml:"min_strength"`
	// Global restriction applied on top of TypeRegimes. Empty means no restriction.
	AllowedRegimes []string `yaml:"allowed_regimes"`
}

type RegimeGate struct {
	typeRegimes map[string]map[string]bool
	minStrength map[string]model.SignalStrength
	allowed     map[string]bool
}

func NewRegimeGate(p RegimePolicy) *RegimeGate {
	g := &RegimeGate{
		typeRegimes: make(map[string]map[string]bool),
		minStrength: make(map[string]model.SignalStrength),
	}
	for typ, regimes := range p.TypeRegimes {
		set := make(map[string]bool, len(regimes))
		for _, r := range regimes {
			set[norm(r)] = true
		}
		g.typeRegimes[norm(typ)] = set
	}
	for r, s := range p.MinStrength {
		g.minStrength[norm(r)] = s
	}
	if len(p.AllowedRegimes) > 0 {
		g.allowed = make(map[string]bool, len(p.AllowedRegimes))
		for _, r := range p.AllowedRegimes {
			g.allowed[norm(r)] = true
		}
	}
	return g
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Check returns "" when the signal may trade, else a human-readable reason.
func (g *RegimeGate) Check(signalType, regime string, strength model.SignalStrength) string {
	typ, reg := norm(signalType), norm(regime)
	if g.allowed != nil && !g.allowed[reg] {
		return fmt.Sprintf("regime %q is not in ALLOWED_REGIMES", regime)
	}
	regimes, ok := g.typeRegimes[typ]
	if !ok {
		return fmt.Sprintf("signal type %q has no allowed regimes", signalType)
	}
	if !regimes[reg] {
		return fmt.Sprintf("signal type %q is not allowed in regime %q", signalType, regime)
	}
	if floor, ok := g.minStrength[reg]; ok && strength.Rank() < floor.Rank() {
		return fmt.Sprintf("%s signal below %s minimum for regime %q", strength, floor, regime)
	}
	return ""
}

func (g *RegimeGate) Name() string  { return "regime" }
func (g *RegimeGate) Priority() int { return PriorityRegime }

func (g *RegimeGate) Evaluate(ctx DecisionContext) Verdict {
	s := ctx.Signal
	if reason := g.Check(s.SignalType, s.Regime, s.SignalStrength); reason != "" {
		return Wait(model.CodeRegimeMismatch, reason)
	}
	return Pass()
}
