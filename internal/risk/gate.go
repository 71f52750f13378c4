package risk

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/audit"
	"github.com/Rajchodisetti/futures-guard/internal/model"
)

// DecisionContext is the view of a trade intent every gate sees.
type DecisionContext struct {
	Signal        model.CompositeSignal
	Symbol        string
	Side          model.Side
	FeatureKey    string
	Market        model.MarketContext
	Unrealized    decimal.Decimal
	CorrelationID string
	Timestamp     time.Time
	// Intent is filled in by the idempotency step and read by the steps after it.
	Intent *OrderIntent
}

type OrderIntent struct {
	Price    decimal.Decimal
	Size     decimal.Decimal
	Leverage decimal.Decimal
	Margin   decimal.Decimal
	Key      string
}

// Verdict is a gate outcome. Pass is true when the gate clears the intent;
// otherwise Action/Code explain the refusal and Event names the audit event
// to emit, if any.
type Verdict struct {
	Pass       bool
	Action     model.Action
	Code       model.Code
	Reason     string
	RetryAfter time.Duration
	Event      audit.EventType
	Severity   audit.Severity
	Payload    map[string]any
}

func Pass() Verdict { return Verdict{Pass: true, Code: model.CodeOK} }

// Reject builds a rejected verdict audited as risk_rejection.
func Reject(code model.Code, reason string) Verdict {
	return Verdict{Action: model.ActionRejected, Code: code, Reason: reason, Event: audit.RiskRejection, Severity: audit.SeverityWarning}
}

// Wait builds a policy pause. Waits are not audited as rejections.
func Wait(code model.Code, reason string) Verdict {
	return Verdict{Action: model.ActionWait, Code: code, Reason: reason}
}

func FromReject(err *model.RejectError, action model.Action) Verdict {
	v := Reject(err.Code, err.Message)
	v.Action = action
	v.RetryAfter = err.RetryAfter
	return v
}

// RiskGate is one step of the entry pipeline.
type RiskGate interface {
	Name() string
	Evaluate(ctx DecisionContext) Verdict
	Priority() int // Lower runs first
}

// GateFunc adapts a closure to RiskGate.
type GateFunc struct {
	GateName     string
	GatePriority int
	Fn           func(ctx DecisionContext) Verdict
}

func (g GateFunc) Name() string                         { return g.GateName }
func (g GateFunc) Priority() int                        { return g.GatePriority }
func (g GateFunc) Evaluate(ctx DecisionContext) Verdict { return g.Fn(ctx) }

// Pipeline runs gates in priority order and stops at the first refusal.
type Pipeline struct {
	gates []RiskGate
}

func NewPipeline(gates ...RiskGate) *Pipeline {
	sorted := append([]RiskGate(nil), gates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &Pipeline{gates: sorted}
}

// Run returns the first failing verdict together with the gate that produced
// it, and the names of the gates that passed before it.
func (p *Pipeline) Run(ctx DecisionContext) (Verdict, string, []string) {
	passed := make([]string, 0, len(p.gates))
	for _, g := range p.gates {
		v := g.Evaluate(ctx)
		if !v.Pass {
			return v, g.Name(), passed
		}
		passed = append(passed, g.Name())
	}
	return Pass(), "", passed
}

func (p *Pipeline) Names() []string {
	names := make([]string, len(p.gates))
	for i, g := range p.gates {
		names[i] = g.Name()
	}
	return names
}

// Gate priorities. Cheap per-intent checks run before stateful ones, a replay
// is recognised before any gate that would count it as a new entry, and the
// portfolio circuit breaker always runs last.
const (
	PrioritySymbol         = 10
	PriorityAuthorization  = 20
	PriorityCredentials    = 30
	PriorityIdempotency    = 35
	PriorityRegime         = 40
	PriorityLossBreaker    = 50
	PriorityRateLimit      = 60
	PriorityPositions      = 70
	PriorityKillswitch     = 80
	PrioritySizing         = 90
	PriorityCircuitBreaker = 1000
)
