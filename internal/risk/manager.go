package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/audit"
	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/money"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type RiskManagerConfig struct {
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
}

// Assessment is the portfolio view from the last evaluation.
type Assessment struct {
	Equity                  decimal.Decimal `json:"equity"`
	PeakEquity              decimal.Decimal `json:"peak_equity"`
	RealizedPnl             decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl           decimal.Decimal `json:"unrealized_pnl"`
	DrawdownPct             decimal.Decimal `json:"drawdown_pct"`
	OverallRisk             RiskLevel       `json:"overall_risk"`
	CircuitBreakerTriggered bool            `json:"circuit_breaker_triggered"`
	TriggeredAt             time.Time       `json:"triggered_at,omitempty"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// RiskManager tracks peak equity and latches a portfolio circuit breaker once
// drawdown exceeds MaxDrawdownPct. The latch only clears through Reset.
type RiskManager struct {
	mu          sync.Mutex
	maxDrawdown decimal.Decimal
	peak        decimal.Decimal
	realized    decimal.Decimal
	last        Assessment
}

func NewRiskManager(cfg RiskManagerConfig) *RiskManager {
	return &RiskManager{
		maxDrawdown: decimal.NewFromFloat(cfg.MaxDrawdownPct),
		last:        Assessment{OverallRisk: RiskLow},
	}
}

// Evaluate recomputes drawdown from balance plus open unrealized PnL.
func (rm *RiskManager) Evaluate(balance, unrealized decimal.Decimal, now time.Time) Assessment {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	equity := money.Add(balance, unrealized)
	if equity.GreaterThan(rm.peak) {
		rm.peak = equity
	}
	dd := money.DrawdownPercent(rm.peak, equity)

	a := rm.last
	a.Equity = equity
	a.PeakEquity = rm.peak
	a.RealizedPnl = rm.realized
	a.UnrealizedPnl = unrealized
	a.DrawdownPct = dd
	a.UpdatedAt = now
	a.OverallRisk = rm.classify(dd)
	if rm.maxDrawdown.IsPositive() && dd.GreaterThan(rm.maxDrawdown) && !a.CircuitBreakerTriggered {
		a.CircuitBreakerTriggered = true
		a.TriggeredAt = now
		observ.Log("circuit_breaker_triggered", map[string]any{
			"drawdown_pct": dd.String(), "max_drawdown_pct": rm.maxDrawdown.String(), "equity": equity.String(),
		})
	}
	if a.CircuitBreakerTriggered {
		a.OverallRisk = RiskCritical
	}
	rm.last = a

	f, _ := dd.Float64()
	observ.SetDrawdown(f)
	observ.SetCircuitBreaker(a.CircuitBreakerTriggered)
	return a
}

func (rm *RiskManager) classify(dd decimal.Decimal) RiskLevel {
	if !rm.maxDrawdown.IsPositive() {
		return RiskLow
	}
	ratio := dd.Div(rm.maxDrawdown)
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return RiskCritical
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.75)):
		return RiskHigh
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.5)):
		return RiskMedium
	}
	return RiskLow
}

func (rm *RiskManager) RecordRealized(pnl decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.realized = money.Add(rm.realized, pnl)
}

// Reset clears a latched breaker and re-bases the peak on the current equity.
func (rm *RiskManager) Reset(userID, reason string) (Assessment, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if userID == "" {
		return rm.last, fmt.Errorf("circuit breaker reset requires a user")
	}
	rm.peak = rm.last.Equity
	rm.last.PeakEquity = rm.peak
	rm.last.DrawdownPct = decimal.Zero
	rm.last.CircuitBreakerTriggered = false
	rm.last.TriggeredAt = time.Time{}
	rm.last.OverallRisk = RiskLow
	observ.SetCircuitBreaker(false)
	observ.Log("circuit_breaker_reset", map[string]any{"user_id": userID, "reason": reason})
	return rm.last, nil
}

func (rm *RiskManager) Last() Assessment {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.last
}

// Gate blocks unconditionally while the breaker is latched or risk is critical.
func (rm *RiskManager) Gate(ctx DecisionContext) Verdict {
	a := rm.Evaluate(ctx.Market.Balance, ctx.Unrealized, ctx.Timestamp)
	if a.CircuitBreakerTriggered || a.OverallRisk == RiskCritical {
		return Verdict{
			Action:   model.ActionBlocked,
			Code:     model.CodeCircuitBreaker,
			Reason:   fmt.Sprintf("portfolio drawdown %s%% (risk %s)", a.DrawdownPct.StringFixed(2), a.OverallRisk),
			Event:    audit.ExecutionBlocked,
			Severity: audit.SeverityCritical,
			Payload: map[string]any{
				"drawdown_pct":              a.DrawdownPct.String(),
				"max_drawdown_pct":          rm.maxDrawdown.String(),
				"overall_risk":              string(a.OverallRisk),
				"circuit_breaker_triggered": a.CircuitBreakerTriggered,
				"equity":                    a.Equity.String(),
				"peak_equity":               a.PeakEquity.String(),
			},
		}
	}
	return Pass()
}

func (rm *RiskManager) AsGate() RiskGate {
	return GateFunc{GateName: "circuit_breaker", GatePriority: PriorityCircuitBreaker, Fn: rm.Gate}
}
