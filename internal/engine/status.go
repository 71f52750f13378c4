package engine

import (
	"context"
	"time"

	"github.com/Rajchodisetti/futures-guard/internal/audit"
	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
	"github.com/Rajchodisetti/futures-guard/internal/risk"
)

type Status struct {
	Timestamp         time.Time                     `json:"timestamp"`
	Positions         []model.Position              `json:"positions"`
	InFlight          int                           `json:"in_flight"`
	PendingCloses     int                           `json:"pending_closes"`
	Risk              risk.Assessment               `json:"risk"`
	ConsecutiveLosses int                           `json:"consecutive_losses"`
	LossBreakerOpen   bool                          `json:"loss_breaker_open"`
	RateLimit         risk.RateLimitStatus          `json:"rate_limit"`
	Features          map[string]risk.FeatureRecord `json:"features"`
	IdempotencyKeys   int                           `json:"idempotency_keys"`
	Gates             []string                      `json:"gates"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	return Status{
		Timestamp:         now,
		Positions:         e.positions.Positions(),
		InFlight:          len(e.inflight),
		PendingCloses:     len(e.pendingCloses),
		Risk:              e.riskManager.Last(),
		ConsecutiveLosses: e.lossBreaker.Count(),
		LossBreakerOpen:   e.lossBreaker.Tripped(),
		RateLimit:         e.limiter.Status(now),
		Features:          e.killswitch.Snapshot(),
		IdempotencyKeys:   e.outbox.Len(),
		Gates:             e.pipeline.Names(),
	}
}

// ResetCircuitBreaker is the manual recovery path for a latched breaker.
func (e *Engine) ResetCircuitBreaker(ctx context.Context, userID, reason string) (risk.Assessment, error) {
	e.mu.Lock()
	a, err := e.riskManager.Reset(userID, reason)
	e.mu.Unlock()
	if err != nil {
		return a, err
	}
	audit.Emit(ctx, e.audit, audit.Event{
		EventType: audit.CircuitBreakerReset,
		Component: "risk_manager",
		Severity:  audit.SeverityWarning,
		Payload: map[string]any{
			"user_id":     userID,
			"reason":      reason,
			"peak_equity": a.PeakEquity.String(),
		},
	})
	return a, nil
}

// Restore replays journaled outcomes, oldest first, into the killswitch
// windows and the loss streak after a restart.
func (e *Engine) Restore(outcomes []model.TradeOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range outcomes {
		e.killswitch.Record(o)
		e.lossBreaker.Record(o)
	}
	observ.Log("engine_restored", map[string]any{
		"outcomes":           len(outcomes),
		"consecutive_losses": e.lossBreaker.Count(),
	})
}

// Canonical maps a raw symbol to the form positions and orders are keyed by.
func (e *Engine) Canonical(symbol string) string { return e.symbols.Canonical(symbol) }

// Positions returns a snapshot of the open book.
func (e *Engine) Positions() []model.Position {
	return e.positions.Positions()
}
