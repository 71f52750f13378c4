package engine

import (
	"fmt"

	"github.com/Rajchodisetti/futures-guard/internal/audit"
	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/money"
	"github.com/Rajchodisetti/futures-guard/internal/outbox"
	"github.com/Rajchodisetti/futures-guard/internal/risk"
)

func (e *Engine) symbolGate() risk.RiskGate {
	return risk.GateFunc{GateName: "symbol", GatePriority: risk.PrioritySymbol, Fn: func(ctx risk.DecisionContext) risk.Verdict {
		d := e.symbols.Check(ctx.Signal.Symbol)
		if d.Allowed {
			return risk.Pass()
		}
		v := risk.Reject(d.Code, d.Reason)
		v.Payload = map[string]any{"raw_symbol": ctx.Signal.Symbol, "canonical_symbol": d.Symbol}
		return v
	}}
}

func (e *Engine) authorizationGate() risk.RiskGate {
	return risk.GateFunc{GateName: "authorization", GatePriority: risk.PriorityAuthorization, Fn: func(ctx risk.DecisionContext) risk.Verdict {
		if !ctx.Signal.Authorized {
			return risk.Wait(model.CodeSignalNotAuthorized, "signal is not authorized")
		}
		return risk.Pass()
	}}
}

func (e *Engine) credentialsGate() risk.RiskGate {
	return risk.GateFunc{GateName: "credentials", GatePriority: risk.PriorityCredentials, Fn: func(risk.DecisionContext) risk.Verdict {
		if !e.exchange.HasCredentials() {
			return risk.Reject(model.CodeMissingCredentials, fmt.Sprintf("no API credentials for %s", e.exchange.Name()))
		}
		return risk.Pass()
	}}
}

// positionsGate allows one position per symbol, counting orders in flight.
func (e *Engine) positionsGate() risk.RiskGate {
	return risk.GateFunc{GateName: "positions", GatePriority: risk.PriorityPositions, Fn: func(ctx risk.DecisionContext) risk.Verdict {
		if _, open := e.positions.Get(ctx.Symbol); open || e.inflight[ctx.Symbol] {
			return risk.Wait(model.CodePositionOpen, fmt.Sprintf("position already open for %s", ctx.Symbol))
		}
		for _, held := range ctx.Market.Positions {
			if e.symbols.Canonical(held) == ctx.Symbol {
				return risk.Wait(model.CodePositionOpen, fmt.Sprintf("venue reports an open position for %s", ctx.Symbol))
			}
		}
		if limit := e.cfg.MaxPositions; limit > 0 {
			if n := e.positions.Count() + len(e.inflight); n >= limit {
				return risk.Wait(model.CodeMaxPositions, fmt.Sprintf("%d positions open or in flight, limit %d", n, limit))
			}
		}
		return risk.Pass()
	}}
}

// sizingGate checks the order intent against balance and derives it when
// the idempotency step could not.
func (e *Engine) sizingGate() risk.RiskGate {
	return risk.GateFunc{GateName: "sizing", GatePriority: risk.PrioritySizing, Fn: func(ctx risk.DecisionContext) risk.Verdict {
		if !ctx.Market.CurrentPrice.IsPositive() {
			return risk.Reject(model.CodeInvalidSignal, fmt.Sprintf("no reference price for %s", ctx.Symbol))
		}
		if ctx.Intent.Key == "" {
			if err := e.fillIntent(ctx); err != nil {
				return risk.Reject(model.CodeInvalidSignal, fmt.Sprintf("size %s: %v", ctx.Symbol, err))
			}
		}
		if ctx.Market.Balance.LessThan(e.cfg.OrderUSD) {
			v := risk.Reject(model.CodeInsufficientBalance, fmt.Sprintf("balance %s below margin %s", ctx.Market.Balance, e.cfg.OrderUSD))
			v.Payload = map[string]any{"balance": ctx.Market.Balance.String(), "margin": e.cfg.OrderUSD.String()}
			return v
		}
		return risk.Pass()
	}}
}

// fillIntent sizes the order at the reference price and derives its
// idempotency key.
func (e *Engine) fillIntent(ctx risk.DecisionContext) error {
	price := ctx.Market.CurrentPrice
	size, err := money.PositionSize(e.cfg.OrderUSD, price, e.cfg.Leverage)
	if err != nil {
		return err
	}
	ts := ctx.Signal.Timestamp
	if ts.IsZero() {
		ts = ctx.Timestamp
	}
	in := ctx.Intent
	in.Price = price
	in.Size = size
	in.Margin = e.cfg.OrderUSD
	in.Key = outbox.GenerateIdempotencyKey(ctx.Symbol, ctx.Side, size, price, ts, e.cfg.IdempotencyBucket)
	return nil
}

// idempotencyGate answers a replayed intent with the stored result. It runs
// ahead of the stateful gates so a replay is never mistaken for a second
// entry on the same symbol.
func (e *Engine) idempotencyGate() risk.RiskGate {
	return risk.GateFunc{GateName: "idempotency", GatePriority: risk.PriorityIdempotency, Fn: func(ctx risk.DecisionContext) risk.Verdict {
		if !ctx.Market.CurrentPrice.IsPositive() || e.fillIntent(ctx) != nil {
			// sizing refuses it later
			return risk.Pass()
		}
		key := ctx.Intent.Key
		if stored, ok := e.outbox.Check(key); ok {
			return duplicateVerdict(fmt.Sprintf("order %s already placed for this intent", stored.OrderID), map[string]any{
				"idempotency_key": key,
				"order_id":        stored.OrderID,
				"placed_at":       stored.PlacedAt,
			})
		}
		if e.outbox.Pending(key) {
			return duplicateVerdict("an order for this intent is in flight", map[string]any{"idempotency_key": key})
		}
		return risk.Pass()
	}}
}

func duplicateVerdict(reason string, payload map[string]any) risk.Verdict {
	return risk.Verdict{
		Action:   model.ActionDuplicate,
		Code:     model.CodeDuplicateOrder,
		Reason:   reason,
		Event:    audit.DuplicateOrder,
		Severity: audit.SeverityInfo,
		Payload:  payload,
	}
}
