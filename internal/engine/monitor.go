package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/audit"
	"github.com/Rajchodisetti/futures-guard/internal/exchange"
	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
	"github.com/Rajchodisetti/futures-guard/internal/position"
	"github.com/Rajchodisetti/futures-guard/internal/retry"
)

// onOutcome is the position manager's feedback sink. It runs under e.mu, so
// it updates in-memory state only and queues the outcome for persistence.
func (e *Engine) onOutcome(o model.TradeOutcome) {
	e.killswitch.Record(o)
	e.lossBreaker.Record(o)
	e.riskManager.RecordRealized(decimal.NewFromFloat(o.PnlUSD))
	e.outcomes = append(e.outcomes, o)
}

// closing is an exit already applied to the risk state whose reduce-only
// order has not been confirmed.
type closing struct {
	position model.Position
	outcome  model.TradeOutcome
	sending  bool
}

type TickReport struct {
	Checked       int                  `json:"checked"`
	Moves         int                  `json:"moves"`
	Closed        []model.TradeOutcome `json:"closed,omitempty"`
	PendingCloses int                  `json:"pending_closes,omitempty"`
	Errors        []string             `json:"errors,omitempty"`
}

// Tick reads mark prices for every open position concurrently, applies the
// lifecycle rules under the lock, then sends reduce-only orders for whatever
// closed. Closes that failed on an earlier tick are retried at the new mark.
func (e *Engine) Tick(ctx context.Context) TickReport {
	var report TickReport
	open := e.positions.Symbols()
	if len(open) == 0 {
		return report
	}

	type quote struct {
		symbol string
		price  decimal.Decimal
		err    error
	}
	quotes := make([]quote, len(open))
	var wg sync.WaitGroup
	for i, sym := range open {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			px, err := e.exchange.MarkPrice(ctx, sym)
			quotes[i] = quote{symbol: sym, price: px, err: err}
		}(i, sym)
	}
	wg.Wait()

	now := e.now()
	var moves []audit.Event
	var closes, retries []closing

	e.mu.Lock()
	for _, q := range quotes {
		if pending, ok := e.pendingCloses[q.symbol]; ok {
			if pending.sending {
				continue
			}
			if q.err == nil && q.price.IsPositive() {
				pending.position.LastPrice = q.price
				_, _ = e.positions.Tick(q.symbol, q.price, now)
			}
			pending.sending = true
			retries = append(retries, *pending)
			continue
		}
		if q.err != nil {
			report.Errors = append(report.Errors, q.err.Error())
			continue
		}
		before, ok := e.positions.Get(q.symbol)
		if !ok {
			continue
		}
		res, err := e.positions.Tick(q.symbol, q.price, now)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Checked++
		for _, mv := range res.Moves {
			report.Moves++
			moves = append(moves, audit.Event{
				EventType:     audit.StopMoved,
				CorrelationID: before.CorrelationID,
				Component:     "position_lifecycle",
				Payload: map[string]any{
					"symbol": q.symbol,
					"kind":   mv.Kind,
					"from":   mv.From.String(),
					"to":     mv.To.String(),
					"roi":    mv.Roi.String(),
				},
			})
		}
		if res.Closed && res.Outcome != nil {
			closes = append(closes, e.holdCloseLocked(res.Position, *res.Outcome))
		}
	}
	e.riskManager.Evaluate(e.lastBalance, e.positions.UnrealizedPnl(), now)
	outcomes := e.drainOutcomesLocked()
	e.mu.Unlock()

	for _, ev := range moves {
		audit.Emit(ctx, e.audit, ev)
	}
	for _, c := range closes {
		if err := e.finishClose(ctx, c); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		report.Closed = append(report.Closed, c.outcome)
	}
	for _, c := range retries {
		if err := e.finishClose(ctx, c); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}
	e.persistOutcomes(ctx, outcomes)

	e.mu.Lock()
	report.PendingCloses = len(e.pendingCloses)
	e.mu.Unlock()
	return report
}

// ClosePosition closes symbol at the current mark, falling back to the last
// observed price when the venue cannot be read. A position whose earlier
// close failed is retried without producing a second outcome.
func (e *Engine) ClosePosition(ctx context.Context, symbol string) (model.TradeOutcome, error) {
	symbol = e.symbols.Canonical(symbol)
	px, err := e.exchange.MarkPrice(ctx, symbol)
	if err != nil {
		observ.LogError("mark_price_failed", err, map[string]any{"symbol": symbol, "purpose": "manual_close"})
		px = decimal.Zero
	}

	e.mu.Lock()
	if pending, ok := e.pendingCloses[symbol]; ok {
		if pending.sending {
			e.mu.Unlock()
			return pending.outcome, fmt.Errorf("close %s: %w", symbol, errCloseInProgress)
		}
		if px.IsPositive() {
			pending.position.LastPrice = px
		}
		pending.sending = true
		c := *pending
		e.mu.Unlock()
		return c.outcome, e.finishClose(ctx, c)
	}
	pos, ok := e.positions.Get(symbol)
	if !ok {
		e.mu.Unlock()
		return model.TradeOutcome{}, fmt.Errorf("close %s: %w", symbol, position.ErrPositionNotFound)
	}
	outcome, err := e.positions.Close(symbol, px, position.ReasonManual, e.now())
	if err != nil {
		e.mu.Unlock()
		return model.TradeOutcome{}, err
	}
	if px.IsPositive() {
		pos.LastPrice = px
	}
	c := e.holdCloseLocked(pos, outcome)
	outcomes := e.drainOutcomesLocked()
	e.mu.Unlock()

	closeErr := e.finishClose(ctx, c)
	e.persistOutcomes(ctx, outcomes)
	return outcome, closeErr
}

var errCloseInProgress = errors.New("close order already in flight")

// holdCloseLocked puts a closed position back in the book marked as pending
// so no new entry can take the symbol until the venue confirms the exit.
func (e *Engine) holdCloseLocked(p model.Position, outcome model.TradeOutcome) closing {
	p.PendingClose = outcome.Reason
	if err := e.positions.Open(p); err != nil {
		observ.LogError("pending_close_hold_failed", err, map[string]any{"symbol": p.Symbol})
	}
	c := &closing{position: p, outcome: outcome, sending: true}
	e.pendingCloses[p.Symbol] = c
	return *c
}

// finishClose sends the close and settles the pending entry. On failure the
// position stays frozen in the book for the next tick.
func (e *Engine) finishClose(ctx context.Context, c closing) error {
	err := e.submitClose(ctx, c)

	e.mu.Lock()
	defer e.mu.Unlock()
	sym := c.position.Symbol
	pending, ok := e.pendingCloses[sym]
	if !ok {
		return err
	}
	if err != nil {
		pending.sending = false
		return err
	}
	delete(e.pendingCloses, sym)
	e.positions.Remove(sym)
	return nil
}

// submitClose sends the reduce-only exit. Reduce-only orders cannot flip or
// grow a position, so they are retried under the same client order id.
func (e *Engine) submitClose(ctx context.Context, c closing) error {
	p := c.position
	req := exchange.OrderRequest{
		ClientOrderID: "close-" + p.OrderID,
		Symbol:        p.Symbol,
		Side:          exchange.Opposite(p.Side),
		Size:          p.Size,
		Price:         p.LastPrice,
		Leverage:      p.Leverage,
		ReduceOnly:    true,
	}
	var result exchange.OrderResult
	err := retry.Do(ctx, e.cfg.CloseRetry, func() error {
		var err error
		result, err = e.exchange.PlaceOrder(ctx, req)
		return err
	})

	payload := map[string]any{
		"symbol":      p.Symbol,
		"side":        string(p.Side),
		"reason":      c.outcome.Reason,
		"entry_price": p.EntryPrice.String(),
		"exit_price":  p.LastPrice.String(),
		"pnl_percent": c.outcome.PnlPercent,
		"pnl_usd":     c.outcome.PnlUSD,
		"feature_key": p.FeatureKey,
	}
	if err != nil {
		observ.RecordOrderFailure("close")
		payload["error"] = err.Error()
		audit.Emit(ctx, e.audit, audit.Event{
			EventType:     audit.ExecutionError,
			CorrelationID: p.CorrelationID,
			Component:     component,
			Severity:      audit.SeverityCritical,
			Payload:       payload,
		})
		return fmt.Errorf("close order %s: %w", p.Symbol, err)
	}

	observ.RecordOrder(string(result.Side), "close")
	if err := e.journal.RecordOrder(result, "close", p.CorrelationID); err != nil {
		observ.LogError("journal_order_failed", err, map[string]any{"order_id": result.OrderID})
	}
	payload["order_id"] = result.OrderID
	payload["fill_price"] = result.FillPrice.String()
	audit.Emit(ctx, e.audit, audit.Event{
		EventType:     audit.PositionClosed,
		CorrelationID: p.CorrelationID,
		Component:     "position_lifecycle",
		Payload:       payload,
	})
	return nil
}

func (e *Engine) drainOutcomesLocked() []model.TradeOutcome {
	out := e.outcomes
	e.outcomes = nil
	return out
}

// persistOutcomes journals and audits outcomes already applied to the
// in-memory risk state.
func (e *Engine) persistOutcomes(ctx context.Context, outcomes []model.TradeOutcome) {
	for _, o := range outcomes {
		if err := e.journal.RecordOutcome(o); err != nil {
			observ.LogError("journal_outcome_failed", err, map[string]any{"symbol": o.Symbol, "correlation_id": o.CorrelationID})
		}
		audit.Emit(ctx, e.audit, audit.Event{
			EventType:     audit.TradeOutcome,
			CorrelationID: o.CorrelationID,
			Component:     "position_lifecycle",
			Severity:      outcomeSeverity(o),
			Payload: map[string]any{
				"symbol":      o.Symbol,
				"side":        string(o.Side),
				"pnl_percent": o.PnlPercent,
				"pnl_usd":     o.PnlUSD,
				"feature_key": o.FeatureKey,
				"reason":      o.Reason,
			},
		})
	}
}

func outcomeSeverity(o model.TradeOutcome) audit.Severity {
	if o.IsLoss() {
		return audit.SeverityWarning
	}
	return audit.SeverityInfo
}
