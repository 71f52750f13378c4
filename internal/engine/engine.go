// Package engine turns composite signals into orders. It owns every piece of
// risk state behind one mutex: gates are evaluated to completion under it,
// and exchange calls never are. An order in flight is represented by a rate
// limiter reservation and a pending idempotency claim.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/audit"
	"github.com/Rajchodisetti/futures-guard/internal/exchange"
	"github.com/Rajchodisetti/futures-guard/internal/journal"
	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
	"github.com/Rajchodisetti/futures-guard/internal/outbox"
	"github.com/Rajchodisetti/futures-guard/internal/position"
	"github.com/Rajchodisetti/futures-guard/internal/retry"
	"github.com/Rajchodisetti/futures-guard/internal/risk"
	"github.com/Rajchodisetti/futures-guard/internal/symbols"
)

const component = "execution_engine"

type Config struct {
	OrderUSD          decimal.Decimal
	Leverage          decimal.Decimal
	MaxPositions      int
	IdempotencyBucket time.Duration
	// CloseRetry bounds retries of reduce-only close orders.
	CloseRetry retry.Policy
}

// Deps are the collaborators the engine drives. Journal and Audit may be nil.
type Deps struct {
	Symbols     *symbols.Policy
	Exchange    exchange.Exchange
	Outbox      *outbox.Outbox
	Limiter     *risk.RateLimiter
	Killswitch  *risk.FeatureHealthMonitor
	LossBreaker *risk.ConsecutiveLossBreaker
	Regime      *risk.RegimeGate
	RiskManager *risk.RiskManager
	Positions   position.Config
	Journal     journal.Recorder
	Audit       audit.Logger
}

// Decision is the engine's answer to one signal.
type Decision struct {
	Action        model.Action          `json:"action"`
	Code          model.Code            `json:"code"`
	Reason        string                `json:"reason,omitempty"`
	CorrelationID string                `json:"correlation_id"`
	FeatureKey    string                `json:"feature_key,omitempty"`
	Symbol        string                `json:"symbol,omitempty"`
	Order         *exchange.OrderResult `json:"order,omitempty"`
	RetryAfter    time.Duration         `json:"retry_after,omitempty"`
	GatesPassed   []string              `json:"gates_passed"`
	BlockedBy     string                `json:"blocked_by,omitempty"`
}

type Engine struct {
	mu sync.Mutex

	cfg         Config
	symbols     *symbols.Policy
	exchange    exchange.Exchange
	outbox      *outbox.Outbox
	limiter     *risk.RateLimiter
	killswitch  *risk.FeatureHealthMonitor
	lossBreaker *risk.ConsecutiveLossBreaker
	riskManager *risk.RiskManager
	positions   *position.Manager
	pipeline    *risk.Pipeline
	journal     journal.Recorder
	audit       audit.Logger

	inflight    map[string]bool
	outcomes    []model.TradeOutcome
	lastBalance decimal.Decimal
	now         func() time.Time

	// pendingCloses holds exits whose reduce-only order is unconfirmed. The
	// position stays in the book, frozen, until the venue accepts the close.
	pendingCloses map[string]*closing
}

func New(cfg Config, d Deps) (*Engine, error) {
	switch {
	case d.Symbols == nil:
		return nil, errors.New("engine: symbol policy is required")
	case d.Exchange == nil:
		return nil, errors.New("engine: exchange is required")
	case d.Outbox == nil:
		return nil, errors.New("engine: idempotency store is required")
	case d.Limiter == nil, d.Killswitch == nil, d.LossBreaker == nil, d.Regime == nil, d.RiskManager == nil:
		return nil, errors.New("engine: every risk component is required")
	}
	if !cfg.Leverage.IsPositive() {
		return nil, fmt.Errorf("engine: leverage must be positive, got %s", cfg.Leverage)
	}
	if !cfg.OrderUSD.IsPositive() {
		return nil, fmt.Errorf("engine: order size must be positive, got %s", cfg.OrderUSD)
	}
	if d.Journal == nil {
		d.Journal = journal.NewNoopRecorder()
	}

	e := &Engine{
		cfg:         cfg,
		symbols:     d.Symbols,
		exchange:    d.Exchange,
		outbox:      d.Outbox,
		limiter:     d.Limiter,
		killswitch:  d.Killswitch,
		lossBreaker: d.LossBreaker,
		riskManager: d.RiskManager,
		journal:     d.Journal,
		audit:       d.Audit,
		inflight:    make(map[string]bool),
		now:         func() time.Time { return time.Now().UTC() },
	}
	e.pendingCloses = make(map[string]*closing)
	e.positions = position.NewManager(d.Positions, position.FeedbackFunc(e.onOutcome))
	e.pipeline = risk.NewPipeline(
		e.symbolGate(),
		e.authorizationGate(),
		e.credentialsGate(),
		e.idempotencyGate(),
		d.Regime,
		d.LossBreaker,
		d.Limiter,
		e.positionsGate(),
		d.Killswitch.AsGate(),
		e.sizingGate(),
		d.RiskManager.AsGate(),
	)
	return e, nil
}

// Gates lists the entry pipeline in evaluation order.
func (e *Engine) Gates() []string { return e.pipeline.Names() }

// checkContract rejects signals that break the producer contract before any
// gate sees them.
func checkContract(sig model.CompositeSignal) (*model.InvariantError, string) {
	if sig.Authorized && sig.Side == nil {
		return &model.InvariantError{Invariant: "authorized_signal_has_side", Detail: "signal is authorized but carries no side"}, ""
	}
	switch {
	case sig.Symbol == "":
		return nil, "signal has no symbol"
	case sig.Side != nil && !sig.Side.Valid():
		return nil, fmt.Sprintf("unknown side %q", *sig.Side)
	case sig.Confidence < 0 || sig.Confidence > 100:
		return nil, fmt.Sprintf("confidence %.2f outside [0,100]", sig.Confidence)
	case sig.SignalType == "":
		return nil, "signal has no type"
	}
	return nil, ""
}

// Evaluate runs the gate pipeline for one signal and, when every gate passes,
// places the order. Policy refusals come back as a Decision with a nil error.
// A broken signal contract returns *model.InvariantError; an exchange failure
// returns the Decision together with the wrapped error.
func (e *Engine) Evaluate(ctx context.Context, sig model.CompositeSignal, market model.MarketContext) (Decision, error) {
	corr := uuid.NewString()
	now := e.now()

	if inv, reason := checkContract(sig); inv != nil || reason != "" {
		dec := Decision{Action: model.ActionRejected, Code: model.CodeInvalidSignal, CorrelationID: corr, Symbol: sig.Symbol}
		ev := audit.Event{
			EventType:     audit.RiskRejection,
			CorrelationID: corr,
			Component:     component,
			Severity:      audit.SeverityWarning,
			Payload:       map[string]any{"code": string(model.CodeInvalidSignal), "reason": reason, "symbol": sig.Symbol},
		}
		var err error
		if inv != nil {
			dec.Reason = inv.Error()
			ev.EventType = audit.InvariantViolation
			ev.Severity = audit.SeverityCritical
			ev.Payload = map[string]any{"invariant": inv.Invariant, "detail": inv.Detail, "symbol": sig.Symbol}
			err = inv
		} else {
			dec.Reason = reason
		}
		audit.Emit(ctx, e.audit, ev)
		observ.RecordDecision(string(dec.Action), string(dec.Code))
		return dec, err
	}

	symbol := e.symbols.Canonical(sig.Symbol)
	var side model.Side
	if sig.Side != nil {
		side = *sig.Side
	}
	if market.Symbol == "" {
		market.Symbol = symbol
	}
	// The gates never wait on the network, so the reference price is read first.
	if !market.CurrentPrice.IsPositive() && sig.Authorized && e.symbols.Check(symbol).Allowed {
		px, err := e.exchange.MarkPrice(ctx, symbol)
		if err != nil {
			observ.LogError("mark_price_failed", err, map[string]any{"symbol": symbol, "correlation_id": corr})
		} else {
			market.CurrentPrice = px
		}
	}

	dctx := risk.DecisionContext{
		Signal:        sig,
		Symbol:        symbol,
		Side:          side,
		FeatureKey:    risk.FeatureKey(e.killswitch.Granularity(), sig.SignalType, sig.Regime, side, symbol),
		Market:        market,
		CorrelationID: corr,
		Timestamp:     now,
		Intent:        &risk.OrderIntent{Leverage: e.cfg.Leverage},
	}

	e.mu.Lock()
	e.lastBalance = market.Balance
	dctx.Unrealized = e.positions.UnrealizedPnl()
	verdict, blockedBy, passed := e.pipeline.Run(dctx)
	dec := Decision{
		Action:        model.ActionExecute,
		Code:          model.CodeOK,
		CorrelationID: corr,
		FeatureKey:    dctx.FeatureKey,
		Symbol:        symbol,
		GatesPassed:   passed,
	}
	if !verdict.Pass {
		dec.Action = verdict.Action
		dec.Code = verdict.Code
		dec.Reason = verdict.Reason
		dec.RetryAfter = verdict.RetryAfter
		dec.BlockedBy = blockedBy
		if verdict.Action == model.ActionDuplicate {
			if stored, ok := e.outbox.Check(dctx.Intent.Key); ok {
				dec.Order = orderFromStored(stored)
			}
		}
		e.mu.Unlock()
		e.emitVerdict(ctx, dctx, verdict, blockedBy)
		observ.RecordDecision(string(dec.Action), string(dec.Code))
		return dec, nil
	}

	res, rej := e.limiter.Reserve(now)
	if rej != nil {
		e.mu.Unlock()
		v := risk.FromReject(rej, model.ActionRejected)
		return e.refuse(ctx, dec, dctx, v, "rate_limit"), nil
	}
	if err := e.outbox.Claim(dctx.Intent.Key); err != nil {
		e.limiter.Release(res)
		e.mu.Unlock()
		v := risk.Verdict{Action: model.ActionDuplicate, Code: model.CodeDuplicateOrder, Reason: err.Error(), Event: audit.DuplicateOrder, Severity: audit.SeverityInfo}
		return e.refuse(ctx, dec, dctx, v, "idempotency"), nil
	}
	e.inflight[symbol] = true
	e.mu.Unlock()

	return e.place(ctx, dec, dctx, res)
}

func (e *Engine) refuse(ctx context.Context, dec Decision, dctx risk.DecisionContext, v risk.Verdict, gate string) Decision {
	dec.Action = v.Action
	dec.Code = v.Code
	dec.Reason = v.Reason
	dec.RetryAfter = v.RetryAfter
	dec.BlockedBy = gate
	e.emitVerdict(ctx, dctx, v, gate)
	observ.RecordDecision(string(dec.Action), string(dec.Code))
	return dec
}

// place sends the entry order outside the lock, then commits or rolls back
// the reservations made for it.
func (e *Engine) place(ctx context.Context, dec Decision, dctx risk.DecisionContext, res risk.Reservation) (Decision, error) {
	intent := dctx.Intent
	req := exchange.OrderRequest{
		ClientOrderID: intent.Key,
		Symbol:        dctx.Symbol,
		Side:          dctx.Side,
		Size:          intent.Size,
		Price:         intent.Price,
		Leverage:      intent.Leverage,
	}
	result, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		e.mu.Lock()
		e.limiter.Release(res)
		e.outbox.Release(intent.Key)
		delete(e.inflight, dctx.Symbol)
		e.mu.Unlock()

		observ.RecordOrderFailure("entry")
		audit.Emit(ctx, e.audit, audit.Event{
			EventType:     audit.ExecutionError,
			CorrelationID: dctx.CorrelationID,
			Component:     component,
			Severity:      audit.SeverityError,
			Payload: map[string]any{
				"symbol": dctx.Symbol, "side": string(dctx.Side), "size": intent.Size.String(), "error": err.Error(),
			},
		})
		dec.Action = model.ActionRejected
		dec.Code = model.CodeExchange
		dec.Reason = err.Error()
		observ.RecordDecision(string(dec.Action), string(dec.Code))
		return dec, fmt.Errorf("place order %s: %w", dctx.Symbol, err)
	}

	stored := outbox.Result{
		OrderID:       result.OrderID,
		Symbol:        result.Symbol,
		Side:          result.Side,
		Size:          result.Size,
		Price:         result.FillPrice,
		Status:        result.Status,
		CorrelationID: dctx.CorrelationID,
		PlacedAt:      result.PlacedAt,
	}
	// A persistence failure keeps the key in memory; the committed order stands.
	if _, _, err := e.outbox.Record(ctx, intent.Key, stored); err != nil {
		audit.Emit(ctx, e.audit, audit.Event{
			EventType:     audit.ExecutionError,
			CorrelationID: dctx.CorrelationID,
			Component:     component,
			Severity:      audit.SeverityError,
			Payload:       map[string]any{"stage": "idempotency_record", "key": intent.Key, "error": err.Error()},
		})
	}

	e.mu.Lock()
	e.limiter.Commit(res, e.now())
	delete(e.inflight, dctx.Symbol)
	pos, buildErr := e.positions.Build(dctx.Symbol, dctx.Side, result.FillPrice, result.Size, intent.Leverage, result.PlacedAt)
	if buildErr == nil {
		pos.FeatureKey = dctx.FeatureKey
		pos.OrderID = result.OrderID
		pos.CorrelationID = dctx.CorrelationID
		buildErr = e.positions.Open(pos)
	}
	e.mu.Unlock()

	observ.RecordOrder(string(result.Side), "entry")
	observ.RecordDecision(string(model.ActionExecute), string(model.CodeOK))
	if err := e.journal.RecordOrder(result, "entry", dctx.CorrelationID); err != nil {
		observ.LogError("journal_order_failed", err, map[string]any{"order_id": result.OrderID})
	}
	audit.Emit(ctx, e.audit, audit.Event{
		EventType:     audit.OrderSubmitted,
		CorrelationID: dctx.CorrelationID,
		Component:     component,
		Payload: map[string]any{
			"order_id":        result.OrderID,
			"client_order_id": result.ClientOrderID,
			"symbol":          result.Symbol,
			"side":            string(result.Side),
			"size":            result.Size.String(),
			"fill_price":      result.FillPrice.String(),
			"feature_key":     dctx.FeatureKey,
			"gates_passed":    dec.GatesPassed,
		},
	})
	if buildErr != nil {
		// The order is live but untracked; this needs an operator.
		audit.Emit(ctx, e.audit, audit.Event{
			EventType:     audit.InvariantViolation,
			CorrelationID: dctx.CorrelationID,
			Component:     component,
			Severity:      audit.SeverityCritical,
			Payload:       map[string]any{"invariant": "filled_order_is_tracked", "order_id": result.OrderID, "error": buildErr.Error()},
		})
	} else {
		audit.Emit(ctx, e.audit, audit.Event{
			EventType:     audit.PositionOpened,
			CorrelationID: dctx.CorrelationID,
			Component:     "position_lifecycle",
			Payload: map[string]any{
				"symbol":      pos.Symbol,
				"side":        string(pos.Side),
				"entry_price": pos.EntryPrice.String(),
				"size":        pos.Size.String(),
				"leverage":    pos.Leverage.String(),
				"stop_loss":   pos.StopLoss.String(),
				"take_profit": pos.TakeProfit.String(),
			},
		})
	}

	dec.Order = &result
	return dec, nil
}

// emitVerdict writes the audit event a refusing gate asked for, if any.
func (e *Engine) emitVerdict(ctx context.Context, dctx risk.DecisionContext, v risk.Verdict, gate string) {
	if v.Event == "" {
		return
	}
	payload := map[string]any{
		"gate":        gate,
		"code":        string(v.Code),
		"reason":      v.Reason,
		"symbol":      dctx.Symbol,
		"feature_key": dctx.FeatureKey,
	}
	if v.RetryAfter > 0 {
		payload["retry_after_ms"] = v.RetryAfter.Milliseconds()
	}
	for k, val := range v.Payload {
		payload[k] = val
	}
	audit.Emit(ctx, e.audit, audit.Event{
		EventType:     v.Event,
		CorrelationID: dctx.CorrelationID,
		Component:     component,
		Severity:      v.Severity,
		Payload:       payload,
	})
}

func orderFromStored(r outbox.Result) *exchange.OrderResult {
	return &exchange.OrderResult{
		OrderID:   r.OrderID,
		Symbol:    r.Symbol,
		Side:      r.Side,
		Size:      r.Size,
		FillPrice: r.Price,
		Status:    r.Status,
		PlacedAt:  r.PlacedAt,
	}
}
