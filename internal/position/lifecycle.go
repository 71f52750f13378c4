package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/money"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
)

// Exit reasons, also used as the stop kind that produced a stop exit.
const (
	ReasonStopLoss      = "stop_loss"
	ReasonBreakEvenStop = "break_even_stop"
	ReasonTrailingStop  = "trailing_stop"
	ReasonTakeProfit    = "take_profit"
	ReasonTimeExit      = "time_exit"
	ReasonManual        = "manual"
)

var (
	ErrPositionExists   = errors.New("position already open for symbol")
	ErrPositionNotFound = errors.New("no open position for symbol")
)

// Config holds lifecycle thresholds. ROI values are leveraged percent of
// margin; BreakEvenBufferPct and FeePct are percent of notional.
type Config struct {
	StopLossRoi            decimal.Decimal
	TakeProfitRoi          decimal.Decimal
	BreakEvenActivationRoi decimal.Decimal
	BreakEvenBufferPct     decimal.Decimal
	FeePct                 decimal.Decimal
	TrailingActivationRoi  decimal.Decimal
	TrailingDistanceRoi    decimal.Decimal
	MaxHold                time.Duration
	MinHoldRoi             decimal.Decimal
}

// Feedback receives every outcome before Tick or Close returns.
type Feedback interface {
	OnOutcome(outcome model.TradeOutcome)
}

type FeedbackFunc func(model.TradeOutcome)

func (f FeedbackFunc) OnOutcome(o model.TradeOutcome) { f(o) }

type StopMove struct {
	Kind string          `json:"kind"`
	From decimal.Decimal `json:"from"`
	To   decimal.Decimal `json:"to"`
	Roi  decimal.Decimal `json:"roi"`
}

type TickResult struct {
	Position model.Position      `json:"position"`
	Moves    []StopMove          `json:"moves,omitempty"`
	Closed   bool                `json:"closed"`
	Outcome  *model.TradeOutcome `json:"outcome,omitempty"`
}

// Manager owns the open-position table. Stops only ever move in the
// position's favor and each close emits exactly one outcome.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	positions map[string]*model.Position
	feedback  Feedback
}

func NewManager(cfg Config, fb Feedback) *Manager {
	return &Manager{cfg: cfg, positions: make(map[string]*model.Position), feedback: fb}
}

// Build computes the initial stop and target for a fresh fill.
func (m *Manager) Build(symbol string, side model.Side, entry, size, leverage decimal.Decimal, openedAt time.Time) (model.Position, error) {
	stop, err := money.StopLossPrice(side, entry, m.cfg.StopLossRoi, leverage)
	if err != nil {
		return model.Position{}, fmt.Errorf("stop loss for %s: %w", symbol, err)
	}
	target, err := money.TakeProfitPrice(side, entry, m.cfg.TakeProfitRoi, leverage)
	if err != nil {
		return model.Position{}, fmt.Errorf("take profit for %s: %w", symbol, err)
	}
	return model.Position{
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		Size:       size,
		Leverage:   leverage,
		StopLoss:   stop,
		TakeProfit: target,
		OpenedAt:   openedAt,
		StopKind:   ReasonStopLoss,
		LastPrice:  entry,
	}, nil
}

func (m *Manager) Open(p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrPositionExists, p.Symbol)
	}
	if p.StopKind == "" {
		p.StopKind = ReasonStopLoss
	}
	cp := p
	m.positions[p.Symbol] = &cp
	observ.SetOpenPositions(len(m.positions))
	return nil
}

func (m *Manager) Get(symbol string) (model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.positions))
	for s := range m.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Positions() []model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UnrealizedPnl sums open PnL at each position's last seen price. Positions
// waiting on a close are already realized and are left out.
func (m *Manager) UnrealizedPnl() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, p := range m.positions {
		if p.PendingClose != "" {
			continue
		}
		total = money.Add(total, money.UnrealizedPnl(p.Side, p.EntryPrice, p.LastPrice, p.Size))
	}
	return total
}

// better reports whether candidate tightens current toward profit while
// staying on the protective side of price.
func better(side model.Side, candidate, current, price decimal.Decimal) bool {
	if side == model.Long {
		return candidate.GreaterThan(current) && candidate.LessThan(price)
	}
	return candidate.LessThan(current) && candidate.GreaterThan(price)
}

func stopHit(p *model.Position, price decimal.Decimal) bool {
	if p.Side == model.Long {
		return price.LessThanOrEqual(p.StopLoss)
	}
	return price.GreaterThanOrEqual(p.StopLoss)
}

func targetHit(p *model.Position, price decimal.Decimal) bool {
	if p.TakeProfit.IsZero() {
		return false
	}
	if p.Side == model.Long {
		return price.GreaterThanOrEqual(p.TakeProfit)
	}
	return price.LessThanOrEqual(p.TakeProfit)
}

// Tick applies one price observation to the position for symbol.
func (m *Manager) Tick(symbol string, price decimal.Decimal, now time.Time) (TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return TickResult{}, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	if !price.IsPositive() {
		return TickResult{Position: *p}, fmt.Errorf("tick %s: %w", symbol, money.ErrInvalidPrice)
	}
	if p.PendingClose != "" {
		p.LastPrice = price
		return TickResult{Position: *p}, nil
	}

	roi, err := money.CurrentRoi(p.Side, p.EntryPrice, price, p.Leverage)
	if err != nil {
		return TickResult{Position: *p}, fmt.Errorf("roi %s: %w", symbol, err)
	}
	p.LastPrice = price
	p.PnlPercent = roi
	if roi.GreaterThan(p.HighWaterRoi) {
		p.HighWaterRoi = roi
	}

	var res TickResult
	if !p.BreakEvenActivated && roi.GreaterThanOrEqual(m.cfg.BreakEvenActivationRoi) {
		mv, moved, armed := m.breakEven(p, price, roi)
		if moved {
			res.Moves = append(res.Moves, mv)
		}
		p.BreakEvenActivated = armed
	}
	if p.BreakEvenActivated && m.cfg.TrailingDistanceRoi.IsPositive() && roi.GreaterThanOrEqual(m.cfg.TrailingActivationRoi) {
		p.TrailingActive = true
		if mv, ok := m.trail(p, price, roi); ok {
			res.Moves = append(res.Moves, mv)
		}
	}
	for _, mv := range res.Moves {
		observ.RecordStopMove(mv.Kind)
	}

	reason := ""
	switch {
	case stopHit(p, price):
		reason = p.StopKind
	case targetHit(p, price):
		reason = ReasonTakeProfit
	case m.cfg.MaxHold > 0 && now.Sub(p.OpenedAt) > m.cfg.MaxHold && roi.LessThan(m.cfg.MinHoldRoi):
		reason = ReasonTimeExit
	}
	if reason == "" {
		res.Position = *p
		return res, nil
	}

	outcome := m.closeLocked(p, price, reason, now)
	res.Position = *p
	res.Closed = true
	res.Outcome = &outcome
	return res, nil
}

// breakEven tries to lift the stop to the fee-covering price. It is armed once
// the stop sits at or beyond that price; a candidate still on the wrong side
// of the market leaves it unarmed for a later tick. A threshold that cannot
// be computed arms it without a move.
func (m *Manager) breakEven(p *model.Position, price, roi decimal.Decimal) (StopMove, bool, bool) {
	beRoi, err := money.BreakEvenRoi(p.Leverage, m.cfg.BreakEvenBufferPct, m.cfg.FeePct)
	if err != nil || !beRoi.IsPositive() {
		return StopMove{}, false, true
	}
	offset, err := money.PriceMove(beRoi, p.Leverage)
	if err != nil {
		return StopMove{}, false, true
	}
	var candidate decimal.Decimal
	if p.Side == model.Long {
		candidate = money.Mul(p.EntryPrice, money.Add(decimal.NewFromInt(1), offset))
	} else {
		candidate = money.Mul(p.EntryPrice, money.Sub(decimal.NewFromInt(1), offset))
	}
	if mv, ok := m.apply(p, candidate, price, roi, ReasonBreakEvenStop); ok {
		return mv, true, true
	}
	if p.Side == model.Long {
		return StopMove{}, false, p.StopLoss.GreaterThanOrEqual(candidate)
	}
	return StopMove{}, false, p.StopLoss.LessThanOrEqual(candidate)
}

func (m *Manager) trail(p *model.Position, price, roi decimal.Decimal) (StopMove, bool) {
	dist, err := money.PriceMove(m.cfg.TrailingDistanceRoi, p.Leverage)
	if err != nil {
		return StopMove{}, false
	}
	var candidate decimal.Decimal
	if p.Side == model.Long {
		candidate = money.Mul(price, money.Sub(decimal.NewFromInt(1), dist))
	} else {
		candidate = money.Mul(price, money.Add(decimal.NewFromInt(1), dist))
	}
	return m.apply(p, candidate, price, roi, ReasonTrailingStop)
}

func (m *Manager) apply(p *model.Position, candidate, price, roi decimal.Decimal, kind string) (StopMove, bool) {
	if !better(p.Side, candidate, p.StopLoss, price) {
		return StopMove{}, false
	}
	mv := StopMove{Kind: kind, From: p.StopLoss, To: candidate, Roi: roi}
	p.StopLoss = candidate
	p.StopKind = kind
	return mv, true
}

// Remove drops the position without emitting an outcome. It is used once a
// pending close has been confirmed.
func (m *Manager) Remove(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[symbol]; !ok {
		return false
	}
	delete(m.positions, symbol)
	observ.SetOpenPositions(len(m.positions))
	return true
}

// Close removes the position at price for a manual or external reason.
func (m *Manager) Close(symbol string, price decimal.Decimal, reason string, now time.Time) (model.TradeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return model.TradeOutcome{}, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	if !price.IsPositive() {
		price = p.LastPrice
	}
	roi, err := money.CurrentRoi(p.Side, p.EntryPrice, price, p.Leverage)
	if err != nil {
		return model.TradeOutcome{}, fmt.Errorf("roi %s: %w", symbol, err)
	}
	p.PnlPercent = roi
	p.LastPrice = price
	return m.closeLocked(p, price, reason, now), nil
}

func (m *Manager) closeLocked(p *model.Position, price decimal.Decimal, reason string, now time.Time) model.TradeOutcome {
	delete(m.positions, p.Symbol)
	observ.SetOpenPositions(len(m.positions))
	observ.RecordExit(reason, string(p.Side))

	pnlPct, _ := p.PnlPercent.Float64()
	pnlUSD, _ := money.UnrealizedPnl(p.Side, p.EntryPrice, price, p.Size).Float64()
	outcome := model.TradeOutcome{
		Symbol:        p.Symbol,
		Side:          p.Side,
		PnlPercent:    pnlPct,
		PnlUSD:        pnlUSD,
		FeatureKey:    p.FeatureKey,
		Reason:        reason,
		Timestamp:     now,
		CorrelationID: p.CorrelationID,
	}
	if m.feedback != nil {
		m.feedback.OnOutcome(outcome)
	}
	return outcome
}
