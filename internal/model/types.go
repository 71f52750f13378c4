package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

func (s Side) Valid() bool { return s == Long || s == Short }

// Sign is +1 for longs and -1 for shorts.
func (s Side) Sign() int64 {
	if s == Short {
		return -1
	}
	return 1
}

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	}
	return "", fmt.Errorf("unknown side %q", raw)
}

type SignalStrength string

const (
	Weak     SignalStrength = "weak"
	Moderate SignalStrength = "moderate"
	Strong   SignalStrength = "strong"
	Extreme  SignalStrength = "extreme"
)

// Rank orders strengths Weak < Moderate < Strong < Extreme. Unknown strengths rank 0.
func (s SignalStrength) Rank() int {
	switch SignalStrength(strings.ToLower(string(s))) {
	case Weak:
		return 1
	case Moderate:
		return 2
	case Strong:
		return 3
	case Extreme:
		return 4
	}
	return 0
}

// CompositeSignal is produced by the upstream scoring pipeline. Symbol and
// Regime travel on the same envelope.
type CompositeSignal struct {
	Symbol         string         `json:"symbol" yaml:"symbol"`
	CompositeScore float64        `json:"composite_score" yaml:"composite_score"`
	Authorized     bool           `json:"authorized" yaml:"authorized"`
	Side           *Side          `json:"side" yaml:"side"`
	Confidence     float64        `json:"confidence" yaml:"confidence"`
	SignalStrength SignalStrength `json:"signal_strength" yaml:"signal_strength"`
	SignalType     string         `json:"signal_type" yaml:"signal_type"`
	Regime         string         `json:"regime" yaml:"regime"`
	Timestamp      time.Time      `json:"timestamp" yaml:"timestamp"`
}

type MarketContext struct {
	Symbol       string          `json:"symbol"`
	Balance      decimal.Decimal `json:"balance"`
	Positions    []string        `json:"positions"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

type Position struct {
	Symbol             string          `json:"symbol"`
	Side               Side            `json:"side"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	Size               decimal.Decimal `json:"size"`
	Leverage           decimal.Decimal `json:"leverage"`
	StopLoss           decimal.Decimal `json:"stop_loss"`
	TakeProfit         decimal.Decimal `json:"take_profit"`
	OpenedAt           time.Time       `json:"opened_at"`
	PnlPercent         decimal.Decimal `json:"pnl_percent"`
	HighWaterRoi       decimal.Decimal `json:"high_water_roi"`
	BreakEvenActivated bool            `json:"break_even_activated"`
	TrailingActive     bool            `json:"trailing_active"`
	StopKind           string          `json:"stop_kind"`
	LastPrice          decimal.Decimal `json:"last_price"`
	FeatureKey         string          `json:"feature_key"`
	OrderID            string          `json:"order_id"`
	CorrelationID      string          `json:"correlation_id"`
	// PendingClose holds the exit reason while a reduce-only close has not
	// been confirmed by the venue.
	PendingClose string `json:"pending_close,omitempty"`
}

type TradeOutcome struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	PnlPercent    float64   `json:"pnl_percent"`
	PnlUSD        float64   `json:"pnl_usd"`
	FeatureKey    string    `json:"feature_key"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

func (o TradeOutcome) IsLoss() bool { return o.PnlPercent < 0 }
func (o TradeOutcome) IsWin() bool  { return o.PnlPercent > 0 }
