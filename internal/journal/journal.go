// Package journal keeps a queryable history of orders and closed trades so a
// restarted process can warm its killswitch windows and loss streak.
package journal

import (
	"github.com/Rajchodisetti/futures-guard/internal/exchange"
	"github.com/Rajchodisetti/futures-guard/internal/model"
)

type Recorder interface {
	RecordOrder(res exchange.OrderResult, purpose, correlationID string) error
	RecordOutcome(o model.TradeOutcome) error
	// Recent returns up to limit outcomes, oldest first.
	Recent(limit int) ([]model.TradeOutcome, error)
	Close() error
}

// NoopRecorder is used when no journal path is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordOrder(exchange.OrderResult, string, string) error { return nil }
func (n *NoopRecorder) RecordOutcome(model.TradeOutcome) error                 { return nil }
func (n *NoopRecorder) Recent(int) ([]model.TradeOutcome, error)               { return nil, nil }
func (n *NoopRecorder) Close() error                                           { return nil }
