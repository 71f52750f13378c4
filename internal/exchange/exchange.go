// Package exchange is the order placement surface the engine talks to. Signing
// and transport for a live venue sit behind the Exchange interface; this
// package ships the paper venue and a throttling wrapper.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

var (
	ErrUnknownSymbol = errors.New("exchange: no price for symbol")
	ErrRejected      = errors.New("exchange: order rejected")
)

type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          model.Side      `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"` // reference price for slippage and sanity checks
	Leverage      decimal.Decimal `json:"leverage"`
	ReduceOnly    bool            `json:"reduce_only"`
}

type OrderResult struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          model.Side      `json:"side"`
	Size          decimal.Decimal `json:"size"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	Status        string          `json:"status"`
	ReduceOnly    bool            `json:"reduce_only"`
	PlacedAt      time.Time       `json:"placed_at"`
}

// Exchange is the minimal surface the engine needs from a venue.
type Exchange interface {
	Name() string
	HasCredentials() bool
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// Opposite is the side that reduces a position.
func Opposite(side model.Side) model.Side {
	if side == model.Long {
		return model.Short
	}
	return model.Long
}
