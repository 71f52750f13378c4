package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/futures-guard/internal/retry"
)

// Throttled bounds request rate to the venue beneath the engine's own trade
// gates. Price reads are retried; order placement is attempted once so a
// timeout can never turn into a second order.
type Throttled struct {
	inner   Exchange
	limiter *rate.Limiter
	policy  retry.Policy
}

func NewThrottled(inner Exchange, requestsPerSecond float64, burst int, policy retry.Policy) *Throttled {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		policy:  policy,
	}
}

func (t *Throttled) Name() string         { return t.inner.Name() }
func (t *Throttled) HasCredentials() bool { return t.inner.HasCredentials() }

func (t *Throttled) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var px decimal.Decimal
	err := retry.Do(ctx, t.policy, func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		px, err = t.inner.MarkPrice(ctx, symbol)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, err)
	}
	return px, nil
}

func (t *Throttled) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return OrderResult{}, fmt.Errorf("throttle: %w", err)
	}
	return t.inner.PlaceOrder(ctx, req)
}
