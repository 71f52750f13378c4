package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/money"
)

type PaperConfig struct {
	SlippageBpsMin     int               `yaml:"slippage_bps_min"`
	SlippageBpsMax     int               `yaml:"slippage_bps_max"`
	LatencyMsMin       int               `yaml:"latency_ms_min"`
	LatencyMsMax       int               `yaml:"latency_ms_max"`
	RequireCredentials bool              `yaml:"require_credentials"`
	APIKey             string            `yaml:"-"`
	APISecret          string            `yaml:"-"`
	Prices             map[string]string `yaml:"prices"`
}

// Paper fills every order immediately at the mark price plus simulated
// slippage against the taker.
type Paper struct {
	mu     sync.Mutex
	cfg    PaperConfig
	prices map[string]decimal.Decimal
	orders []OrderResult
	fail   []error
	rng    *rand.Rand
	now    func() time.Time
}

func NewPaper(cfg PaperConfig) (*Paper, error) {
	p := &Paper{
		cfg:    cfg,
		prices: make(map[string]decimal.Decimal),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for sym, raw := range cfg.Prices {
		px, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("paper price for %s: %w", sym, err)
		}
		p.prices[sym] = px
	}
	return p, nil
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) HasCredentials() bool {
	if !p.cfg.RequireCredentials {
		return true
	}
	return p.cfg.APIKey != "" && p.cfg.APISecret != ""
}

func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// FailNext makes the next PlaceOrder call return err.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = append(p.fail, err)
}

func (p *Paper) Orders() []OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderResult(nil), p.orders...)
}

func (p *Paper) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return px, nil
}

func between(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	latency := time.Duration(between(p.rng, p.cfg.LatencyMsMin, p.cfg.LatencyMsMax)) * time.Millisecond
	p.mu.Unlock()
	if latency > 0 {
		select {
		case <-ctx.Done():
			return OrderResult{}, ctx.Err()
		case <-time.After(latency):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fail) > 0 {
		err := p.fail[0]
		p.fail = p.fail[1:]
		return OrderResult{}, err
	}
	if !req.Size.IsPositive() {
		return OrderResult{}, fmt.Errorf("%w: size must be positive", ErrRejected)
	}
	mark, ok := p.prices[req.Symbol]
	if !ok {
		if !req.Price.IsPositive() {
			return OrderResult{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
		}
		mark = req.Price
	}

	bps := decimal.NewFromInt(int64(between(p.rng, p.cfg.SlippageBpsMin, p.cfg.SlippageBpsMax)))
	slip := bps.Div(decimal.NewFromInt(10000))
	var fill decimal.Decimal
	if req.Side == model.Long {
		fill = money.Mul(mark, money.Add(decimal.NewFromInt(1), slip))
	} else {
		fill = money.Mul(mark, money.Sub(decimal.NewFromInt(1), slip))
	}

	res := OrderResult{
		OrderID:       uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		FillPrice:     fill,
		Status:        "filled",
		ReduceOnly:    req.ReduceOnly,
		PlacedAt:      p.now(),
	}
	p.orders = append(p.orders, res)
	return res, nil
}
