package risk

import (
	"fmt"
	"sync"

	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
)

// ConsecutiveLossBreaker halts new entries after a losing streak, regardless
// of feature key. A zero-PnL outcome neither extends nor resets the streak.
type ConsecutiveLossBreaker struct {
	mu    sync.Mutex
	max   int
	count int
}

func NewConsecutiveLossBreaker(maxLosses int) *ConsecutiveLossBreaker {
	return &ConsecutiveLossBreaker{max: maxLosses}
}

func (b *ConsecutiveLossBreaker) Record(outcome model.TradeOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case outcome.IsLoss():
		b.count++
	case outcome.IsWin():
		b.count = 0
	}
	observ.SetLossStreak(b.count)
}

func (b *ConsecutiveLossBreaker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *ConsecutiveLossBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max > 0 && b.count >= b.max
}

func (b *ConsecutiveLossBreaker) Name() string  { return "consecutive_losses" }
func (b *ConsecutiveLossBreaker) Priority() int { return PriorityLossBreaker }

func (b *ConsecutiveLossBreaker) Evaluate(DecisionContext) Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && b.count >= b.max {
		v := Reject(model.CodeConsecutiveLossLimit, fmt.Sprintf("%d consecutive losses, limit %d", b.count, b.max))
		v.Payload = map[string]any{"consecutive_losses": b.count, "max_consecutive_losses": b.max}
		return v
	}
	return Pass()
}
