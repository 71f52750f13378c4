package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

// RateLimitConfig bounds how often orders may be placed.
type RateLimitConfig struct {
	BurstInterval    time.Duration `yaml:"burst_interval"`
	MaxTradesPerHour int           `yaml:"max_trades_per_hour"`
	Window           time.Duration `yaml:"window"`
}

// RateLimiter combines a minimum-interval burst gate with a rolling window
// cap. Only committed placements consume budget. A reservation stands in for
// an order that is in flight so concurrent intents see it.
type RateLimiter struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	lastTrade time.Time
	trades    []time.Time
	reserved  map[uint64]time.Time
	nextID    uint64
}

type Reservation uint64

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &RateLimiter{cfg: cfg, reserved: make(map[uint64]time.Time)}
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.cfg.Window)
	i := 0
	for i < len(r.trades) && !r.trades[i].After(cutoff) {
		i++
	}
	r.trades = r.trades[i:]
}

// Check runs the burst gate then the rolling window gate.
func (r *RateLimiter) Check(now time.Time) *model.RejectError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(now)
}

func (r *RateLimiter) checkLocked(now time.Time) *model.RejectError {
	latest := r.lastTrade
	for _, at := range r.reserved {
		if at.After(latest) {
			latest = at
		}
	}
	if r.cfg.BurstInterval > 0 && !latest.IsZero() {
		if elapsed := now.Sub(latest); elapsed < r.cfg.BurstInterval {
			return &model.RejectError{
				Code:       model.CodeBurstRateLimit,
				Message:    fmt.Sprintf("last order %s ago, minimum interval %s", elapsed, r.cfg.BurstInterval),
				RetryAfter: r.cfg.BurstInterval - elapsed,
			}
		}
	}

	r.prune(now)
	if r.cfg.MaxTradesPerHour > 0 && len(r.trades)+len(r.reserved) >= r.cfg.MaxTradesPerHour {
		oldest := now
		if len(r.trades) > 0 {
			oldest = r.trades[0]
		}
		for _, at := range r.reserved {
			if at.Before(oldest) {
				oldest = at
			}
		}
		wait := oldest.Add(r.cfg.Window).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return &model.RejectError{
			Code:       model.CodeHourlyRateLimit,
			Message:    fmt.Sprintf("%d orders in the last %s, cap %d", len(r.trades)+len(r.reserved), r.cfg.Window, r.cfg.MaxTradesPerHour),
			RetryAfter: wait,
		}
	}
	return nil
}

// Reserve checks capacity and holds a slot for an in-flight order.
func (r *RateLimiter) Reserve(now time.Time) (Reservation, *model.RejectError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rej := r.checkLocked(now); rej != nil {
		return 0, rej
	}
	r.nextID++
	r.reserved[r.nextID] = now
	return Reservation(r.nextID), nil
}

// Commit turns a reservation into a recorded trade at the placement time.
func (r *RateLimiter) Commit(res Reservation, placedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, uint64(res))
	r.recordLocked(placedAt)
}

// Release drops a reservation without consuming budget.
func (r *RateLimiter) Release(res Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, uint64(res))
}

// RecordTrade records a successful placement made without a reservation.
func (r *RateLimiter) RecordTrade(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(at)
}

func (r *RateLimiter) recordLocked(at time.Time) {
	if at.After(r.lastTrade) {
		r.lastTrade = at
	}
	i := sort.Search(len(r.trades), func(i int) bool { return r.trades[i].After(at) })
	r.trades = append(r.trades, time.Time{})
	copy(r.trades[i+1:], r.trades[i:])
	r.trades[i] = at
}

type RateLimitStatus struct {
	LastTrade      time.Time `json:"last_trade"`
	TradesInWindow int       `json:"trades_in_window"`
	InFlight       int       `json:"in_flight"`
	Cap            int       `json:"cap"`
}

func (r *RateLimiter) Status(now time.Time) RateLimitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	return RateLimitStatus{LastTrade: r.lastTrade, TradesInWindow: len(r.trades), InFlight: len(r.reserved), Cap: r.cfg.MaxTradesPerHour}
}

func (r *RateLimiter) Name() string  { return "rate_limit" }
func (r *RateLimiter) Priority() int { return PriorityRateLimit }

func (r *RateLimiter) Evaluate(ctx DecisionContext) Verdict {
	if rej := r.Check(ctx.Timestamp); rej != nil {
		return FromReject(rej, model.ActionRejected)
	}
	return Pass()
}
