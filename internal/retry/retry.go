package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds a retry loop. Zero values fall back to Default.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

var Default = Policy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = Default.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the backoff before attempt n (n starts at 1 for the first retry).
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, the attempts run out or ctx is done. It never
// waits longer than MaxAttempts*MaxDelay in total.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p = p.normalized()
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		case <-t.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.MaxAttempts, err)
}
