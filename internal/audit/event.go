package audit

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/futures-guard/internal/observ"
)

type EventType string

const (
	RiskRejection       EventType = "risk_rejection"
	KillswitchTriggered EventType = "killswitch_triggered"
	ExecutionBlocked    EventType = "execution_blocked"
	TradeOutcome        EventType = "trade_outcome"
	OrderSubmitted      EventType = "order_submitted"
	DuplicateOrder      EventType = "duplicate_order"
	InvariantViolation  EventType = "invariant_violation"
	PositionOpened      EventType = "position_opened"
	StopMoved           EventType = "stop_moved"
	PositionClosed      EventType = "position_closed"
	ExecutionError      EventType = "execution_error"
	CircuitBreakerReset EventType = "circuit_breaker_reset"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one line of the audit trail.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	CorrelationID string         `json:"correlation_id"`
	Component     string         `json:"component"`
	Severity      Severity       `json:"severity"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Logger is the audit sink contract. Implementations must not block
// indefinitely.
type Logger interface {
	Log(ctx context.Context, ev Event) error
}

type LoggerFunc func(ctx context.Context, ev Event) error

func (f LoggerFunc) Log(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout delivers to every sink and joins the failures.
type Fanout []Logger

func (f Fanout) Log(ctx context.Context, ev Event) error {
	var errs []error
	for _, l := range f {
		if l == nil {
			continue
		}
		if err := l.Log(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit fills defaults and logs the event. A sink failure is logged and
// counted, never returned: an audit outage must not change a trade decision.
func Emit(ctx context.Context, l Logger, ev Event) {
	if l == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if err := l.Log(ctx, ev); err != nil {
		observ.RecordAuditFailure()
		observ.LogError("audit_emit_failed", err, map[string]any{
			"event_type":     string(ev.EventType),
			"correlation_id": ev.CorrelationID,
		})
	}
}
