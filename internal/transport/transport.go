package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

// EventEnvelope wraps wire events with metadata for ordering and resume
type EventEnvelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"` // "signal" or "mark"
	ID      string          `json:"id"`   // monotonic, used as the resume cursor
	TS      time.Time       `json:"ts_utc"`
	Payload json.RawMessage `json:"payload"`
}

const (
	TypeSignal = "signal"
	TypeMark   = "mark"
)

// Mark is a reference price update for one symbol.
type Mark struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// Signal decodes the payload of a signal envelope. A payload without a
// timestamp takes the envelope's.
func (e EventEnvelope) Signal() (model.CompositeSignal, error) {
	var sig model.CompositeSignal
	if e.Type != TypeSignal {
		return sig, fmt.Errorf("envelope %s: type %q is not a signal", e.ID, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &sig); err != nil {
		return sig, fmt.Errorf("envelope %s: decode signal: %w", e.ID, err)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = e.TS
	}
	return sig, nil
}

func (e EventEnvelope) Mark() (Mark, error) {
	var m Mark
	if e.Type != TypeMark {
		return m, fmt.Errorf("envelope %s: type %q is not a mark", e.ID, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return m, fmt.Errorf("envelope %s: decode mark: %w", e.ID, err)
	}
	if m.Symbol == "" || !m.Price.IsPositive() {
		return m, fmt.Errorf("envelope %s: mark needs a symbol and a positive price", e.ID)
	}
	return m, nil
}

// Client is a signal feed consumer.
type Client interface {
	// Start begins consuming events. The returned channel is closed once the
	// client stops, either through ctx or Close.
	Start(ctx context.Context) (<-chan EventEnvelope, error)
	Close() error
	LastEventID() string
	ConnectionState() ConnectionState
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type Config struct {
	BaseURL          string          `yaml:"base_url"`
	Path             string          `yaml:"path"`
	PollInterval     time.Duration   `yaml:"poll_interval"`
	Timeout          time.Duration   `yaml:"timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	MaxChannelBuffer int             `yaml:"max_channel_buffer"`
}

type ReconnectConfig struct {
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	MaxAttempts    int `yaml:"max_attempts"` // -1 for infinite
}

// backoff returns the wait after the n-th consecutive failure (n >= 1).
func (r ReconnectConfig) backoff(n int) time.Duration {
	initial := time.Duration(r.InitialDelayMs) * time.Millisecond
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	ceiling := time.Duration(r.MaxDelayMs) * time.Millisecond
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	d := initial
	for i := 1; i < n && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}
