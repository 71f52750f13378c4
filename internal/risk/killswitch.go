package risk

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/futures-guard/internal/audit"
	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
)

// KeyGranularity selects how outcomes are bucketed. Finer keys isolate a bad
// setup more precisely but take longer to collect MinTrades samples.
type KeyGranularity string

const (
	GranularityType             KeyGranularity = "type"
	GranularityTypeRegime       KeyGranularity = "type_regime"
	GranularityTypeRegimeSide   KeyGranularity = "type_regime_side"
	GranularityTypeRegimeSymbol KeyGranularity = "type_regime_symbol"
)

func (g KeyGranularity) Valid() bool {
	switch g {
	case GranularityType, GranularityTypeRegime, GranularityTypeRegimeSide, GranularityTypeRegimeSymbol:
		return true
	}
	return false
}

// FeatureKey builds the bucket key, e.g. "trend:trending".
func FeatureKey(g KeyGranularity, signalType, regime string, side model.Side, symbol string) string {
	parts := []string{strings.ToLower(signalType)}
	switch g {
	case GranularityType:
	case GranularityTypeRegimeSide:
		parts = append(parts, strings.ToLower(regime), string(side))
	case GranularityTypeRegimeSymbol:
		parts = append(parts, strings.ToLower(regime), strings.ToUpper(symbol))
	default:
		parts = append(parts, strings.ToLower(regime))
	}
	return strings.Join(parts, ":")
}

type KillswitchConfig struct {
	WindowTrades    int            `yaml:"window_trades"`
	MinTrades       int            `yaml:"min_trades"`
	MinExpectancy   float64        `yaml:"min_expectancy"`
	MinProfitFactor float64        `yaml:"min_profit_factor"`
	MaxDrawdownPct  float64        `yaml:"max_drawdown_pct"`
	DisableFor      time.Duration  `yaml:"disable_for"`
	Granularity     KeyGranularity `yaml:"granularity"`
}

// FeatureRecord is the rolling outcome window for one feature key.
type FeatureRecord struct {
	Window        []float64 `json:"window"`
	DisabledUntil time.Time `json:"disabled_until"`
	Trips         int       `json:"trips"`
}

func (r FeatureRecord) Enabled(now time.Time) bool { return !now.Before(r.DisabledUntil) }

type Health struct {
	FeatureKey    string    `json:"feature_key"`
	Enabled       bool      `json:"enabled"`
	Tripped       bool      `json:"tripped"`
	Samples       int       `json:"samples"`
	Expectancy    float64   `json:"expectancy"`
	ProfitFactor  float64   `json:"profit_factor"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	Breaches      []string  `json:"breaches,omitempty"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
}

// FeatureHealthMonitor disables feature keys whose recent outcomes fall below
// the configured thresholds.
type FeatureHealthMonitor struct {
	mu       sync.Mutex
	cfg      KillswitchConfig
	features map[string]*FeatureRecord
}

func NewFeatureHealthMonitor(cfg KillswitchConfig) *FeatureHealthMonitor {
	if cfg.WindowTrades <= 0 {
		cfg.WindowTrades = 20
	}
	if cfg.MinTrades <= 0 || cfg.MinTrades > cfg.WindowTrades {
		cfg.MinTrades = cfg.WindowTrades
	}
	if !cfg.Granularity.Valid() {
		cfg.Granularity = GranularityTypeRegime
	}
	return &FeatureHealthMonitor{cfg: cfg, features: make(map[string]*FeatureRecord)}
}

func (m *FeatureHealthMonitor) Granularity() KeyGranularity { return m.cfg.Granularity }

func (m *FeatureHealthMonitor) record(key string) *FeatureRecord {
	rec, ok := m.features[key]
	if !ok {
		rec = &FeatureRecord{}
		m.features[key] = rec
	}
	return rec
}

// Record appends an outcome to its feature window, evicting the oldest sample
// once the window is full.
func (m *FeatureHealthMonitor) Record(outcome model.TradeOutcome) {
	if outcome.FeatureKey == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(outcome.FeatureKey)
	rec.Window = append(rec.Window, outcome.PnlPercent)
	if over := len(rec.Window) - m.cfg.WindowTrades; over > 0 {
		rec.Window = append([]float64(nil), rec.Window[over:]...)
	}
}

// Evaluate is called on every entry attempt before sizing. A breach disables
// the key until now+DisableFor and clears its window so it re-earns trust
// from scratch after the cooldown.
func (m *FeatureHealthMonitor) Evaluate(key string, now time.Time) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(key)
	h := Health{FeatureKey: key, Samples: len(rec.Window), Enabled: true}
	if !rec.Enabled(now) {
		h.Enabled = false
		h.DisabledUntil = rec.DisabledUntil
		return h
	}
	if len(rec.Window) < m.cfg.MinTrades {
		return h
	}

	h.Expectancy, h.ProfitFactor, h.MaxDrawdown = WindowStats(rec.Window)
	if h.Expectancy < m.cfg.MinExpectancy {
		h.Breaches = append(h.Breaches, "expectancy")
	}
	if h.ProfitFactor < m.cfg.MinProfitFactor {
		h.Breaches = append(h.Breaches, "profit_factor")
	}
	if h.MaxDrawdown > m.cfg.MaxDrawdownPct {
		h.Breaches = append(h.Breaches, "max_drawdown")
	}
	if len(h.Breaches) == 0 {
		return h
	}

	rec.DisabledUntil = now.Add(m.cfg.DisableFor)
	rec.Window = nil
	rec.Trips++
	h.Enabled = false
	h.Tripped = true
	h.DisabledUntil = rec.DisabledUntil
	observ.RecordKillswitchTrip(key)
	return h
}

// WindowStats returns mean pnl, profit factor and the max drawdown of the
// equity curve compounded from the pnl percentages. Profit factor is +Inf
// when there are gains and no losses, and 0 when there are neither.
func WindowStats(window []float64) (expectancy, profitFactor, maxDrawdown float64) {
	if len(window) == 0 {
		return 0, 0, 0
	}
	var sum, grossProfit, grossLoss float64
	equity, peak := 1.0, 1.0
	for _, pnl := range window {
		sum += pnl
		if pnl > 0 {
			grossProfit += pnl
		} else {
			grossLoss -= pnl
		}
		equity *= 1 + pnl/100
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak * 100; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	expectancy = sum / float64(len(window))
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		profitFactor = math.Inf(1)
	}
	return expectancy, profitFactor, maxDrawdown
}

// FormatRatio renders +Inf as "inf" so payloads stay valid JSON.
func FormatRatio(v float64) any {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return v
}

// AsGate exposes the monitor as a pipeline step.
func (m *FeatureHealthMonitor) AsGate() RiskGate {
	return GateFunc{GateName: "killswitch", GatePriority: PriorityKillswitch, Fn: m.Gate}
}

func (m *FeatureHealthMonitor) Snapshot() map[string]FeatureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]FeatureRecord, len(m.features))
	for k, rec := range m.features {
		cp := *rec
		cp.Window = append([]float64(nil), rec.Window...)
		out[k] = cp
	}
	return out
}

// Gate adapts Evaluate to the pipeline. Disabled keys wait quietly; a fresh
// trip carries the killswitch_triggered event.
func (m *FeatureHealthMonitor) Gate(ctx DecisionContext) Verdict {
	h := m.Evaluate(ctx.FeatureKey, ctx.Timestamp)
	if h.Enabled {
		return Pass()
	}
	v := Wait(model.CodeFeatureDisabled, fmt.Sprintf("feature %s disabled until %s", h.FeatureKey, h.DisabledUntil.Format(time.RFC3339)))
	v.RetryAfter = h.DisabledUntil.Sub(ctx.Timestamp)
	if h.Tripped {
		v.Event = audit.KillswitchTriggered
		v.Severity = audit.SeverityWarning
		v.Payload = map[string]any{
			"feature_key":    h.FeatureKey,
			"samples":        h.Samples,
			"expectancy":     h.Expectancy,
			"profit_factor":  FormatRatio(h.ProfitFactor),
			"max_drawdown":   h.MaxDrawdown,
			"breaches":       h.Breaches,
			"disabled_until": h.DisabledUntil,
			"thresholds": map[string]any{
				"min_expectancy":    m.cfg.MinExpectancy,
				"min_profit_factor": m.cfg.MinProfitFactor,
				"max_drawdown_pct":  m.cfg.MaxDrawdownPct,
				"min_trades":        m.cfg.MinTrades,
				"window_trades":     m.cfg.WindowTrades,
			},
		}
	}
	return v
}

