package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/futures-guard/internal/exchange"
	"github.com/Rajchodisetti/futures-guard/internal/position"
	"github.com/Rajchodisetti/futures-guard/internal/retry"
	"github.com/Rajchodisetti/futures-guard/internal/risk"
	"github.com/Rajchodisetti/futures-guard/internal/symbols"
	"github.com/Rajchodisetti/futures-guard/internal/transport"
)

const DefaultPath = "config/agent.yaml"

type Symbols struct {
	Allow   []string          `yaml:"allow"`
	Deny    []string          `yaml:"deny"`
	Aliases map[string]string `yaml:"aliases"`
}

type Risk struct {
	MaxConsecutiveLosses int               `yaml:"max_consecutive_losses"`
	BurstRateLimitMs     int               `yaml:"burst_rate_limit_ms"`
	MaxTradesPerHour     int               `yaml:"max_trades_per_hour"`
	MaxDrawdownPct       float64           `yaml:"max_drawdown_pct"`
	MaxPositions         int               `yaml:"max_positions"`
	Regime               risk.RegimePolicy `yaml:"regime"`
}

type Killswitch struct {
	WindowTrades    int     `yaml:"window_trades"`
	MinTrades       int     `yaml:"min_trades"`
	MinExpectancy   float64 `yaml:"min_expectancy"`
	MinProfitFactor float64 `yaml:"min_profit_factor"`
	MaxDrawdown     float64 `yaml:"max_drawdown"`
	DisableMinutes  int     `yaml:"disable_minutes"`
	KeyGranularity  string  `yaml:"key_granularity"`
}

// Lifecycle ROI values are leveraged percent of margin. Buffer and fee are
// percent of notional.
type Lifecycle struct {
	StopLossRoi            float64 `yaml:"stop_loss_roi"`
	TakeProfitRoi          float64 `yaml:"take_profit_roi"`
	BreakEvenActivationRoi float64 `yaml:"break_even_activation_roi"`
	BreakEvenBufferRoi     float64 `yaml:"break_even_buffer_roi"`
	FeePct                 float64 `yaml:"fee_pct"`
	TrailingActivationRoi  float64 `yaml:"trailing_activation_roi"`
	TrailingDistanceRoi    float64 `yaml:"trailing_distance_roi"`
	MaxHoldMinutes         int     `yaml:"max_hold_minutes"`
	MinHoldRoi             float64 `yaml:"min_hold_roi"`
}

// Sizing is per-order margin and leverage. BalanceUSD is the paper account's
// starting balance.
type Sizing struct {
	OrderUSD   float64 `yaml:"order_usd"`
	Leverage   float64 `yaml:"leverage"`
	BalanceUSD float64 `yaml:"balance_usd"`
}

type Storage struct {
	IdempotencyPath   string        `yaml:"idempotency_path"`
	IdempotencyBucket time.Duration `yaml:"idempotency_bucket"`
	AuditPath         string        `yaml:"audit_path"`
	JournalPath       string        `yaml:"journal_path"`
	WarmStartTrades   int           `yaml:"warm_start_trades"`
}

type Exchange struct {
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Burst             int                  `yaml:"burst"`
	Paper             exchange.PaperConfig `yaml:"paper"`
}

type Wire struct {
	Enabled          bool `yaml:"enabled"`
	transport.Config `yaml:",inline"`
}

type Server struct {
	Addr            string `yaml:"addr"`
	TelemetryBuffer int    `yaml:"telemetry_buffer"`
}

type Schedule struct {
	MonitorSpec string `yaml:"monitor"`
	StatusSpec  string `yaml:"status"`
}

type Root struct {
	TradingMode string       `yaml:"trading_mode"` // only paper is wired
	Symbols     Symbols      `yaml:"symbols"`
	Risk        Risk         `yaml:"risk"`
	Killswitch  Killswitch   `yaml:"killswitch"`
	Lifecycle   Lifecycle    `yaml:"lifecycle"`
	Sizing      Sizing       `yaml:"sizing"`
	Storage     Storage      `yaml:"storage"`
	Exchange    Exchange     `yaml:"exchange"`
	Wire        Wire         `yaml:"wire"`
	Server      Server       `yaml:"server"`
	Schedule    Schedule     `yaml:"schedule"`
	Retry       retry.Policy `yaml:"retry"`

	policy *symbols.Policy
}

// Path resolves the config file from CONFIG_PATH.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load starts from the defaults, overlays YAML and then the environment, and
// validates. Settings present in the file or environment win even when zero,
// so a zero limit disables its gate. An empty path skips the file.
func Load(path string) (Root, error) {
	c := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// defaults leaves the alias, price and regime maps nil. YAML merges into an
// existing map, so a shared default map would be mutated by the file.
func defaults() Root {
	return Root{
		TradingMode: "paper",
		Risk: Risk{
			MaxConsecutiveLosses: 3,
			BurstRateLimitMs:     30000,
			MaxTradesPerHour:     10,
			MaxDrawdownPct:       10,
			MaxPositions:         3,
		},
		Killswitch: Killswitch{
			WindowTrades:    20,
			MinTrades:       4,
			MinExpectancy:   -0.1,
			MinProfitFactor: 0.8,
			MaxDrawdown:     2.5,
			DisableMinutes:  60,
			KeyGranularity:  string(risk.GranularityTypeRegime),
		},
		Lifecycle: Lifecycle{
			StopLossRoi:            10,
			TakeProfitRoi:          20,
			BreakEvenActivationRoi: 5,
			BreakEvenBufferRoi:     0.05,
			FeePct:                 0.06,
			TrailingActivationRoi:  10,
			TrailingDistanceRoi:    3,
			MaxHoldMinutes:         240,
			MinHoldRoi:             1,
		},
		Sizing: Sizing{OrderUSD: 100, Leverage: 10, BalanceUSD: 1000},
		Storage: Storage{
			IdempotencyPath:   "data/idempotency.jsonl",
			IdempotencyBucket: 15 * time.Minute,
			AuditPath:         "data/audit.jsonl",
			JournalPath:       "data/journal.db",
			WarmStartTrades:   200,
		},
		Exchange: Exchange{
			RequestsPerSecond: 5,
			Burst:             2,
			Paper:             exchange.PaperConfig{SlippageBpsMin: 1, SlippageBpsMax: 5},
		},
		Wire: Wire{Config: transport.Config{
			BaseURL:      "http://localhost:8091",
			PollInterval: time.Second,
			Reconnect:    transport.ReconnectConfig{MaxAttempts: -1},
		}},
		Server:   Server{Addr: ":9090", TelemetryBuffer: 256},
		Schedule: Schedule{MonitorSpec: "*/5 * * * * *", StatusSpec: "0 * * * * *"},
		Retry:    retry.Default,
	}
}

// Validate fails fast on settings the agent cannot run with, including an
// empty tradable universe.
func (c *Root) Validate() error {
	var errs []error
	switch c.TradingMode {
	case "paper":
	default:
		errs = append(errs, fmt.Errorf("trading_mode %q not supported", c.TradingMode))
	}
	if !risk.KeyGranularity(c.Killswitch.KeyGranularity).Valid() {
		errs = append(errs, fmt.Errorf("killswitch.key_granularity %q invalid", c.Killswitch.KeyGranularity))
	}
	if c.Killswitch.MinTrades > c.Killswitch.WindowTrades {
		errs = append(errs, fmt.Errorf("killswitch.min_trades %d exceeds window_trades %d", c.Killswitch.MinTrades, c.Killswitch.WindowTrades))
	}
	if c.Sizing.Leverage <= 0 {
		errs = append(errs, fmt.Errorf("sizing.leverage must be positive"))
	}
	if c.Sizing.OrderUSD <= 0 {
		errs = append(errs, fmt.Errorf("sizing.order_usd must be positive"))
	}
	if c.Lifecycle.StopLossRoi <= 0 || c.Lifecycle.TakeProfitRoi <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle stop_loss_roi and take_profit_roi must be positive"))
	}
	if c.Lifecycle.StopLossRoi >= c.Sizing.Leverage*100 {
		errs = append(errs, fmt.Errorf("lifecycle.stop_loss_roi %.2f would put a long stop at or below zero", c.Lifecycle.StopLossRoi))
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct > 100 {
		errs = append(errs, fmt.Errorf("risk.max_drawdown_pct must be in (0, 100]"))
	}

	policy, err := symbols.NewPolicy(c.Symbols.Allow, c.Symbols.Deny, c.Symbols.Aliases)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.policy = policy
	}
	return errors.Join(errs...)
}

// SymbolPolicy returns the policy built by Validate.
func (c Root) SymbolPolicy() *symbols.Policy { return c.policy }

func (c Root) RateLimit() risk.RateLimitConfig {
	return risk.RateLimitConfig{
		BurstInterval:    time.Duration(c.Risk.BurstRateLimitMs) * time.Millisecond,
		MaxTradesPerHour: c.Risk.MaxTradesPerHour,
		Window:           time.Hour,
	}
}

func (c Root) KillswitchConfig() risk.KillswitchConfig {
	return risk.KillswitchConfig{
		WindowTrades:    c.Killswitch.WindowTrades,
		MinTrades:       c.Killswitch.MinTrades,
		MinExpectancy:   c.Killswitch.MinExpectancy,
		MinProfitFactor: c.Killswitch.MinProfitFactor,
		MaxDrawdownPct:  c.Killswitch.MaxDrawdown,
		DisableFor:      time.Duration(c.Killswitch.DisableMinutes) * time.Minute,
		Granularity:     risk.KeyGranularity(c.Killswitch.KeyGranularity),
	}
}

func (c Root) PositionConfig() position.Config {
	l := c.Lifecycle
	return position.Config{
		StopLossRoi:            decimal.NewFromFloat(l.StopLossRoi),
		TakeProfitRoi:          decimal.NewFromFloat(l.TakeProfitRoi),
		BreakEvenActivationRoi: decimal.NewFromFloat(l.BreakEvenActivationRoi),
		BreakEvenBufferPct:     decimal.NewFromFloat(l.BreakEvenBufferRoi),
		FeePct:                 decimal.NewFromFloat(l.FeePct),
		TrailingActivationRoi:  decimal.NewFromFloat(l.TrailingActivationRoi),
		TrailingDistanceRoi:    decimal.NewFromFloat(l.TrailingDistanceRoi),
		MaxHold:                time.Duration(l.MaxHoldMinutes) * time.Minute,
		MinHoldRoi:             decimal.NewFromFloat(l.MinHoldRoi),
	}
}

// IdempotencyBucket is the key time bucket; zero means disabled.
func (c Root) IdempotencyBucket() time.Duration {
	if c.Storage.IdempotencyBucket <= 0 {
		return 0
	}
	return c.Storage.IdempotencyBucket
}

type lookupFunc func(string) (string, bool)

func (c *Root) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.intVar("MAX_CONSECUTIVE_LOSSES", &c.Risk.MaxConsecutiveLosses)
	e.intVar("BURST_RATE_LIMIT_MS", &c.Risk.BurstRateLimitMs)
	e.intVar("MAX_TRADES_PER_HOUR", &c.Risk.MaxTradesPerHour)
	e.floatVar("MAX_DRAWDOWN_PCT", &c.Risk.MaxDrawdownPct)
	e.listVar("ALLOWED_REGIMES", &c.Risk.Regime.AllowedRegimes)

	e.intVar("KILLSWITCH_WINDOW_TRADES", &c.Killswitch.WindowTrades)
	e.intVar("KILLSWITCH_MIN_TRADES", &c.Killswitch.MinTrades)
	e.floatVar("KILLSWITCH_MIN_EXPECTANCY", &c.Killswitch.MinExpectancy)
	e.floatVar("KILLSWITCH_MIN_PROFIT_FACTOR", &c.Killswitch.MinProfitFactor)
	e.floatVar("KILLSWITCH_MAX_DRAWDOWN", &c.Killswitch.MaxDrawdown)
	e.intVar("KILLSWITCH_DISABLE_MINUTES", &c.Killswitch.DisableMinutes)
	e.strVar("KILLSWITCH_KEY_GRANULARITY", &c.Killswitch.KeyGranularity)

	e.floatVar("BREAK_EVEN_ACTIVATION_ROI", &c.Lifecycle.BreakEvenActivationRoi)
	e.floatVar("BREAK_EVEN_BUFFER_ROI", &c.Lifecycle.BreakEvenBufferRoi)
	e.floatVar("TRAILING_ACTIVATION_ROI", &c.Lifecycle.TrailingActivationRoi)
	e.floatVar("TRAILING_DISTANCE_ROI", &c.Lifecycle.TrailingDistanceRoi)
	e.intVar("MAX_HOLD_MINUTES", &c.Lifecycle.MaxHoldMinutes)
	e.floatVar("MIN_HOLD_ROI", &c.Lifecycle.MinHoldRoi)
	e.floatVar("STOP_LOSS_ROI", &c.Lifecycle.StopLossRoi)
	e.floatVar("TAKE_PROFIT_ROI", &c.Lifecycle.TakeProfitRoi)

	e.listVar("SYMBOL_ALLOWLIST", &c.Symbols.Allow)
	e.listVar("SYMBOL_DENYLIST", &c.Symbols.Deny)
	e.durationVar("IDEMPOTENCY_BUCKET", &c.Storage.IdempotencyBucket)

	e.strVar("EXCHANGE_API_KEY", &c.Exchange.Paper.APIKey)
	e.strVar("EXCHANGE_API_SECRET", &c.Exchange.Paper.APISecret)
	e.strVar("SIGNAL_FEED_URL", &c.Wire.BaseURL)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) strVar(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) floatVar(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

// durationVar accepts Go durations ("15m") or whole seconds. "0" disables.
func (e *envReader) durationVar(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) listVar(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
