package position

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	return Config{
		StopLossRoi:            d("10"),
		TakeProfitRoi:          d("40"),
		BreakEvenActivationRoi: d("8"),
		BreakEvenBufferPct:     d("0.1"),
		FeePct:                 d("0.05"),
		TrailingActivationRoi:  d("15"),
		TrailingDistanceRoi:    d("5"),
		MaxHold:                4 * time.Hour,
		MinHoldRoi:             d("2"),
	}
}

type outcomeSink struct{ outcomes []model.TradeOutcome }

func (s *outcomeSink) OnOutcome(o model.TradeOutcome) { s.outcomes = append(s.outcomes, o) }

func openAt(t *testing.T, m *Manager, side model.Side, entry string) model.Position {
	p, err := m.Build("ETHUSDTM", side, d(entry), d("1"), d("10"), t0)
	require.NoError(t, err)
	p.FeatureKey = "trend:trending"
	p.CorrelationID = "corr-1"
	require.NoError(t, m.Open(p))
	return p
}

func TestBuildSetsProtectivePrices(t *testing.T) {
	m := NewManager(testConfig(), nil)
	long, err := m.Build("ETHUSDTM", model.Long, d("100"), d("1"), d("10"), t0)
	require.NoError(t, err)
	assert.True(t, long.StopLoss.Equal(d("99")))
	assert.True(t, long.TakeProfit.Equal(d("104")))

	short, err := m.Build("ETHUSDTM", model.Short, d("100"), d("1"), d("10"), t0)
	require.NoError(t, err)
	assert.True(t, short.StopLoss.Equal(d("101")))
	assert.True(t, short.TakeProfit.Equal(d("96")))

	_, err = m.Build("ETHUSDTM", model.Long, d("100"), d("1"), d("-3"), t0)
	assert.Error(t, err)
}

func TestOpenRejectsSecondPositionOnSymbol(t *testing.T) {
	m := NewManager(testConfig(), nil)
	openAt(t, m, model.Long, "100")
	p, _ := m.Build("ETHUSDTM", model.Short, d("100"), d("1"), d("10"), t0)
	assert.ErrorIs(t, m.Open(p), ErrPositionExists)
	assert.Equal(t, 1, m.Count())
}

func TestBreakEvenThenTrailingLong(t *testing.T) {
	sink := &outcomeSink{}
	m := NewManager(testConfig(), sink)
	openAt(t, m, model.Long, "100")

	// 0.9% move at 10x = 9% ROI arms break-even at entry + (2*0.05+0.1)%.
	res, err := m.Tick("ETHUSDTM", d("100.9"), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, res.Moves, 1)
	assert.Equal(t, ReasonBreakEvenStop, res.Moves[0].Kind)
	assert.True(t, res.Position.StopLoss.Equal(d("100.2")), "got %s", res.Position.StopLoss)
	assert.True(t, res.Position.BreakEvenActivated)
	assert.False(t, res.Position.TrailingActive)

	// 20% ROI: trail 0.5% under price.
	res, err = m.Tick("ETHUSDTM", d("102"), t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, res.Moves, 1)
	assert.Equal(t, ReasonTrailingStop, res.Moves[0].Kind)
	assert.True(t, res.Position.StopLoss.Equal(d("101.49")), "got %s", res.Position.StopLoss)
	assert.True(t, res.Position.HighWaterRoi.Equal(d("20")))

	// Pullback that stays above the activation does not loosen the stop.
	res, err = m.Tick("ETHUSDTM", d("101.6"), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, res.Moves)
	assert.True(t, res.Position.StopLoss.Equal(d("101.49")))
	assert.True(t, res.Position.HighWaterRoi.Equal(d("20")))

	res, err = m.Tick("ETHUSDTM", d("101.4"), t0.Add(4*time.Minute))
	require.NoError(t, err)
	require.True(t, res.Closed)
	assert.Equal(t, ReasonTrailingStop, res.Outcome.Reason)
	assert.InDelta(t, 14.0, res.Outcome.PnlPercent, 1e-9)
	assert.Equal(t, "trend:trending", res.Outcome.FeatureKey)
	require.Len(t, sink.outcomes, 1, "feedback runs before Tick returns")
	assert.Equal(t, 0, m.Count())
}

func TestBreakEvenStopExitShort(t *testing.T) {
	sink := &outcomeSink{}
	m := NewManager(testConfig(), sink)
	openAt(t, m, model.Short, "100")

	res, err := m.Tick("ETHUSDTM", d("99.1"), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Position.StopLoss.Equal(d("99.8")), "got %s", res.Position.StopLoss)

	res, err = m.Tick("ETHUSDTM", d("99.85"), t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, res.Closed)
	assert.Equal(t, ReasonBreakEvenStop, res.Outcome.Reason)
	assert.Greater(t, res.Outcome.PnlPercent, 0.0)
}

func TestBreakEvenArmsOnlyOnceStopCanMove(t *testing.T) {
	testCases := []struct {
		name      string
		side      model.Side
		early     string
		later     string
		stopAfter string
	}{
		// Fee 0.5% puts break-even at 11% ROI, above the 8% activation.
		{name: "long", side: model.Long, early: "100.9", later: "101.3", stopAfter: "101.1"},
		{name: "short", side: model.Short, early: "99.1", later: "98.7", stopAfter: "98.9"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.FeePct = d("0.5")
			m := NewManager(cfg, nil)
			p := openAt(t, m, tc.side, "100")

			res, err := m.Tick("ETHUSDTM", d(tc.early), t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Empty(t, res.Moves)
			assert.False(t, res.Position.BreakEvenActivated, "stop could not reach break-even yet")
			assert.True(t, res.Position.StopLoss.Equal(p.StopLoss))

			res, err = m.Tick("ETHUSDTM", d(tc.later), t0.Add(2*time.Minute))
			require.NoError(t, err)
			require.Len(t, res.Moves, 1)
			assert.Equal(t, ReasonBreakEvenStop, res.Moves[0].Kind)
			assert.True(t, res.Position.BreakEvenActivated)
			assert.True(t, res.Position.StopLoss.Equal(d(tc.stopAfter)), "got %s", res.Position.StopLoss)
		})
	}
}

func TestPendingCloseIsFrozen(t *testing.T) {
	sink := &outcomeSink{}
	m := NewManager(testConfig(), sink)
	p := openAt(t, m, model.Long, "100")
	require.True(t, m.Remove(p.Symbol))

	p.PendingClose = ReasonStopLoss
	require.NoError(t, m.Open(p))

	res, err := m.Tick("ETHUSDTM", d("95"), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.True(t, res.Position.LastPrice.Equal(d("95")))
	assert.True(t, m.UnrealizedPnl().IsZero(), "pending close is already realized")
	assert.Empty(t, sink.outcomes)

	assert.True(t, m.Remove("ETHUSDTM"))
	assert.False(t, m.Remove("ETHUSDTM"))
	assert.Empty(t, sink.outcomes)
}

func TestCloseTriggerOrder(t *testing.T) {
	testCases := []struct {
		name   string
		side   model.Side
		price  string
		at     time.Duration
		reason string
	}{
		{"long stop", model.Long, "98.5", time.Minute, ReasonStopLoss},
		{"long target", model.Long, "104.5", time.Minute, ReasonTakeProfit},
		{"short stop", model.Short, "101", time.Minute, ReasonStopLoss},
		{"short target", model.Short, "96", time.Minute, ReasonTakeProfit},
		{"stale long", model.Long, "100.1", 5 * time.Hour, ReasonTimeExit},
		{"stop beats time exit", model.Long, "98", 5 * time.Hour, ReasonStopLoss},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &outcomeSink{}
			m := NewManager(testConfig(), sink)
			openAt(t, m, tc.side, "100")
			res, err := m.Tick("ETHUSDTM", d(tc.price), t0.Add(tc.at))
			require.NoError(t, err)
			require.True(t, res.Closed)
			assert.Equal(t, tc.reason, res.Outcome.Reason)
			assert.Len(t, sink.outcomes, 1)
		})
	}
}

func TestTimeExitNeedsLowRoi(t *testing.T) {
	m := NewManager(testConfig(), nil)
	openAt(t, m, model.Long, "100")
	res, err := m.Tick("ETHUSDTM", d("100.5"), t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Closed, "5% ROI clears the 2% minimum")
}

func TestManualClose(t *testing.T) {
	sink := &outcomeSink{}
	m := NewManager(testConfig(), sink)
	openAt(t, m, model.Long, "100")
	_, err := m.Tick("ETHUSDTM", d("100.3"), t0.Add(time.Minute))
	require.NoError(t, err)

	out, err := m.Close("ETHUSDTM", decimal.Zero, ReasonManual, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ReasonManual, out.Reason)
	assert.InDelta(t, 3.0, out.PnlPercent, 1e-9, "falls back to the last seen price")
	assert.InDelta(t, 0.3, out.PnlUSD, 1e-9)
	assert.Len(t, sink.outcomes, 1)

	_, err = m.Close("ETHUSDTM", d("100"), ReasonManual, t0)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	_, err = m.Tick("ETHUSDTM", d("100"), t0)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestStopsNeverLoosen(t *testing.T) {
	for _, side := range []model.Side{model.Long, model.Short} {
		t.Run(string(side), func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			cfg := testConfig()
			cfg.TakeProfitRoi = d("500")
			cfg.StopLossRoi = d("90")
			cfg.MaxHold = 0
			m := NewManager(cfg, nil)
			p := openAt(t, m, side, "100")
			prev := p.StopLoss
			price := 100.0
			for i := 0; i < 500; i++ {
				price *= 1 + (rng.Float64()-0.48)*0.004
				res, err := m.Tick("ETHUSDTM", decimal.NewFromFloat(price).Round(4), t0.Add(time.Duration(i)*time.Second))
				require.NoError(t, err)
				if side == model.Long {
					assert.True(t, res.Position.StopLoss.GreaterThanOrEqual(prev))
				} else {
					assert.True(t, res.Position.StopLoss.LessThanOrEqual(prev))
				}
				prev = res.Position.StopLoss
				if res.Closed {
					return
				}
			}
		})
	}
}

func TestUnrealizedPnl(t *testing.T) {
	m := NewManager(testConfig(), nil)
	openAt(t, m, model.Long, "100")
	p, err := m.Build("BTCUSDTM", model.Short, d("50000"), d("0.01"), d("10"), t0)
	require.NoError(t, err)
	require.NoError(t, m.Open(p))

	_, err = m.Tick("ETHUSDTM", d("100.5"), t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = m.Tick("BTCUSDTM", d("49900"), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, m.UnrealizedPnl().Equal(d("1.5")), "got %s", m.UnrealizedPnl())
	assert.Equal(t, []string{"BTCUSDTM", "ETHUSDTM"}, m.Symbols())
}
