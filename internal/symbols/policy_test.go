package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

func TestCanonicalize(t *testing.T) {
	testCases := []struct {
		raw  string
		want Symbol
	}{
		{"BTC/USDT", Symbol{"BTC", "USDT"}},
		{" btc-usdt ", Symbol{"BTC", "USDT"}},
		{"btc_usdt", Symbol{"BTC", "USDT"}},
		{"BTC/USDT:USDT", Symbol{"BTC", "USDT"}},
		{"XBTUSDTM", Symbol{"BTC", "USDTM"}},
		{"ETHUSDTM", Symbol{"ETH", "USDTM"}},
		{"E T H U S D T", Symbol{"ETH", "USDT"}},
		{"sol", Symbol{"SOL", ""}},
		{"USDT", Symbol{"USDT", ""}},
		{"BTCBUSD", Symbol{"BTC", "BUSD"}},
		{"XBTBUSD", Symbol{"BTC", "BUSD"}},
		{"BTCUSDTPERP", Symbol{"BTC", "USDT"}},
		{"BTC-USDT-PERP", Symbol{"BTC", "USDT"}},
		{"ETHUSD", Symbol{"ETH", "USD"}},
		{"PERP", Symbol{"PERP", ""}},
		{"", Symbol{}},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, Canonicalize(tc.raw, DefaultAliases))
		})
	}
}

func TestPolicyDenyWinsOverAllow(t *testing.T) {
	p, err := NewPolicy([]string{"BTC", "ETH", "SOLUSDTM", "BTCBUSD"}, []string{"XBT"}, nil)
	require.NoError(t, err)

	for _, raw := range []string{"BTC/USDT", "btcusdtm", "XBTUSDTM", "xbt-usd", "BTC", "BTCBUSD", "XBTBUSD", "BTCUSDTPERP"} {
		t.Run(raw, func(t *testing.T) {
			dec := p.Check(raw)
			assert.False(t, dec.Allowed)
			assert.Equal(t, model.CodeSymbolDenied, dec.Code)
		})
	}
}

func TestPolicyScenarioSameInstance(t *testing.T) {
	p, err := NewPolicy([]string{"BTCUSDT", "ETHUSDTM"}, []string{"BTC"}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, model.CodeSymbolDenied, p.Check("BTC/USDT").Code)
		allowed := p.Check("ETHUSDTM")
		assert.True(t, allowed.Allowed)
		assert.Equal(t, "ETHUSDTM", allowed.Symbol)
	}
}

func TestPolicyNotAllowed(t *testing.T) {
	p, err := NewPolicy([]string{"ETHUSDTM"}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, model.CodeSymbolNotAllowed, p.Check("ETHUSDT").Code, "quote must match a quoted entry")
	assert.Equal(t, model.CodeSymbolNotAllowed, p.Check("DOGEUSDTM").Code)
	assert.Equal(t, model.CodeSymbolNotAllowed, p.Check("  ").Code)
}

func TestPolicyUniverseEmptyFailsFast(t *testing.T) {
	testCases := []struct {
		name  string
		allow []string
		deny  []string
	}{
		{"no allow entries", nil, []string{"BTC"}},
		{"all denied by base", []string{"BTCUSDT", "XBTUSDTM"}, []string{"BTC"}},
		{"all denied exactly", []string{"ETH/USDT"}, []string{"ETHUSDT"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPolicy(tc.allow, tc.deny, nil)
			assert.ErrorIs(t, err, ErrUniverseEmpty)
		})
	}

	p, err := NewPolicy([]string{"BTC"}, []string{"BTCUSDT"}, nil)
	require.NoError(t, err, "a bare base survives a quoted deny entry")
	assert.Equal(t, []string{"BTC"}, p.Universe())
	assert.True(t, p.Check("BTCUSDC").Allowed)
}
