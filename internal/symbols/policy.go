package symbols

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

// ErrUniverseEmpty is returned when no allow-list entry survives the deny-list.
var ErrUniverseEmpty = errors.New(string(model.CodeUniverseEmpty) + ": allow-list minus deny-list is empty")

// Quote suffixes recognised on unseparated tickers, longest first.
var quoteSuffixes = []string{"USDTM", "USDCM", "USDT", "USDC", "BUSD", "USD"}

// Contract-type suffixes that say nothing about the pair. They are stripped
// before the quote is split off.
var settlementSuffixes = []string{"PERP", "SWAP"}

func isSettlement(s string) bool {
	for _, suf := range settlementSuffixes {
		if s == suf {
			return true
		}
	}
	return false
}

func trimSettlement(s string) string {
	for {
		trimmed := s
		for _, suf := range settlementSuffixes {
			if len(trimmed) > len(suf) && strings.HasSuffix(trimmed, suf) {
				trimmed = strings.TrimSuffix(trimmed, suf)
			}
		}
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

// DefaultAliases maps legacy base tickers to the canonical code.
var DefaultAliases = map[string]string{
	"XBT": "BTC",
}

// Symbol is a canonical trading pair. An empty Quote means "any quote" when
// the symbol is used as a list entry.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote,omitempty"`
}

func (s Symbol) String() string { return s.Base + s.Quote }

func (s Symbol) covers(other Symbol) bool {
	return s.Base == other.Base && (s.Quote == "" || s.Quote == other.Quote)
}

func isSeparator(r rune) bool {
	return r == '-' || r == '_' || r == ':' || r == '/'
}

// Canonicalize uppercases, strips whitespace, splits on separators or a known
// quote suffix and resolves base aliases. "btc/usdt", "BTC-USDT",
// "XBTUSDT" and "BTCUSDTPERP" all canonicalize to BTC+USDT.
func Canonicalize(raw string, aliases map[string]string) Symbol {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)

	parts := strings.FieldsFunc(cleaned, isSeparator)
	for len(parts) > 1 && isSettlement(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}

	var sym Symbol
	if len(parts) > 1 {
		// BTC/USDT:USDT carries a settlement suffix we do not care about.
		sym = Symbol{Base: parts[0], Quote: parts[1]}
	} else if len(parts) == 1 {
		sym = Symbol{Base: trimSettlement(parts[0])}
		for _, q := range quoteSuffixes {
			if len(sym.Base) > len(q) && strings.HasSuffix(sym.Base, q) {
				sym = Symbol{Base: strings.TrimSuffix(sym.Base, q), Quote: q}
				break
			}
		}
	}
	if alias, ok := aliases[sym.Base]; ok {
		sym.Base = strings.ToUpper(alias)
	}
	return sym
}

type Decision struct {
	Allowed bool       `json:"allowed"`
	Code    model.Code `json:"code"`
	Symbol  string     `json:"symbol"`
	Reason  string     `json:"reason,omitempty"`
}

// Policy is immutable once built and safe for concurrent use.
type Policy struct {
	allow   []Symbol
	deny    []Symbol
	aliases map[string]string
}

// NewPolicy canonicalizes both lists and fails fast when nothing is tradable.
func NewPolicy(allow, deny []string, aliases map[string]string) (*Policy, error) {
	if aliases == nil {
		aliases = DefaultAliases
	}
	p := &Policy{aliases: aliases}
	for _, raw := range allow {
		if s := Canonicalize(raw, aliases); s.Base != "" {
			p.allow = append(p.allow, s)
		}
	}
	for _, raw := range deny {
		if s := Canonicalize(raw, aliases); s.Base != "" {
			p.deny = append(p.deny, s)
		}
	}
	if len(p.Universe()) == 0 {
		return nil, fmt.Errorf("%w (allow=%v deny=%v)", ErrUniverseEmpty, allow, deny)
	}
	return p, nil
}

// Universe lists allow entries not fully covered by a deny entry.
func (p *Policy) Universe() []string {
	var out []string
	for _, a := range p.allow {
		if !p.denied(a) {
			out = append(out, a.String())
		}
	}
	sort.Strings(out)
	return out
}

func (p *Policy) denied(s Symbol) bool {
	for _, d := range p.deny {
		if d.covers(s) {
			return true
		}
	}
	return false
}

func (p *Policy) Canonical(raw string) string {
	return Canonicalize(raw, p.aliases).String()
}

// Check evaluates the deny-list before the allow-list.
func (p *Policy) Check(raw string) Decision {
	sym := Canonicalize(raw, p.aliases)
	if sym.Base == "" {
		return Decision{Code: model.CodeSymbolNotAllowed, Symbol: raw, Reason: "empty symbol"}
	}
	if p.denied(sym) {
		return Decision{Code: model.CodeSymbolDenied, Symbol: sym.String(), Reason: "symbol is on the deny-list"}
	}
	for _, a := range p.allow {
		if a.covers(sym) {
			return Decision{Allowed: true, Code: model.CodeOK, Symbol: sym.String()}
		}
	}
	return Decision{Code: model.CodeSymbolNotAllowed, Symbol: sym.String(), Reason: "symbol is not on the allow-list"}
}
