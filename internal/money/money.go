// Package money holds the fixed-precision arithmetic used for every price,
// ROI and PnL computation in the agent. Nothing here touches float64 except at
// the edges (reporting), and every result is rounded to Precision places with
// banker's rounding so repeated operations do not drift.
package money

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/model"
)

// Precision is the number of decimal places kept on every result.
const Precision int32 = 8

var (
	ErrDivisionByZero  = errors.New("money: division by zero")
	ErrInvalidLeverage = errors.New("money: leverage must be positive")
	ErrInvalidPrice    = errors.New("money: price must be positive")
	ErrInvalidTarget   = errors.New("money: roi target out of range")
	ErrInvalidSide     = errors.New("money: unknown position side")
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
)

func round(d decimal.Decimal) decimal.Decimal { return d.RoundBank(Precision) }

func Add(a, b decimal.Decimal) decimal.Decimal { return round(a.Add(b)) }
func Sub(a, b decimal.Decimal) decimal.Decimal { return round(a.Sub(b)) }
func Mul(a, b decimal.Decimal) decimal.Decimal { return round(a.Mul(b)) }

// Div never returns a silent zero: a zero divisor is an error.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return round(a.Div(b)), nil
}

// RoundSignificant rounds d to sig significant figures.
func RoundSignificant(d decimal.Decimal, sig int) decimal.Decimal {
	if d.IsZero() || sig <= 0 {
		return d
	}
	intDigits := d.NumDigits() + int(d.Exponent())
	return d.Round(int32(sig - intDigits))
}

func checkLeverage(leverage decimal.Decimal) error {
	if !leverage.IsPositive() {
		return ErrInvalidLeverage
	}
	return nil
}

// BreakEvenRoi returns the ROI percent a position must show to cover a round
// trip of fees plus buffer. fee and buffer are percentages of notional.
func BreakEvenRoi(leverage, buffer, fee decimal.Decimal) (decimal.Decimal, error) {
	if err := checkLeverage(leverage); err != nil {
		return decimal.Zero, err
	}
	if buffer.IsNegative() || fee.IsNegative() {
		return decimal.Zero, ErrInvalidTarget
	}
	return Mul(Add(Mul(fee, two), buffer), leverage), nil
}

// PriceMove converts an ROI percent at the given leverage into a fractional
// price move (5% ROI at 10x is 0.005).
func PriceMove(roi, leverage decimal.Decimal) (decimal.Decimal, error) {
	if err := checkLeverage(leverage); err != nil {
		return decimal.Zero, err
	}
	return round(roi.Div(leverage).Div(hundred)), nil
}

func protectivePrice(side model.Side, entry, roi, leverage decimal.Decimal, towardLoss bool) (decimal.Decimal, error) {
	if err := checkLeverage(leverage); err != nil {
		return decimal.Zero, err
	}
	if !entry.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	if !side.Valid() {
		return decimal.Zero, ErrInvalidSide
	}
	if !roi.IsPositive() {
		return decimal.Zero, ErrInvalidTarget
	}
	move, err := PriceMove(roi, leverage)
	if err != nil {
		return decimal.Zero, err
	}
	down := (side == model.Long) == towardLoss
	if down && move.GreaterThanOrEqual(one) {
		return decimal.Zero, ErrInvalidTarget
	}
	var price decimal.Decimal
	if down {
		price = Mul(entry, Sub(one, move))
	} else {
		price = Mul(entry, Add(one, move))
	}
	if price.Equal(entry) || !price.IsPositive() {
		return decimal.Zero, ErrInvalidTarget
	}
	return price, nil
}

// StopLossPrice is strictly below entry for longs and strictly above for shorts.
func StopLossPrice(side model.Side, entry, roi, leverage decimal.Decimal) (decimal.Decimal, error) {
	return protectivePrice(side, entry, roi, leverage, true)
}

func TakeProfitPrice(side model.Side, entry, roi, leverage decimal.Decimal) (decimal.Decimal, error) {
	return protectivePrice(side, entry, roi, leverage, false)
}

// CurrentRoi is the leveraged return on margin in percent.
func CurrentRoi(side model.Side, entry, mark, leverage decimal.Decimal) (decimal.Decimal, error) {
	if err := checkLeverage(leverage); err != nil {
		return decimal.Zero, err
	}
	if !side.Valid() {
		return decimal.Zero, ErrInvalidSide
	}
	change, err := Div(mark.Sub(entry), entry)
	if err != nil {
		return decimal.Zero, err
	}
	roi := Mul(Mul(change, hundred), leverage)
	if side == model.Short {
		roi = roi.Neg()
	}
	return roi, nil
}

func UnrealizedPnl(side model.Side, entry, mark, size decimal.Decimal) decimal.Decimal {
	pnl := Mul(Sub(mark, entry), size)
	if side == model.Short {
		return pnl.Neg()
	}
	return pnl
}

// DrawdownPercent is clamped to [0,100]. It is 0 when peak is not positive or
// current has reached the peak.
func DrawdownPercent(peak, current decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || current.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	dd := round(peak.Sub(current).Div(peak).Mul(hundred))
	if dd.GreaterThan(hundred) {
		return hundred
	}
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// PositionSize returns contract quantity for a margin amount at leverage.
func PositionSize(usd, price, leverage decimal.Decimal) (decimal.Decimal, error) {
	if err := checkLeverage(leverage); err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	return Div(Mul(usd, leverage), price)
}
