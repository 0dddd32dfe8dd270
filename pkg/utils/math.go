package utils

// math.go - математические утилиты для риск-менеджмента
//
// Все функции являются чистыми (pure functions) без побочных эффектов.
// Денежные величины считаются через shopspring/decimal, единая точность
// деления задаётся в internal/risk.

import (
	"github.com/shopspring/decimal"
)

// CalculateATR вычисляет средний истинный диапазон (Average True Range).
//
// True Range для бара i = max(high-low, |high-prevClose|, |low-prevClose|).
// ATR = среднее TR по всем барам начиная со второго.
//
// Слайсы должны быть одной длины и содержать минимум 2 бара,
// иначе возвращается ноль.
func CalculateATR(highs, lows, closes []decimal.Decimal) decimal.Decimal {
	n := len(highs)
	if n < 2 || len(lows) != n || len(closes) != n {
		return decimal.Zero
	}

	sum := decimal.Zero
	for i := 1; i < n; i++ {
		hl := highs[i].Sub(lows[i])
		hc := highs[i].Sub(closes[i-1]).Abs()
		lc := lows[i].Sub(closes[i-1]).Abs()

		tr := hl
		if hc.GreaterThan(tr) {
			tr = hc
		}
		if lc.GreaterThan(tr) {
			tr = lc
		}
		sum = sum.Add(tr)
	}

	return sum.Div(decimal.NewFromInt(int64(n - 1)))
}

// CalculateRSI вычисляет индекс относительной силы (RSI).
//
// Классическая формула Уайлдера по ценам закрытия:
// RSI = 100 - 100/(1 + avgGain/avgLoss).
//
// Требуется минимум period+1 закрытий; берутся последние period изменений.
// При нулевых потерях возвращается 100.
func CalculateRSI(closes []decimal.Decimal, period int) decimal.Decimal {
	if period <= 0 || len(closes) < period+1 {
		return decimal.Zero
	}

	closes = closes[len(closes)-period-1:]
	gains := decimal.Zero
	losses := decimal.Zero

	for i := 1; i < len(closes); i++ {
		delta := closes[i].Sub(closes[i-1])
		if delta.IsPositive() {
			gains = gains.Add(delta)
		} else {
			losses = losses.Add(delta.Neg())
		}
	}

	if losses.IsZero() {
		return decimal.NewFromInt(100)
	}

	hundred := decimal.NewFromInt(100)
	rs := gains.Div(losses)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}

// MidPrice возвращает середину спреда (bid+ask)/2
func MidPrice(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// SpreadPct возвращает спред между ценами в процентах от базы.
//
// SpreadPct(30010, 30100) = (30100-30010)/30010*100 ≈ 0.2999%
// При нулевой базе возвращается ноль.
func SpreadPct(base, quote decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return quote.Sub(base).Div(base).Mul(decimal.NewFromInt(100))
}

// Clamp ограничивает значение диапазоном [lo, hi]
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// MinDecimal возвращает минимум из набора значений
func MinDecimal(first decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	min := first
	for _, v := range rest {
		if v.LessThan(min) {
			min = v
		}
	}
	return min
}

// RoundToStep округляет значение ВНИЗ до ближайшего кратного step.
//
// Используется для приведения объёма ордера к шагу лота биржи.
// Округление вниз гарантирует, что мы не превысим доступные средства.
// Если step не положителен, возвращается исходное значение.
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
