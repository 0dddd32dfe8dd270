package risk

import (
	"strings"

	"github.com/shopspring/decimal"

	"riskguard/internal/venue"
)

// minOrderSizes минимальные размеры ордеров по базовым активам;
// корректировки мельче не отправляются на площадку
var minOrderSizes = map[string]decimal.Decimal{
	"BTC": decimal.RequireFromString("0.001"),
	"ETH": decimal.RequireFromString("0.01"),
	"SOL": decimal.RequireFromString("1"),
}

// MinOrderSize возвращает минимальный размер ордера для базового актива
func MinOrderSize(base string) decimal.Decimal {
	if size, ok := minOrderSizes[strings.ToUpper(base)]; ok {
		return size
	}
	return decimal.Zero
}

// baseFromInstrument извлекает базовый актив из нативного символа:
// "BTCUSDT" -> "BTC", "BTC-USDT-SWAP" -> "BTC"
func baseFromInstrument(instrument string) string {
	if i := strings.Index(instrument, "-"); i > 0 {
		return instrument[:i]
	}
	return strings.TrimSuffix(instrument, "USDT")
}

// otherVenues возвращает площадки, отличные от указанной
func otherVenues(all []venue.ID, except venue.ID) []venue.ID {
	out := make([]venue.ID, 0, len(all))
	for _, id := range all {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

// sumTopDepth суммирует размеры верхних n уровней стакана
func sumTopDepth(levels []venue.PriceLevel, n int) decimal.Decimal {
	total := decimal.Zero
	for i := 0; i < n && i < len(levels); i++ {
		total = total.Add(levels[i].Size)
	}
	return total
}
