// Package venue предоставляет унифицированный интерфейс для работы с торговыми площадками.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ID идентифицирует торговую площадку
type ID string

const (
	Binance ID = "binance"
	OKX     ID = "okx"
)

// Side направление ордера
type Side string

const (
	SideBuy  Side = "buy"  // покупка (открытие long или закрытие short)
	SideSell Side = "sell" // продажа (открытие short или закрытие long)
)

// Opposite возвращает противоположное направление
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide направление открытой позиции
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// CloseSide возвращает направление ордера, закрывающего позицию
func (p PositionSide) CloseSide() Side {
	if p == Long {
		return SideSell
	}
	return SideBuy
}

// OrderType тип ордера
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Order status constants
const (
	OrderStatusNew       = "new"
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Adapter определяет унифицированный интерфейс площадки.
// Все денежные значения передаются как decimal.Decimal, чтобы исключить
// накопление ошибок плавающей точки при расчёте размеров и цен.
type Adapter interface {
	// Name возвращает идентификатор площадки
	Name() ID

	// MapSymbol преобразует базовый актив в нативный символ площадки
	// ("BTC" -> "BTCUSDT" на Binance, "BTC-USDT-SWAP" на OKX)
	MapSymbol(base string) string

	// FetchBalance получает доступный баланс фьючерсного аккаунта в USDT
	FetchBalance(ctx context.Context) (decimal.Decimal, error)

	// FetchPositions получает список открытых позиций
	FetchPositions(ctx context.Context) ([]Position, error)

	// FetchTicker получает лучшие bid/ask по инструменту
	FetchTicker(ctx context.Context, instrument string) (*Ticker, error)

	// FetchOrderBook получает стакан заданной глубины
	FetchOrderBook(ctx context.Context, instrument string, depth int) (*OrderBook, error)

	// FetchKlines получает исторические свечи (новые последними)
	FetchKlines(ctx context.Context, instrument, interval string, limit int) ([]Kline, error)

	// FetchFundingRate получает текущую ставку финансирования перпетуала
	FetchFundingRate(ctx context.Context, instrument string) (decimal.Decimal, error)

	// FetchMarkPrice получает марк-цену инструмента
	FetchMarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error)

	// ListInstruments возвращает торгуемые деривативы по базовому активу,
	// включая фьючерсы с датой экспирации
	ListInstruments(ctx context.Context, base string) ([]Instrument, error)

	// SubmitOrder размещает ордер
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder отменяет ордер по идентификатору
	CancelOrder(ctx context.Context, instrument, orderID string) error

	// CancelAllOrders отменяет все открытые ордера по инструменту
	CancelAllOrders(ctx context.Context, instrument string) error

	// SetLeverage устанавливает плечо для инструмента
	SetLeverage(ctx context.Context, instrument string, leverage int) error

	// Close закрывает соединения с площадкой
	Close() error
}

// Ticker содержит лучшие цены покупки и продажи
type Ticker struct {
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Mid возвращает среднюю цену между bid и ask
func (t *Ticker) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// PriceLevel уровень цены в стакане
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook стакан ордеров: bids по убыванию цены, asks по возрастанию
type OrderBook struct {
	Instrument string       `json:"instrument"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  time.Time    `json:"timestamp"`
}

// TopDepth возвращает минимальный размер среди верхних n уровней bid и ask.
// Консервативная оценка доступной ликвидности для исполнения без проскальзывания.
func (ob *OrderBook) TopDepth(n int) decimal.Decimal {
	min := decimal.Zero
	first := true
	take := func(levels []PriceLevel) {
		for i := 0; i < n && i < len(levels); i++ {
			if first || levels[i].Size.LessThan(min) {
				min = levels[i].Size
				first = false
			}
		}
	}
	take(ob.Bids)
	take(ob.Asks)
	return min
}

// Kline одна свеча
type Kline struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Instrument описывает торгуемый дериватив
type Instrument struct {
	Symbol string    `json:"symbol"`
	Base   string    `json:"base"`
	Expiry time.Time `json:"expiry"` // нулевое время для перпетуалов
}

// IsPerpetual сообщает, является ли инструмент перпетуалом
func (i Instrument) IsPerpetual() bool {
	return i.Expiry.IsZero()
}

// OrderRequest параметры размещаемого ордера
type OrderRequest struct {
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`       // игнорируется для market
	ReduceOnly bool            `json:"reduce_only"` // только уменьшение позиции
}

// Order результат размещения ордера
type Order struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	FilledSize decimal.Decimal `json:"filled_size"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Position открытая позиция на площадке
type Position struct {
	Venue            ID              `json:"venue"`
	Instrument       string          `json:"instrument"`
	Side             PositionSide    `json:"side"`
	Size             decimal.Decimal `json:"size"` // абсолютный размер в контрактах
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"` // 1.0 означает ликвидацию
	Leverage         int             `json:"leverage"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Notional возвращает номинал позиции по марк-цене
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.MarkPrice)
}
