package risk

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/venue"
)

// mockAdapter - настраиваемый адаптер площадки для тестов.
// Поведение задается функциями-полями, незаданные методы возвращают
// пустые значения без ошибок.
type mockAdapter struct {
	id venue.ID

	balanceFn     func(ctx context.Context) (decimal.Decimal, error)
	positionsFn   func(ctx context.Context) ([]venue.Position, error)
	tickerFn      func(ctx context.Context, instrument string) (*venue.Ticker, error)
	orderBookFn   func(ctx context.Context, instrument string, depth int) (*venue.OrderBook, error)
	klinesFn      func(ctx context.Context, instrument, interval string, limit int) ([]venue.Kline, error)
	fundingFn     func(ctx context.Context, instrument string) (decimal.Decimal, error)
	markPriceFn   func(ctx context.Context, instrument string) (decimal.Decimal, error)
	instrumentsFn func(ctx context.Context, base string) ([]venue.Instrument, error)
	submitFn      func(ctx context.Context, req venue.OrderRequest) (*venue.Order, error)

	mu            sync.Mutex
	submitted     []venue.OrderRequest
	cancelled     []string
	leverages     map[string]int
	leverageCalls int
}

func newMockAdapter(id venue.ID) *mockAdapter {
	return &mockAdapter{id: id, leverages: make(map[string]int)}
}

func (m *mockAdapter) Name() venue.ID { return m.id }

func (m *mockAdapter) MapSymbol(base string) string {
	if m.id == venue.OKX {
		return strings.ToUpper(base) + "-USDT-SWAP"
	}
	return strings.ToUpper(base) + "USDT"
}

func (m *mockAdapter) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	if m.balanceFn != nil {
		return m.balanceFn(ctx)
	}
	return decimal.Zero, nil
}

func (m *mockAdapter) FetchPositions(ctx context.Context) ([]venue.Position, error) {
	if m.positionsFn != nil {
		return m.positionsFn(ctx)
	}
	return nil, nil
}

func (m *mockAdapter) FetchTicker(ctx context.Context, instrument string) (*venue.Ticker, error) {
	if m.tickerFn != nil {
		return m.tickerFn(ctx, instrument)
	}
	return &venue.Ticker{
		Instrument: instrument,
		Bid:        decimal.RequireFromString("100"),
		Ask:        decimal.RequireFromString("101"),
	}, nil
}

func (m *mockAdapter) FetchOrderBook(ctx context.Context, instrument string, depth int) (*venue.OrderBook, error) {
	if m.orderBookFn != nil {
		return m.orderBookFn(ctx, instrument, depth)
	}
	return &venue.OrderBook{Instrument: instrument}, nil
}

func (m *mockAdapter) FetchKlines(ctx context.Context, instrument, interval string, limit int) ([]venue.Kline, error) {
	if m.klinesFn != nil {
		return m.klinesFn(ctx, instrument, interval, limit)
	}
	return nil, nil
}

func (m *mockAdapter) FetchFundingRate(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if m.fundingFn != nil {
		return m.fundingFn(ctx, instrument)
	}
	return decimal.Zero, nil
}

func (m *mockAdapter) FetchMarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if m.markPriceFn != nil {
		return m.markPriceFn(ctx, instrument)
	}
	return decimal.Zero, errors.New("mark price not configured")
}

func (m *mockAdapter) ListInstruments(ctx context.Context, base string) ([]venue.Instrument, error) {
	if m.instrumentsFn != nil {
		return m.instrumentsFn(ctx, base)
	}
	return nil, nil
}

func (m *mockAdapter) SubmitOrder(ctx context.Context, req venue.OrderRequest) (*venue.Order, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(ctx, req)
	}
	return &venue.Order{
		ID:         "mock-order",
		Instrument: req.Instrument,
		Side:       req.Side,
		Size:       req.Size,
		Price:      req.Price,
		Status:     venue.OrderStatusNew,
	}, nil
}

func (m *mockAdapter) CancelOrder(ctx context.Context, instrument, orderID string) error {
	return nil
}

func (m *mockAdapter) CancelAllOrders(ctx context.Context, instrument string) error {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, instrument)
	m.mu.Unlock()
	return nil
}

func (m *mockAdapter) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	m.mu.Lock()
	m.leverages[instrument] = leverage
	m.leverageCalls++
	m.mu.Unlock()
	return nil
}

func (m *mockAdapter) Close() error { return nil }

// submittedOrders возвращает копию размещённых ордеров
func (m *mockAdapter) submittedOrders() []venue.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]venue.OrderRequest, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
