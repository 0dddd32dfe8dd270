package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/venue"
)

// Sampler опрашивает все площадки параллельно.
// Отказ одной площадки не ломает выборку: площадка просто
// отсутствует в результате, решение принимают политики.
type Sampler struct {
	adapters map[venue.ID]venue.Adapter
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSampler создает Sampler с ограничением времени опроса одной площадки
func NewSampler(adapters map[venue.ID]venue.Adapter, timeout time.Duration, logger *zap.Logger) *Sampler {
	return &Sampler{
		adapters: adapters,
		timeout:  timeout,
		logger:   logger,
	}
}

// Venues возвращает идентификаторы подключённых площадок
func (s *Sampler) Venues() []venue.ID {
	ids := make([]venue.ID, 0, len(s.adapters))
	for id := range s.adapters {
		ids = append(ids, id)
	}
	return ids
}

// Adapter возвращает адаптер площадки
func (s *Sampler) Adapter(id venue.ID) (venue.Adapter, bool) {
	a, ok := s.adapters[id]
	return a, ok
}

// sample выполняет fn на каждой площадке в отдельной горутине.
// Ошибки логируются, площадка с ошибкой исключается из результата.
func sample[T any](s *Sampler, ctx context.Context, op string, fn func(ctx context.Context, a venue.Adapter) (T, error)) map[venue.ID]T {
	type reply struct {
		id    venue.ID
		value T
		err   error
	}

	replies := make(chan reply, len(s.adapters))
	var wg sync.WaitGroup
	for id, adapter := range s.adapters {
		wg.Add(1)
		go func(id venue.ID, adapter venue.Adapter) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			value, err := fn(callCtx, adapter)
			replies <- reply{id: id, value: value, err: err}
		}(id, adapter)
	}
	wg.Wait()
	close(replies)

	out := make(map[venue.ID]T, len(s.adapters))
	for r := range replies {
		if r.err != nil {
			s.logger.Warn("venue sample failed",
				zap.String("venue", string(r.id)),
				zap.String("op", op),
				zap.Error(r.err))
			continue
		}
		out[r.id] = r.value
	}
	return out
}

// Positions собирает открытые позиции со всех площадок
func (s *Sampler) Positions(ctx context.Context) map[venue.ID][]venue.Position {
	return sample(s, ctx, "positions", func(ctx context.Context, a venue.Adapter) ([]venue.Position, error) {
		return a.FetchPositions(ctx)
	})
}

// Balances собирает доступные балансы со всех площадок
func (s *Sampler) Balances(ctx context.Context) map[venue.ID]decimal.Decimal {
	return sample(s, ctx, "balances", func(ctx context.Context, a venue.Adapter) (decimal.Decimal, error) {
		return a.FetchBalance(ctx)
	})
}

// Tickers собирает лучшие цены по базовому активу со всех площадок
func (s *Sampler) Tickers(ctx context.Context, base string) map[venue.ID]*venue.Ticker {
	return sample(s, ctx, "tickers", func(ctx context.Context, a venue.Adapter) (*venue.Ticker, error) {
		return a.FetchTicker(ctx, a.MapSymbol(base))
	})
}

// Books собирает стаканы по базовому активу со всех площадок
func (s *Sampler) Books(ctx context.Context, base string, depth int) map[venue.ID]*venue.OrderBook {
	return sample(s, ctx, "books", func(ctx context.Context, a venue.Adapter) (*venue.OrderBook, error) {
		return a.FetchOrderBook(ctx, a.MapSymbol(base), depth)
	})
}

// FundingRates собирает ставки финансирования по базовому активу
func (s *Sampler) FundingRates(ctx context.Context, base string) map[venue.ID]decimal.Decimal {
	return sample(s, ctx, "funding", func(ctx context.Context, a venue.Adapter) (decimal.Decimal, error) {
		return a.FetchFundingRate(ctx, a.MapSymbol(base))
	})
}

// PositionRisks вычисляет дистанцию до ликвидации для каждой позиции.
// Позиции без цены ликвидации пропускаются.
func PositionRisks(positions map[venue.ID][]venue.Position) []PositionRisk {
	risks := make([]PositionRisk, 0)
	for _, list := range positions {
		for _, pos := range list {
			if pos.Size.IsZero() || pos.LiquidationPrice.IsZero() || pos.MarkPrice.IsZero() {
				continue
			}
			var distance decimal.Decimal
			if pos.Side == venue.Long {
				distance = pos.MarkPrice.Sub(pos.LiquidationPrice).Div(pos.MarkPrice)
			} else {
				distance = pos.LiquidationPrice.Sub(pos.MarkPrice).Div(pos.MarkPrice)
			}
			risks = append(risks, PositionRisk{Position: pos, RiskDistance: distance})
		}
	}
	return risks
}
