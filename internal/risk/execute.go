package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/venue"
	"riskguard/pkg/retry"
)

var (
	urgentBuyFactor   = decimal.RequireFromString("1.002")
	urgentSellFactor  = decimal.RequireFromString("0.998")
	normalBuyFactor   = decimal.RequireFromString("0.999")
	normalSellFactor  = decimal.RequireFromString("1.001")
)

// Coordinator исполняет план: все ноги уходят на площадки параллельно,
// отказ любой ноги фиксируется в результате и не трогает остальные
type Coordinator struct {
	adapters map[venue.ID]venue.Adapter
	logger   *zap.Logger
}

// NewCoordinator создает Coordinator
func NewCoordinator(adapters map[venue.ID]venue.Adapter, logger *zap.Logger) *Coordinator {
	return &Coordinator{adapters: adapters, logger: logger}
}

// Execute исполняет все ноги плана одновременно.
// Всегда возвращает по одному результату на ногу, в порядке плана;
// ошибки нóг захватываются, но не возвращаются.
func (c *Coordinator) Execute(ctx context.Context, plan *ActionPlan) []ExecutionResult {
	legs := plan.Legs()
	results := make([]ExecutionResult, len(legs))

	var wg sync.WaitGroup
	for i, leg := range legs {
		wg.Add(1)
		go func(i int, leg ActionLeg) {
			defer wg.Done()
			results[i] = c.executeLeg(ctx, leg)
		}(i, leg)
	}
	wg.Wait()

	for _, r := range results {
		legsExecuted.WithLabelValues(plan.Policy, string(r.Leg.Venue), legStatus(&r)).Inc()
	}
	return results
}

// executeLeg исполняет одну ногу: свежий тикер, цена по срочности,
// ордер типа из ноги (по умолчанию лимитный)
func (c *Coordinator) executeLeg(ctx context.Context, leg ActionLeg) ExecutionResult {
	result := ExecutionResult{Leg: leg, ExecutedAt: time.Now()}

	adapter, ok := c.adapters[leg.Venue]
	if !ok {
		result.Err = fmt.Errorf("no adapter for venue %s", leg.Venue)
		return result
	}

	instrument := leg.Instrument
	if instrument == "" {
		instrument = adapter.MapSymbol(leg.Base)
	}

	ticker, err := adapter.FetchTicker(ctx, instrument)
	if err != nil {
		result.Err = fmt.Errorf("fetch ticker: %w", err)
		return result
	}

	// Цена фиксируется в результате и для рыночных нóг, как ожидаемая
	price := legPrice(leg.Side, leg.Urgency, ticker)
	result.Price = price

	orderType := leg.Type
	if orderType == "" {
		orderType = venue.OrderTypeLimit
	}

	req := venue.OrderRequest{
		Instrument: instrument,
		Side:       leg.Side,
		Type:       orderType,
		Size:       leg.Size,
		ReduceOnly: leg.ReduceOnly,
	}
	if orderType == venue.OrderTypeLimit {
		req.Price = price
	}

	// Срочные ноги защищают от ликвидации, их пересдаём агрессивнее
	retryCfg := retry.DefaultConfig()
	if leg.Urgency == UrgencyUrgent {
		retryCfg = retry.AggressiveConfig()
	}

	var order *venue.Order
	err = retry.Do(ctx, func() error {
		var submitErr error
		order, submitErr = adapter.SubmitOrder(ctx, req)
		return submitErr
	}, retryCfg)

	if err != nil {
		c.logger.Error("leg execution failed",
			zap.String("venue", string(leg.Venue)),
			zap.String("instrument", instrument),
			zap.String("side", string(leg.Side)),
			zap.String("size", leg.Size.String()),
			zap.Error(err))
		result.Err = err
		return result
	}

	result.Order = order
	c.logger.Info("leg executed",
		zap.String("venue", string(leg.Venue)),
		zap.String("instrument", instrument),
		zap.String("side", string(leg.Side)),
		zap.String("size", leg.Size.String()),
		zap.String("price", price.String()),
		zap.String("reason", leg.Reason))
	return result
}

// legPrice вычисляет лимитную цену ноги.
// Срочная нога агрессивно пересекает спред, обычная встаёт
// около середины с небольшим буфером к выгодному исполнению.
func legPrice(side venue.Side, urgency Urgency, ticker *venue.Ticker) decimal.Decimal {
	if urgency == UrgencyUrgent {
		if side == venue.SideBuy {
			return ticker.Ask.Mul(urgentBuyFactor)
		}
		return ticker.Bid.Mul(urgentSellFactor)
	}

	mid := ticker.Mid()
	if side == venue.SideBuy {
		return mid.Mul(normalBuyFactor)
	}
	return mid.Mul(normalSellFactor)
}

func legStatus(r *ExecutionResult) string {
	if r.Success() {
		return "ok"
	}
	return "failed"
}
