package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/config"
	"riskguard/internal/venue"
	"riskguard/pkg/utils"
)

// venueLeverageLimits - жёсткие пределы плеча площадок
var venueLeverageLimits = map[venue.ID]struct{ min, max int }{
	venue.Binance: {1, 125},
	venue.OKX:     {3, 100},
}

// atrFactorCap ограничивает множитель 1/(2*ATRratio) при низкой волатильности
var atrFactorCap = decimal.NewFromInt(3)

// leverageDeadband - перестройки мельче не отправляются на площадку
var leverageDeadband = decimal.RequireFromString("0.5")

// LeveragePolicy подстраивает плечо под волатильность: чем выше ATR
// относительно цены, тем ниже целевое плечо. Позиции с критическим
// margin ratio страхуются обратным ордером на другой площадке
type LeveragePolicy struct {
	cfg     config.LeverageConfig
	bases   []string
	sampler *Sampler
	logger  *zap.Logger

	mu      sync.Mutex
	current map[string]decimal.Decimal // venue/base - последнее выставленное плечо
}

func NewLeveragePolicy(cfg config.LeverageConfig, bases []string, sampler *Sampler, logger *zap.Logger) *LeveragePolicy {
	return &LeveragePolicy{
		cfg:     cfg,
		bases:   bases,
		sampler: sampler,
		logger:  logger.Named("leverage"),
		current: make(map[string]decimal.Decimal),
	}
}

func (p *LeveragePolicy) Name() string { return "leverage" }

func (p *LeveragePolicy) Interval() time.Duration { return p.cfg.Interval }

// InitLeverage выставляет базовое плечо по всем площадкам и активам
// при старте сервиса
func (p *LeveragePolicy) InitLeverage(ctx context.Context) {
	base := decimal.NewFromInt(int64(p.cfg.BaseLeverage))
	for _, id := range p.sampler.Venues() {
		adapter, ok := p.sampler.Adapter(id)
		if !ok {
			continue
		}
		for _, asset := range p.bases {
			target := p.clampLeverage(id, base)
			instrument := adapter.MapSymbol(asset)
			if err := adapter.SetLeverage(ctx, instrument, int(target.Round(0).IntPart())); err != nil {
				p.logger.Error("initial leverage setup failed",
					zap.String("venue", string(id)),
					zap.String("instrument", instrument),
					zap.Error(err),
				)
				continue
			}
			p.mu.Lock()
			p.current[fundingKey(id, asset)] = target
			p.mu.Unlock()
		}
	}
}

// Maintain пересчитывает оптимальное плечо и перенастраивает площадки
func (p *LeveragePolicy) Maintain(ctx context.Context) {
	for _, id := range p.sampler.Venues() {
		adapter, ok := p.sampler.Adapter(id)
		if !ok {
			continue
		}
		for _, asset := range p.bases {
			p.adjustLeverage(ctx, id, adapter, asset)
		}
	}
}

func (p *LeveragePolicy) adjustLeverage(ctx context.Context, id venue.ID, adapter venue.Adapter, asset string) {
	instrument := adapter.MapSymbol(asset)
	klines, err := adapter.FetchKlines(ctx, instrument, p.cfg.KlineInterval, p.cfg.KlineLimit)
	if err != nil || len(klines) < p.cfg.ATRPeriod+1 {
		return
	}

	window := klines[len(klines)-p.cfg.ATRPeriod-1:]
	highs := make([]decimal.Decimal, len(window))
	lows := make([]decimal.Decimal, len(window))
	closes := make([]decimal.Decimal, len(window))
	for i, k := range window {
		highs[i], lows[i], closes[i] = k.High, k.Low, k.Close
	}
	atr := utils.CalculateATR(highs, lows, closes)
	lastClose := closes[len(closes)-1]
	if lastClose.IsZero() {
		return
	}

	target := p.optimalLeverage(id, atr.Div(lastClose))

	key := fundingKey(id, asset)
	p.mu.Lock()
	prev, known := p.current[key]
	p.mu.Unlock()
	if known && target.Sub(prev).Abs().LessThan(leverageDeadband) {
		return
	}

	if err := adapter.SetLeverage(ctx, instrument, int(target.Round(0).IntPart())); err != nil {
		p.logger.Error("leverage adjustment failed",
			zap.String("venue", string(id)),
			zap.String("instrument", instrument),
			zap.String("target", target.String()),
			zap.Error(err),
		)
		return
	}
	p.logger.Info("leverage adjusted",
		zap.String("venue", string(id)),
		zap.String("instrument", instrument),
		zap.String("from", prev.String()),
		zap.String("to", target.String()),
	)
	p.mu.Lock()
	p.current[key] = target
	p.mu.Unlock()
}

// optimalLeverage вычисляет целевое плечо по отношению ATR к цене
func (p *LeveragePolicy) optimalLeverage(id venue.ID, atrRatio decimal.Decimal) decimal.Decimal {
	factor := atrFactorCap
	if atrRatio.IsPositive() {
		factor = utils.MinDecimal(
			decimal.NewFromInt(1).Div(atrRatio.Mul(decimal.NewFromInt(2))),
			atrFactorCap,
		)
	}
	target := decimal.NewFromInt(int64(p.cfg.BaseLeverage)).Mul(factor)
	if adj, ok := p.cfg.Adjustments[string(id)]; ok {
		target = target.Mul(adj)
	}
	target = utils.Clamp(target,
		decimal.NewFromInt(int64(p.cfg.MinLeverage)),
		decimal.NewFromInt(int64(p.cfg.MaxLeverage)),
	)
	return p.clampLeverage(id, target)
}

func (p *LeveragePolicy) clampLeverage(id venue.ID, target decimal.Decimal) decimal.Decimal {
	limits, ok := venueLeverageLimits[id]
	if !ok {
		return target
	}
	return utils.Clamp(target,
		decimal.NewFromInt(int64(limits.min)),
		decimal.NewFromInt(int64(limits.max)),
	)
}

// Plan страхует позиции с критическим margin ratio встречным ордером
// на другой площадке
func (p *LeveragePolicy) Plan(ctx context.Context, progress Progress) (*ActionPlan, error) {
	positions := p.sampler.Positions(ctx)
	if len(positions) == 0 {
		return nil, ErrInsufficientData
	}

	progress(StateClassifying)
	var legs []ActionLeg
	for id, list := range positions {
		others := otherVenues(p.sampler.Venues(), id)
		if len(others) == 0 {
			continue
		}
		for _, pos := range list {
			if pos.Size.IsZero() || !pos.MarginRatio.GreaterThan(p.cfg.MarginRatioMax) {
				continue
			}
			p.logger.Warn("margin ratio critical",
				zap.String("venue", string(id)),
				zap.String("instrument", pos.Instrument),
				zap.String("margin_ratio", pos.MarginRatio.String()),
			)
			// обратная сторона на соседней площадке гасит направленный риск
			side := venue.SideSell
			if pos.Side == venue.Short {
				side = venue.SideBuy
			}
			legs = append(legs, ActionLeg{
				Venue:   others[0],
				Base:    baseFromInstrument(pos.Instrument),
				Side:    side,
				Size:    pos.Size.Mul(p.cfg.AutoHedgeRatio),
				Urgency: UrgencyUrgent,
				Reason:  "margin_ratio_hedge",
			})
		}
	}
	if len(legs) == 0 {
		return nil, nil
	}

	progress(StateComposing)
	return &ActionPlan{
		Policy:    p.Name(),
		Primary:   legs[0],
		Hedges:    legs[1:],
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (p *LeveragePolicy) OnResults(plan *ActionPlan, results []ExecutionResult) {}
