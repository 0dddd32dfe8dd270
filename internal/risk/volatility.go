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

const (
	volKlineInterval = "1h"
	volATRPeriod     = 14
)

var (
	rsiOverbought = decimal.NewFromInt(70)
	scoreWeight   = decimal.RequireFromString("0.5")
)

// volHedge - текущая доля позиции, закрытая волатильностным хеджем
type volHedge struct {
	ratio     decimal.Decimal
	updatedAt time.Time
}

// VolatilityPolicy хеджирует позиции при всплесках волатильности.
// Целевая доля хеджа растёт с ATR и перекупленностью по RSI,
// просроченные хеджи забываются и пересобираются заново
type VolatilityPolicy struct {
	cfg     config.VolatilityConfig
	bases   []string
	sampler *Sampler
	logger  *zap.Logger

	mu      sync.Mutex
	hedges  map[string]volHedge // venue/base
	reverts map[string]volHedge // состояние до последнего плана
}

func NewVolatilityPolicy(cfg config.VolatilityConfig, bases []string, sampler *Sampler, logger *zap.Logger) *VolatilityPolicy {
	return &VolatilityPolicy{
		cfg:     cfg,
		bases:   bases,
		sampler: sampler,
		logger:  logger.Named("volatility"),
		hedges:  make(map[string]volHedge),
	}
}

func (p *VolatilityPolicy) Name() string { return "volatility" }

func (p *VolatilityPolicy) Interval() time.Duration { return p.cfg.Interval }

// Maintain выбрасывает просроченные записи о хеджах
func (p *VolatilityPolicy) Maintain(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.HedgeExpiry)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, h := range p.hedges {
		if h.updatedAt.Before(cutoff) {
			p.logger.Info("volatility hedge expired", zap.String("key", key))
			delete(p.hedges, key)
		}
	}
}

// targetRatio вычисляет целевую долю хеджа из ATR и RSI
func (p *VolatilityPolicy) targetRatio(atrRatio, rsi decimal.Decimal) decimal.Decimal {
	if atrRatio.LessThan(p.cfg.HighBand) {
		return decimal.Zero
	}

	score := utils.MinDecimal(atrRatio.Div(p.cfg.HighBand), decimal.NewFromInt(1))
	target := p.cfg.BaseHedgeRatio.Add(score.Mul(scoreWeight))
	if overbought := rsi.Sub(rsiOverbought); overbought.IsPositive() {
		target = target.Add(overbought.Mul(p.cfg.RSIFactor))
	}
	return utils.MinDecimal(target, p.cfg.MaxHedgeRatio)
}

func (p *VolatilityPolicy) Plan(ctx context.Context, progress Progress) (*ActionPlan, error) {
	positions := p.sampler.Positions(ctx)
	if len(positions) == 0 {
		return nil, ErrInsufficientData
	}

	progress(StateClassifying)
	limit := p.cfg.RSIPeriod + 2
	if volATRPeriod+2 > limit {
		limit = volATRPeriod + 2
	}

	var legs []ActionLeg
	reverts := make(map[string]volHedge)
	now := time.Now()
	for id, list := range positions {
		adapter, ok := p.sampler.Adapter(id)
		if !ok {
			continue
		}
		for _, base := range p.bases {
			instrument := adapter.MapSymbol(base)
			pos, ok := findPosition(list, instrument)
			if !ok || pos.Size.IsZero() {
				continue
			}

			klines, err := adapter.FetchKlines(ctx, instrument, volKlineInterval, limit)
			if err != nil || len(klines) < volATRPeriod+1 {
				continue
			}
			highs := make([]decimal.Decimal, len(klines))
			lows := make([]decimal.Decimal, len(klines))
			closes := make([]decimal.Decimal, len(klines))
			for i, k := range klines {
				highs[i], lows[i], closes[i] = k.High, k.Low, k.Close
			}
			lastClose := closes[len(closes)-1]
			if lastClose.IsZero() {
				continue
			}
			atrRatio := utils.CalculateATR(highs, lows, closes).Div(lastClose)
			rsi := utils.CalculateRSI(closes, p.cfg.RSIPeriod)

			target := p.targetRatio(atrRatio, rsi)

			key := fundingKey(id, base)
			p.mu.Lock()
			current := p.hedges[key]
			p.mu.Unlock()

			delta := target.Sub(current.ratio)
			if delta.Abs().LessThanOrEqual(p.cfg.RebalanceDeviation) {
				continue
			}
			size := pos.Size.Mul(delta.Abs())
			if size.LessThan(MinOrderSize(base)) {
				continue
			}

			if atrRatio.GreaterThanOrEqual(p.cfg.ExtremeBand) {
				p.logger.Warn("extreme volatility",
					zap.String("venue", string(id)),
					zap.String("base", base),
					zap.String("atr_ratio", atrRatio.String()),
				)
			}

			// рост цели сокращает позицию, снижение возвращает экспозицию
			side := venue.SideSell
			if pos.Side == venue.Short {
				side = venue.SideBuy
			}
			reduceOnly := true
			if delta.IsNegative() {
				side = side.Opposite()
				reduceOnly = false
			}
			legs = append(legs, ActionLeg{
				Venue:      id,
				Instrument: instrument,
				Base:       base,
				Side:       side,
				Size:       size,
				Urgency:    UrgencyNormal,
				ReduceOnly: reduceOnly,
				Reason:     "volatility_hedge",
			})
			reverts[key] = current
			p.mu.Lock()
			p.hedges[key] = volHedge{ratio: target, updatedAt: now}
			p.mu.Unlock()
		}
	}
	if len(legs) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	p.reverts = reverts
	p.mu.Unlock()

	progress(StateComposing)
	return &ActionPlan{
		Policy:    p.Name(),
		Primary:   legs[0],
		Hedges:    legs[1:],
		CreatedAt: now.UTC(),
	}, nil
}

// OnResults откатывает записи по ногам, которые не исполнились
func (p *VolatilityPolicy) OnResults(plan *ActionPlan, results []ExecutionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range results {
		if r.Success() {
			continue
		}
		key := fundingKey(r.Leg.Venue, r.Leg.Base)
		if prev, ok := p.reverts[key]; ok {
			if prev.ratio.IsZero() && prev.updatedAt.IsZero() {
				delete(p.hedges, key)
			} else {
				p.hedges[key] = prev
			}
		}
	}
	p.reverts = nil
}
