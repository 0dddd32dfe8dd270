package risk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/config"
)

// LiquidationPolicy отслеживает дистанцию до ликвидации по всем площадкам
// и строит защитный план для худшей позиции: сокращение плюс хеджи
type LiquidationPolicy struct {
	cfg        config.LiquidationConfig
	sampler    *Sampler
	composer   *Composer
	thresholds *Thresholds
	logger     *zap.Logger
}

func NewLiquidationPolicy(cfg config.LiquidationConfig, sampler *Sampler, composer *Composer, logger *zap.Logger) *LiquidationPolicy {
	return &LiquidationPolicy{
		cfg:      cfg,
		sampler:  sampler,
		composer: composer,
		thresholds: MustThresholds(LowerIsWorse, []Band{
			{Level: SeverityCritical, Boundary: cfg.CriticalBand},
			{Level: SeverityHigh, Boundary: cfg.HighBand},
			{Level: SeverityMedium, Boundary: cfg.MediumBand},
		}, SeverityLow),
		logger: logger.Named("liquidation"),
	}
}

func (p *LiquidationPolicy) Name() string { return "liquidation" }

func (p *LiquidationPolicy) Interval() time.Duration { return p.cfg.Interval }

func (p *LiquidationPolicy) Maintain(ctx context.Context) {}

func (p *LiquidationPolicy) Plan(ctx context.Context, progress Progress) (*ActionPlan, error) {
	positions := p.sampler.Positions(ctx)
	if len(positions) == 0 {
		return nil, ErrInsufficientData
	}

	risks := PositionRisks(positions)

	// под наблюдением только позиции в пределах порога риска
	watched := risks[:0]
	for _, r := range risks {
		if r.RiskDistance.LessThan(p.cfg.RiskThreshold) {
			watched = append(watched, r)
		}
	}
	if len(watched) == 0 {
		return nil, nil
	}

	worst, ok := WorstPosition(watched)
	if !ok {
		return nil, nil
	}

	progress(StateClassifying)
	level := p.thresholds.Classify(worst.RiskDistance)

	p.logger.Info("liquidation risk detected",
		zap.String("venue", string(worst.Position.Venue)),
		zap.String("instrument", worst.Position.Instrument),
		zap.String("risk_distance", worst.RiskDistance.String()),
		zap.String("severity", level.String()),
	)

	progress(StateComposing)
	base := baseFromInstrument(worst.Position.Instrument)
	others := otherVenues(p.sampler.Venues(), worst.Position.Venue)
	return p.composer.DefensePlan(p.Name(), worst, level, others, base), nil
}

func (p *LiquidationPolicy) OnResults(plan *ActionPlan, results []ExecutionResult) {}
