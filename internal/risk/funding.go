package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/config"
	"riskguard/internal/venue"
)

// FundingPolicy эскалирует реакцию на экстремальные ставки финансирования:
// предупреждение, затем отмена ордеров с защитным хеджем, затем
// приостановка торговли с принудительным хеджем
type FundingPolicy struct {
	cfg        config.FundingConfig
	bases      []string
	sampler    *Sampler
	thresholds *Thresholds
	logger     *zap.Logger

	mu     sync.Mutex
	hedged map[string]bool // venue/base - защитный хедж уже открыт
	paused map[string]bool
}

func NewFundingPolicy(cfg config.FundingConfig, bases []string, sampler *Sampler, logger *zap.Logger) *FundingPolicy {
	return &FundingPolicy{
		cfg:     cfg,
		bases:   bases,
		sampler: sampler,
		thresholds: MustThresholds(HigherIsWorse, []Band{
			{Level: SeverityCritical, Boundary: cfg.ExtremeTier},
			{Level: SeverityHigh, Boundary: cfg.ActionTier},
			{Level: SeverityMedium, Boundary: cfg.WarningTier},
		}, SeverityLow),
		logger: logger.Named("funding"),
		hedged: make(map[string]bool),
		paused: make(map[string]bool),
	}
}

func (p *FundingPolicy) Name() string { return "funding" }

func (p *FundingPolicy) Interval() time.Duration { return p.cfg.Interval }

func (p *FundingPolicy) Maintain(ctx context.Context) {}

// IsPaused сообщает, приостановлена ли торговля по паре площадка/актив
func (p *FundingPolicy) IsPaused(id venue.ID, base string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused[fundingKey(id, base)]
}

func fundingKey(id venue.ID, base string) string {
	return string(id) + "/" + base
}

func (p *FundingPolicy) Plan(ctx context.Context, progress Progress) (*ActionPlan, error) {
	type observation struct {
		venue venue.ID
		base  string
		rate  decimal.Decimal
		level SeverityLevel
	}

	progress(StateClassifying)
	var offenders []observation
	sampled := 0
	for _, base := range p.bases {
		for id, rate := range p.sampler.FundingRates(ctx, base) {
			sampled++
			key := fundingKey(id, base)
			level := p.thresholds.Classify(rate.Abs())
			if level == SeverityLow {
				// ставка нормализовалась, снимаем ограничения
				p.mu.Lock()
				delete(p.hedged, key)
				delete(p.paused, key)
				p.mu.Unlock()
				continue
			}
			offenders = append(offenders, observation{venue: id, base: base, rate: rate, level: level})
		}
	}
	if sampled == 0 {
		return nil, ErrInsufficientData
	}
	if len(offenders) == 0 {
		return nil, nil
	}

	positions := p.sampler.Positions(ctx)

	progress(StateComposing)
	var legs []ActionLeg
	for _, obs := range offenders {
		p.logger.Warn("funding rate elevated",
			zap.String("venue", string(obs.venue)),
			zap.String("base", obs.base),
			zap.String("rate", obs.rate.String()),
			zap.String("severity", obs.level.String()),
		)
		if obs.level == SeverityMedium {
			continue
		}

		// дальше ставки WARNING: снимаем отложенные ордера по инструменту
		adapter, ok := p.sampler.Adapter(obs.venue)
		if !ok {
			continue
		}
		instrument := adapter.MapSymbol(obs.base)
		if err := adapter.CancelAllOrders(ctx, instrument); err != nil {
			p.logger.Error("cancel pending orders failed",
				zap.String("venue", string(obs.venue)),
				zap.String("instrument", instrument),
				zap.Error(err),
			)
		}

		forced := obs.level == SeverityCritical
		key := fundingKey(obs.venue, obs.base)
		p.mu.Lock()
		alreadyHedged := p.hedged[key]
		if forced {
			p.paused[key] = true
		}
		p.mu.Unlock()
		if alreadyHedged && !forced {
			continue
		}

		pos, ok := findPosition(positions[obs.venue], instrument)
		if !ok || pos.Size.IsZero() {
			continue
		}

		// платящая сторона сокращается: при положительной ставке платят лонги
		side := venue.SideBuy
		if obs.rate.IsPositive() {
			side = venue.SideSell
		}
		urgency := UrgencyNormal
		if forced {
			urgency = UrgencyUrgent
		}
		legs = append(legs, ActionLeg{
			Venue:      obs.venue,
			Instrument: instrument,
			Base:       obs.base,
			Side:       side,
			Size:       pos.Size.Mul(p.cfg.HedgeRatio),
			Urgency:    urgency,
			ReduceOnly: true,
			Reason:     "funding_hedge(" + obs.level.String() + ")",
		})
		p.mu.Lock()
		p.hedged[key] = true
		p.mu.Unlock()
	}

	if len(legs) == 0 {
		return nil, nil
	}
	plan := &ActionPlan{
		Policy:    p.Name(),
		Primary:   legs[0],
		Hedges:    legs[1:],
		CreatedAt: time.Now().UTC(),
	}
	return plan, nil
}

func (p *FundingPolicy) OnResults(plan *ActionPlan, results []ExecutionResult) {
	// неудавшийся хедж разрешаем повторить на следующей итерации
	for _, r := range results {
		if r.Success() {
			continue
		}
		p.mu.Lock()
		delete(p.hedged, fundingKey(r.Leg.Venue, r.Leg.Base))
		p.mu.Unlock()
	}
}

func findPosition(positions []venue.Position, instrument string) (venue.Position, bool) {
	for _, pos := range positions {
		if pos.Instrument == instrument {
			return pos, true
		}
	}
	return venue.Position{}, false
}
