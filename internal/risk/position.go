package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/config"
	"riskguard/internal/venue"
)

var rebalanceShare = decimal.RequireFromString("0.5")

// PositionPolicy следит за совокупной экспозицией: закрывает позиции
// по тейк-профиту и стоп-лоссу и выравнивает перекос суммарной
// дельты между площадками
type PositionPolicy struct {
	cfg         config.PositionConfig
	bases       []string
	sampler     *Sampler
	coordinator *Coordinator
	ledger      *Ledger
	logger      *zap.Logger
}

func NewPositionPolicy(cfg config.PositionConfig, bases []string, sampler *Sampler, coordinator *Coordinator, ledger *Ledger, logger *zap.Logger) *PositionPolicy {
	return &PositionPolicy{
		cfg:         cfg,
		bases:       bases,
		sampler:     sampler,
		coordinator: coordinator,
		ledger:      ledger,
		logger:      logger.Named("position"),
	}
}

func (p *PositionPolicy) Name() string { return "position" }

func (p *PositionPolicy) Interval() time.Duration { return p.cfg.Interval }

// PnlRatio возвращает доходность позиции относительно цены входа
func PnlRatio(pos venue.Position) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	ratio := pos.MarkPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	if pos.Side == venue.Short {
		ratio = ratio.Neg()
	}
	return ratio
}

// Maintain закрывает позиции, дошедшие до тейк-профита или стоп-лосса
func (p *PositionPolicy) Maintain(ctx context.Context) {
	positions := p.sampler.Positions(ctx)
	for id, list := range positions {
		for _, pos := range list {
			if pos.Size.IsZero() {
				continue
			}
			ratio := PnlRatio(pos)
			var reason string
			switch {
			case ratio.GreaterThanOrEqual(p.cfg.TakeProfit):
				reason = "take_profit"
			case ratio.LessThanOrEqual(p.cfg.StopLoss):
				reason = "stop_loss"
			default:
				continue
			}
			p.closePosition(ctx, id, pos, ratio, reason)
		}
	}
}

func (p *PositionPolicy) closePosition(ctx context.Context, id venue.ID, pos venue.Position, ratio decimal.Decimal, reason string) {
	p.logger.Info("closing position",
		zap.String("venue", string(id)),
		zap.String("instrument", pos.Instrument),
		zap.String("pnl_ratio", ratio.String()),
		zap.String("reason", reason),
	)
	plan := &ActionPlan{
		Policy: p.Name(),
		Primary: ActionLeg{
			Venue:      id,
			Instrument: pos.Instrument,
			Base:       baseFromInstrument(pos.Instrument),
			Side:       pos.Side.CloseSide(),
			Size:       pos.Size,
			Urgency:    UrgencyUrgent,
			ReduceOnly: true,
			Reason:     reason,
		},
		CreatedAt: time.Now().UTC(),
	}
	results := p.coordinator.Execute(ctx, plan)
	p.ledger.Record(ctx, plan, results)
}

// NetExposure считает суммарную подписанную дельту по базовому активу
func NetExposure(positions map[venue.ID][]venue.Position, instruments map[venue.ID]string) decimal.Decimal {
	net := decimal.Zero
	for id, list := range positions {
		want := instruments[id]
		for _, pos := range list {
			if pos.Instrument != want {
				continue
			}
			if pos.Side == venue.Short {
				net = net.Sub(pos.Size)
			} else {
				net = net.Add(pos.Size)
			}
		}
	}
	return net
}

// Plan выравнивает перекос суммарной дельты частичным ордером
// на самой ликвидной площадке
func (p *PositionPolicy) Plan(ctx context.Context, progress Progress) (*ActionPlan, error) {
	positions := p.sampler.Positions(ctx)
	if len(positions) == 0 {
		return nil, ErrInsufficientData
	}

	progress(StateClassifying)
	for _, base := range p.bases {
		instruments := make(map[venue.ID]string)
		for _, id := range p.sampler.Venues() {
			if adapter, ok := p.sampler.Adapter(id); ok {
				instruments[id] = adapter.MapSymbol(base)
			}
		}

		net := NetExposure(positions, instruments)
		if net.Abs().LessThanOrEqual(p.cfg.ImbalanceThreshold) {
			continue
		}

		books := p.sampler.Books(ctx, base, 1)
		target, ok := mostLiquidVenue(books)
		if !ok {
			continue
		}

		// длинный перекос гасится продажей, короткий - покупкой
		side := venue.SideSell
		if net.IsNegative() {
			side = venue.SideBuy
		}
		size := net.Abs().Mul(rebalanceShare)
		if size.LessThan(MinOrderSize(base)) {
			continue
		}

		p.logger.Info("exposure imbalance",
			zap.String("base", base),
			zap.String("net", net.String()),
			zap.String("venue", string(target)),
		)

		progress(StateComposing)
		return &ActionPlan{
			Policy: p.Name(),
			Primary: ActionLeg{
				Venue:   target,
				Base:    base,
				Side:    side,
				Size:    size,
				Urgency: UrgencyNormal,
				Reason:  "exposure_rebalance",
			},
			CreatedAt: time.Now().UTC(),
		}, nil
	}
	return nil, nil
}

// mostLiquidVenue выбирает площадку с наибольшим объёмом на лучшем биде
func mostLiquidVenue(books map[venue.ID]*venue.OrderBook) (venue.ID, bool) {
	var best venue.ID
	bestDepth := decimal.Decimal{}
	found := false
	for id, book := range books {
		if book == nil || len(book.Bids) == 0 {
			continue
		}
		depth := book.Bids[0].Size
		if !found || depth.GreaterThan(bestDepth) || (depth.Equal(bestDepth) && id < best) {
			best, bestDepth, found = id, depth, true
		}
	}
	return best, found
}

func (p *PositionPolicy) OnResults(plan *ActionPlan, results []ExecutionResult) {}
