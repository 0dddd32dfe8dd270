package risk

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/config"
	"riskguard/internal/venue"
)

const arbDepthLevels = 3

// Opportunity - межплощадочное расхождение цен: покупка по аску одной
// площадки и продажа по биду другой
type Opportunity struct {
	Base       string
	BuyVenue   venue.ID
	SellVenue  venue.ID
	BuyPrice   decimal.Decimal // аск площадки покупки
	SellPrice  decimal.Decimal // бид площадки продажи
	Spread     decimal.Decimal
	ProfitRate decimal.Decimal // валовая доходность без учёта комиссий
	Liquidity  decimal.Decimal
}

// ArbitragePolicy ловит расхождения цен между площадками и открывает
// парные позиции: лонг на дешёвой площадке, шорт на дорогой.
// Закрытие происходит при схлопывании спреда или по возрасту
type ArbitragePolicy struct {
	cfg         config.ArbitrageConfig
	bases       []string
	sampler     *Sampler
	coordinator *Coordinator
	ledger      *Ledger
	logger      *zap.Logger

	mu      sync.Mutex
	nextID  int64
	active  map[string]*ActivePositionRecord
	pending *ActivePositionRecord
}

func NewArbitragePolicy(cfg config.ArbitrageConfig, bases []string, sampler *Sampler, coordinator *Coordinator, ledger *Ledger, logger *zap.Logger) *ArbitragePolicy {
	return &ArbitragePolicy{
		cfg:         cfg,
		bases:       bases,
		sampler:     sampler,
		coordinator: coordinator,
		ledger:      ledger,
		logger:      logger.Named("arbitrage"),
		nextID:      1,
		active:      make(map[string]*ActivePositionRecord),
	}
}

func (p *ArbitragePolicy) Name() string { return "arbitrage" }

func (p *ArbitragePolicy) Interval() time.Duration { return p.cfg.Interval }

// ActivePositions возвращает снимок открытых арбитражных позиций
func (p *ArbitragePolicy) ActivePositions() []ActivePositionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ActivePositionRecord, 0, len(p.active))
	for _, rec := range p.active {
		out = append(out, *rec)
	}
	return out
}

// FindOpportunity перебирает упорядоченные пары площадок и возвращает
// лучшее расхождение, проходящее фильтры доходности и ликвидности
func FindOpportunity(base string, tickers map[venue.ID]*venue.Ticker, books map[venue.ID]*venue.OrderBook, cfg config.ArbitrageConfig) (*Opportunity, bool) {
	var best *Opportunity
	for buyID, buyTicker := range tickers {
		for sellID, sellTicker := range tickers {
			if buyID == sellID {
				continue
			}
			spread := sellTicker.Bid.Sub(buyTicker.Ask)
			if !spread.IsPositive() || buyTicker.Ask.IsZero() {
				continue
			}
			profitRate := spread.Div(buyTicker.Ask)
			net := profitRate.Sub(cfg.FeeRate.Mul(decimal.NewFromInt(2)))
			if net.LessThan(cfg.MinProfitRate) {
				continue
			}

			buyBook, ok1 := books[buyID]
			sellBook, ok2 := books[sellID]
			if !ok1 || !ok2 {
				continue
			}
			liquidity := pairLiquidity(buyBook, sellBook)
			if liquidity.LessThan(cfg.MinLiquidity) {
				continue
			}

			if best == nil || profitRate.GreaterThan(best.ProfitRate) {
				best = &Opportunity{
					Base:       base,
					BuyVenue:   buyID,
					SellVenue:  sellID,
					BuyPrice:   buyTicker.Ask,
					SellPrice:  sellTicker.Bid,
					Spread:     spread,
					ProfitRate: profitRate,
					Liquidity:  liquidity,
				}
			}
		}
	}
	return best, best != nil
}

// pairLiquidity - минимальная глубина верхних уровней по всем четырём
// сторонам двух стаканов
func pairLiquidity(a, b *venue.OrderBook) decimal.Decimal {
	min := sumTopDepth(a.Asks, arbDepthLevels)
	for _, depth := range []decimal.Decimal{
		sumTopDepth(a.Bids, arbDepthLevels),
		sumTopDepth(b.Asks, arbDepthLevels),
		sumTopDepth(b.Bids, arbDepthLevels),
	} {
		if depth.LessThan(min) {
			min = depth
		}
	}
	return min
}

// Maintain закрывает позиции со схлопнувшимся спредом или по возрасту
func (p *ArbitragePolicy) Maintain(ctx context.Context) {
	p.mu.Lock()
	records := make([]*ActivePositionRecord, 0, len(p.active))
	for _, rec := range p.active {
		records = append(records, rec)
	}
	p.mu.Unlock()
	if len(records) == 0 {
		return
	}

	now := time.Now()
	for _, rec := range records {
		forced := rec.Age(now) > p.cfg.MaxPositionAge
		if !forced {
			tickers := p.sampler.Tickers(ctx, rec.Base)
			rate, ok := currentSpreadRate(rec, tickers)
			if !ok || rate.GreaterThan(p.cfg.ExitThreshold) {
				continue
			}
		}
		p.closePosition(ctx, rec, forced)
	}
}

// currentSpreadRate пересчитывает доходность спреда открытой позиции
func currentSpreadRate(rec *ActivePositionRecord, tickers map[venue.ID]*venue.Ticker) (decimal.Decimal, bool) {
	if len(rec.Legs) < 2 {
		return decimal.Decimal{}, false
	}
	buyLeg, sellLeg := rec.Legs[0], rec.Legs[1]
	buyTicker, ok1 := tickers[buyLeg.Venue]
	sellTicker, ok2 := tickers[sellLeg.Venue]
	if !ok1 || !ok2 || buyTicker.Ask.IsZero() {
		return decimal.Decimal{}, false
	}
	return sellTicker.Bid.Sub(buyTicker.Ask).Div(buyTicker.Ask), true
}

func (p *ArbitragePolicy) closePosition(ctx context.Context, rec *ActivePositionRecord, forced bool) {
	reason := "arbitrage_exit"
	if forced {
		reason = "arbitrage_exit(aged)"
	}
	exit := &ActionPlan{
		Policy:    p.Name(),
		CreatedAt: time.Now().UTC(),
	}
	for i, leg := range rec.Legs {
		closing := ActionLeg{
			Venue:      leg.Venue,
			Instrument: leg.Instrument,
			Base:       leg.Base,
			Side:       leg.Side.Opposite(),
			Size:       leg.Size,
			Urgency:    UrgencyUrgent,
			ReduceOnly: true,
			Reason:     reason,
		}
		if i == 0 {
			exit.Primary = closing
		} else {
			exit.Hedges = append(exit.Hedges, closing)
		}
	}

	results := p.coordinator.Execute(ctx, exit)
	p.ledger.Record(ctx, exit, results)
	for _, r := range results {
		if !r.Success() {
			p.logger.Error("arbitrage exit leg failed",
				zap.String("position_id", rec.ID),
				zap.String("venue", string(r.Leg.Venue)),
				zap.Error(r.Err),
			)
			return
		}
	}
	p.logger.Info("arbitrage position closed",
		zap.String("position_id", rec.ID),
		zap.Bool("forced", forced),
	)
	p.mu.Lock()
	delete(p.active, rec.ID)
	p.mu.Unlock()
}

func (p *ArbitragePolicy) Plan(ctx context.Context, progress Progress) (*ActionPlan, error) {
	balances := p.sampler.Balances(ctx)
	if len(balances) == 0 {
		return nil, ErrInsufficientData
	}

	progress(StateClassifying)
	var best *Opportunity
	for _, base := range p.bases {
		tickers := p.sampler.Tickers(ctx, base)
		if len(tickers) < 2 {
			continue
		}
		books := p.sampler.Books(ctx, base, arbDepthLevels)
		if opp, ok := FindOpportunity(base, tickers, books, p.cfg); ok {
			if best == nil || opp.ProfitRate.GreaterThan(best.ProfitRate) {
				best = opp
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	balance, ok := balances[best.BuyVenue]
	if !ok {
		return nil, nil
	}
	size := OpportunitySize(balance, best.BuyPrice, p.cfg.PerTradeCap, best.Liquidity, p.cfg.LiquidityFraction)
	if size.LessThan(MinOrderSize(best.Base)) {
		return nil, nil
	}

	p.logger.Info("arbitrage opportunity",
		zap.String("base", best.Base),
		zap.String("buy_venue", string(best.BuyVenue)),
		zap.String("sell_venue", string(best.SellVenue)),
		zap.String("profit_rate", best.ProfitRate.String()),
		zap.String("size", size.String()),
	)

	progress(StateComposing)
	now := time.Now()
	plan := &ActionPlan{
		Policy: p.Name(),
		Primary: ActionLeg{
			Venue:   best.BuyVenue,
			Base:    best.Base,
			Side:    venue.SideBuy,
			Size:    size,
			Urgency: UrgencyUrgent,
			Reason:  "arbitrage_entry",
		},
		Hedges: []ActionLeg{{
			Venue:   best.SellVenue,
			Base:    best.Base,
			Side:    venue.SideSell,
			Size:    size,
			Urgency: UrgencyUrgent,
			Reason:  "arbitrage_entry",
		}},
		CreatedAt: now.UTC(),
	}

	p.mu.Lock()
	p.pending = &ActivePositionRecord{
		Policy:      p.Name(),
		Base:        best.Base,
		Legs:        plan.Legs(),
		EntryMetric: best.ProfitRate,
		Size:        size,
		OpenedAt:    now,
	}
	p.mu.Unlock()
	return plan, nil
}

// OnResults фиксирует позицию только после успеха обеих ног
func (p *ArbitragePolicy) OnResults(plan *ActionPlan, results []ExecutionResult) {
	p.mu.Lock()
	rec := p.pending
	p.pending = nil
	p.mu.Unlock()
	if rec == nil {
		return
	}
	for _, r := range results {
		if !r.Success() {
			p.logger.Warn("arbitrage entry incomplete, position not tracked",
				zap.String("base", rec.Base))
			return
		}
	}
	for i, r := range results {
		// инструмент ноги известен только после исполнения
		if i < len(rec.Legs) && rec.Legs[i].Instrument == "" {
			rec.Legs[i].Instrument = legInstrumentFromResult(r)
		}
	}
	p.mu.Lock()
	rec.ID = "arb-" + strconv.FormatInt(p.nextID, 10)
	p.nextID++
	p.active[rec.ID] = rec
	p.mu.Unlock()
	p.logger.Info("arbitrage position opened", zap.String("position_id", rec.ID))
}

func legInstrumentFromResult(r ExecutionResult) string {
	if r.Order != nil {
		return r.Order.Instrument
	}
	return r.Leg.Instrument
}
