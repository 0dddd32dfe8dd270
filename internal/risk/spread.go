package risk

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/config"
	"riskguard/internal/venue"
	"riskguard/pkg/utils"
)

const spreadDepthLevels = 5

var (
	daysPerYear        = decimal.NewFromInt(365)
	fundingPerDay      = decimal.NewFromInt(3) // три восьмичасовых начисления в сутки
	liquidityScoreUnit = decimal.NewFromInt(1000000)

	// spreadMinSizes - минимальные объёмы календарных спредов
	spreadMinSizes = map[string]decimal.Decimal{
		"BTC": decimal.RequireFromString("0.01"),
		"ETH": decimal.RequireFromString("0.1"),
		"SOL": decimal.RequireFromString("1"),
	}
)

// Basis метрики календарного спреда между ближним и дальним контрактами
type Basis struct {
	Front      venue.Instrument
	Back       venue.Instrument
	FrontPrice decimal.Decimal
	BackPrice  decimal.Decimal
	RawSpread  decimal.Decimal // back - front
	Annualized decimal.Decimal
	FairValue  decimal.Decimal // теоретический спред из ставок финансирования
	Liquidity  decimal.Decimal // 0..1, 1 балл за миллион долларов глубины
}

// Deviation возвращает отклонение спреда от теоретического значения
func (b *Basis) Deviation() decimal.Decimal {
	return b.RawSpread.Sub(b.FairValue)
}

// SpreadPolicy торгует возврат календарного спреда к теоретическому
// значению на линейке фьючерсов одной площадки: при контанго продаётся
// ближний контракт и покупается дальний, при бэквордации наоборот
type SpreadPolicy struct {
	cfg         config.SpreadConfig
	bases       []string
	sampler     *Sampler
	coordinator *Coordinator
	ledger      *Ledger
	logger      *zap.Logger

	mu      sync.Mutex
	nextID  int64
	active  map[string]*spreadTrade
	pending *spreadTrade
}

// spreadTrade открытый календарный спред
type spreadTrade struct {
	rec       ActivePositionRecord
	contango  bool
	frontBack [2]venue.Instrument
}

func NewSpreadPolicy(cfg config.SpreadConfig, bases []string, sampler *Sampler, coordinator *Coordinator, ledger *Ledger, logger *zap.Logger) *SpreadPolicy {
	return &SpreadPolicy{
		cfg:         cfg,
		bases:       bases,
		sampler:     sampler,
		coordinator: coordinator,
		ledger:      ledger,
		logger:      logger.Named("spread"),
		nextID:      1,
		active:      make(map[string]*spreadTrade),
	}
}

func (p *SpreadPolicy) Name() string { return "spread" }

func (p *SpreadPolicy) Interval() time.Duration { return p.cfg.Interval }

func (p *SpreadPolicy) adapter() (venue.Adapter, bool) {
	return p.sampler.Adapter(venue.ID(p.cfg.Venue))
}

// ContractPair возвращает два ближайших по экспирации фьючерса
func ContractPair(instruments []venue.Instrument) (front, back venue.Instrument, ok bool) {
	dated := instruments[:0:0]
	for _, inst := range instruments {
		if !inst.IsPerpetual() {
			dated = append(dated, inst)
		}
	}
	if len(dated) < 2 {
		return venue.Instrument{}, venue.Instrument{}, false
	}
	sort.Slice(dated, func(i, j int) bool { return dated[i].Expiry.Before(dated[j].Expiry) })
	return dated[0], dated[1], true
}

// CalculateBasis собирает метрики спреда по паре контрактов
func (p *SpreadPolicy) CalculateBasis(ctx context.Context, adapter venue.Adapter, front, back venue.Instrument) (*Basis, error) {
	frontPrice, err := adapter.FetchMarkPrice(ctx, front.Symbol)
	if err != nil {
		return nil, err
	}
	backPrice, err := adapter.FetchMarkPrice(ctx, back.Symbol)
	if err != nil {
		return nil, err
	}
	if frontPrice.IsZero() {
		return nil, ErrInsufficientData
	}

	days := int(time.Until(front.Expiry).Hours() / 24)
	if days <= 0 {
		return nil, ErrInsufficientData
	}
	daysDec := decimal.NewFromInt(int64(days))

	rawSpread := backPrice.Sub(frontPrice)
	annualized := rawSpread.Div(frontPrice).Mul(daysPerYear.Div(daysDec))

	frontRate, err := adapter.FetchFundingRate(ctx, front.Symbol)
	if err != nil {
		return nil, err
	}
	backRate, err := adapter.FetchFundingRate(ctx, back.Symbol)
	if err != nil {
		return nil, err
	}
	fairValue := frontRate.Div(fundingPerDay).Sub(backRate.Div(fundingPerDay)).Mul(daysDec)

	frontScore, err := p.liquidityScore(ctx, adapter, front.Symbol)
	if err != nil {
		return nil, err
	}
	backScore, err := p.liquidityScore(ctx, adapter, back.Symbol)
	if err != nil {
		return nil, err
	}

	return &Basis{
		Front:      front,
		Back:       back,
		FrontPrice: frontPrice,
		BackPrice:  backPrice,
		RawSpread:  rawSpread,
		Annualized: annualized,
		FairValue:  fairValue,
		Liquidity:  utils.MinDecimal(frontScore, backScore),
	}, nil
}

// liquidityScore оценивает глубину стакана: балл за каждый миллион
// долларов в верхних пяти уровнях, не больше единицы
func (p *SpreadPolicy) liquidityScore(ctx context.Context, adapter venue.Adapter, instrument string) (decimal.Decimal, error) {
	book, err := adapter.FetchOrderBook(ctx, instrument, spreadDepthLevels)
	if err != nil {
		return decimal.Decimal{}, err
	}
	notional := decimal.Zero
	for _, side := range [][]venue.PriceLevel{book.Bids, book.Asks} {
		for i := 0; i < spreadDepthLevels && i < len(side); i++ {
			notional = notional.Add(side[i].Price.Mul(side[i].Size))
		}
	}
	return utils.MinDecimal(notional.Div(liquidityScoreUnit), decimal.NewFromInt(1)), nil
}

// Maintain закрывает спреды по достижении целей или по возрасту
func (p *SpreadPolicy) Maintain(ctx context.Context) {
	adapter, ok := p.adapter()
	if !ok {
		return
	}

	p.mu.Lock()
	trades := make([]*spreadTrade, 0, len(p.active))
	for _, t := range p.active {
		trades = append(trades, t)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, t := range trades {
		if t.rec.Age(now) > p.cfg.MaxPositionAge {
			p.closeTrade(ctx, t, "spread_exit(aged)")
			continue
		}
		basis, err := p.CalculateBasis(ctx, adapter, t.frontBack[0], t.frontBack[1])
		if err != nil {
			continue
		}
		if reason, exit := p.exitReason(t.contango, basis.RawSpread); exit {
			p.closeTrade(ctx, t, reason)
		}
	}
}

// exitReason проверяет пороги выхода с учётом направления входа
func (p *SpreadPolicy) exitReason(contango bool, rawSpread decimal.Decimal) (string, bool) {
	if contango {
		if rawSpread.LessThanOrEqual(p.cfg.ProfitExit) {
			return "spread_exit(profit)", true
		}
		if rawSpread.GreaterThanOrEqual(p.cfg.LossExit) {
			return "spread_exit(loss)", true
		}
		return "", false
	}
	if rawSpread.GreaterThanOrEqual(p.cfg.ProfitExit.Neg()) {
		return "spread_exit(profit)", true
	}
	if rawSpread.LessThanOrEqual(p.cfg.LossExit.Neg()) {
		return "spread_exit(loss)", true
	}
	return "", false
}

func (p *SpreadPolicy) closeTrade(ctx context.Context, t *spreadTrade, reason string) {
	exit := &ActionPlan{Policy: p.Name(), CreatedAt: time.Now().UTC()}
	for i, leg := range t.rec.Legs {
		closing := leg
		closing.Side = leg.Side.Opposite()
		closing.Urgency = UrgencyUrgent
		closing.ReduceOnly = true
		closing.Reason = reason
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
			p.logger.Error("spread exit leg failed",
				zap.String("position_id", t.rec.ID),
				zap.String("instrument", r.Leg.Instrument),
				zap.Error(r.Err),
			)
			return
		}
	}
	p.logger.Info("spread closed",
		zap.String("position_id", t.rec.ID),
		zap.String("reason", reason),
	)
	p.mu.Lock()
	delete(p.active, t.rec.ID)
	p.mu.Unlock()
}

func (p *SpreadPolicy) Plan(ctx context.Context, progress Progress) (*ActionPlan, error) {
	adapter, ok := p.adapter()
	if !ok {
		return nil, ErrInsufficientData
	}
	balances := p.sampler.Balances(ctx)
	balance, ok := balances[venue.ID(p.cfg.Venue)]
	if !ok {
		return nil, ErrInsufficientData
	}

	progress(StateClassifying)
	for _, base := range p.bases {
		instruments, err := adapter.ListInstruments(ctx, base)
		if err != nil {
			continue
		}
		front, back, ok := ContractPair(instruments)
		if !ok {
			continue
		}
		basis, err := p.CalculateBasis(ctx, adapter, front, back)
		if err != nil {
			continue
		}

		contango := basis.RawSpread.GreaterThanOrEqual(p.cfg.EntryContango)
		backwardation := basis.RawSpread.LessThanOrEqual(p.cfg.EntryBackward)
		if !contango && !backwardation {
			continue
		}
		if basis.Annualized.Abs().LessThan(p.cfg.MinAnnualYield) {
			continue
		}

		size := utils.MinDecimal(balance.Mul(p.cfg.PerTradeCap), spreadMinSize(base))
		if !size.IsPositive() {
			continue
		}

		// контанго: продаём ближний, покупаем дальний
		frontSide, backSide := venue.SideSell, venue.SideBuy
		if backwardation {
			frontSide, backSide = venue.SideBuy, venue.SideSell
		}

		p.logger.Info("spread opportunity",
			zap.String("base", base),
			zap.String("front", front.Symbol),
			zap.String("back", back.Symbol),
			zap.String("raw_spread", basis.RawSpread.String()),
			zap.String("annualized", basis.Annualized.String()),
			zap.String("deviation", basis.Deviation().String()),
			zap.Bool("contango", contango),
			zap.Int("twap_minutes", p.cfg.TwapMinutes),
		)

		progress(StateComposing)
		now := time.Now()
		id := venue.ID(p.cfg.Venue)
		plan := &ActionPlan{
			Policy: p.Name(),
			Primary: ActionLeg{
				Venue:      id,
				Instrument: front.Symbol,
				Base:       base,
				Side:       frontSide,
				Size:       size,
				Urgency:    UrgencyNormal,
				Reason:     "spread_entry",
			},
			Hedges: []ActionLeg{{
				Venue:      id,
				Instrument: back.Symbol,
				Base:       base,
				Side:       backSide,
				Size:       size,
				Urgency:    UrgencyNormal,
				Reason:     "spread_entry",
			}},
			CreatedAt: now.UTC(),
		}

		p.mu.Lock()
		p.pending = &spreadTrade{
			rec: ActivePositionRecord{
				Policy:      p.Name(),
				Base:        base,
				Legs:        plan.Legs(),
				EntryMetric: basis.RawSpread,
				Size:        size,
				OpenedAt:    now,
			},
			contango:  contango,
			frontBack: [2]venue.Instrument{front, back},
		}
		p.mu.Unlock()
		return plan, nil
	}
	return nil, nil
}

// OnResults учитывает спред только после успеха обеих ног
func (p *SpreadPolicy) OnResults(plan *ActionPlan, results []ExecutionResult) {
	p.mu.Lock()
	t := p.pending
	p.pending = nil
	p.mu.Unlock()
	if t == nil {
		return
	}
	for _, r := range results {
		if !r.Success() {
			p.logger.Warn("spread entry incomplete, trade not tracked",
				zap.String("base", t.rec.Base))
			return
		}
	}
	p.mu.Lock()
	t.rec.ID = "spread-" + strconv.FormatInt(p.nextID, 10)
	p.nextID++
	p.active[t.rec.ID] = t
	p.mu.Unlock()
}

func spreadMinSize(base string) decimal.Decimal {
	if s, ok := spreadMinSizes[base]; ok {
		return s
	}
	return decimal.RequireFromString("0.1")
}

// ActiveSpreads возвращает снимок открытых спредов
func (p *SpreadPolicy) ActiveSpreads() []ActivePositionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ActivePositionRecord, 0, len(p.active))
	for _, t := range p.active {
		out = append(out, t.rec)
	}
	return out
}
