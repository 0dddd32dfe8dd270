package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/venue"
)

func arbConfig() config.ArbitrageConfig {
	return config.ArbitrageConfig{
		Interval:          30 * time.Second,
		MinProfitRate:     d("0.001"),
		MinLiquidity:      d("1"),
		PerTradeCap:       d("0.1"),
		LiquidityFraction: d("0.5"),
		FeeRate:           decimal.Zero,
		ExitThreshold:     d("0.0005"),
		MaxPositionAge:    30 * time.Minute,
	}
}

func deepBook(instrument string) *venue.OrderBook {
	levels := []venue.PriceLevel{
		{Price: d("30000"), Size: d("5")},
		{Price: d("30001"), Size: d("5")},
		{Price: d("30002"), Size: d("5")},
	}
	return &venue.OrderBook{Instrument: instrument, Bids: levels, Asks: levels}
}

func arbTickers() map[venue.ID]*venue.Ticker {
	return map[venue.ID]*venue.Ticker{
		venue.Binance: {Bid: d("30000"), Ask: d("30010")},
		venue.OKX:     {Bid: d("30100"), Ask: d("30200")},
	}
}

func arbBooks() map[venue.ID]*venue.OrderBook {
	return map[venue.ID]*venue.OrderBook{
		venue.Binance: deepBook("BTCUSDT"),
		venue.OKX:     deepBook("BTC-USDT-SWAP"),
	}
}

func TestFindOpportunity(t *testing.T) {
	opp, ok := FindOpportunity("BTC", arbTickers(), arbBooks(), arbConfig())
	if !ok {
		t.Fatal("expected an opportunity")
	}
	if opp.BuyVenue != venue.Binance || opp.SellVenue != venue.OKX {
		t.Errorf("direction = buy %s sell %s, want buy binance sell okx", opp.BuyVenue, opp.SellVenue)
	}
	// Продаём по биду 30100, покупаем по аску 30010
	if !opp.Spread.Equal(d("90")) {
		t.Errorf("spread = %s, want 90", opp.Spread)
	}
	want := d("90").Div(d("30010"))
	if !opp.ProfitRate.Equal(want) {
		t.Errorf("profit rate = %s, want %s", opp.ProfitRate, want)
	}
	// Минимальная глубина трёх верхних уровней всех четырёх сторон
	if !opp.Liquidity.Equal(d("15")) {
		t.Errorf("liquidity = %s, want 15", opp.Liquidity)
	}
}

func TestFindOpportunityProfitGate(t *testing.T) {
	cfg := arbConfig()
	cfg.MinProfitRate = d("0.005")
	if _, ok := FindOpportunity("BTC", arbTickers(), arbBooks(), cfg); ok {
		t.Error("profit rate ~0.003 must be rejected at threshold 0.005")
	}

	cfg.MinProfitRate = d("0.001")
	if _, ok := FindOpportunity("BTC", arbTickers(), arbBooks(), cfg); !ok {
		t.Error("profit rate ~0.003 must pass threshold 0.001")
	}
}

func TestFindOpportunityFeeGate(t *testing.T) {
	cfg := arbConfig()
	// Две тейкер-комиссии съедают доходность: 0.003 - 2×0.0015 = 0
	cfg.FeeRate = d("0.0015")
	cfg.MinProfitRate = d("0.001")
	if _, ok := FindOpportunity("BTC", arbTickers(), arbBooks(), cfg); ok {
		t.Error("fees must be deducted before the profit gate")
	}
}

func TestFindOpportunityLiquidityGate(t *testing.T) {
	cfg := arbConfig()
	cfg.MinLiquidity = d("100")
	if _, ok := FindOpportunity("BTC", arbTickers(), arbBooks(), cfg); ok {
		t.Error("thin books must be rejected")
	}
}

func TestFindOpportunityNoCrossedMarket(t *testing.T) {
	tickers := map[venue.ID]*venue.Ticker{
		venue.Binance: {Bid: d("30000"), Ask: d("30010")},
		venue.OKX:     {Bid: d("30005"), Ask: d("30015")},
	}
	if _, ok := FindOpportunity("BTC", tickers, arbBooks(), arbConfig()); ok {
		t.Error("no venue pair with bid above a peer ask, no opportunity")
	}
}

func newArbFixture(t *testing.T) (*ArbitragePolicy, *mockAdapter, *mockAdapter) {
	t.Helper()
	binance := newMockAdapter(venue.Binance)
	binance.tickerFn = func(ctx context.Context, instrument string) (*venue.Ticker, error) {
		return &venue.Ticker{Instrument: instrument, Bid: d("30000"), Ask: d("30010")}, nil
	}
	binance.balanceFn = func(ctx context.Context) (decimal.Decimal, error) {
		return d("50000"), nil
	}
	okx := newMockAdapter(venue.OKX)
	okx.tickerFn = func(ctx context.Context, instrument string) (*venue.Ticker, error) {
		return &venue.Ticker{Instrument: instrument, Bid: d("30100"), Ask: d("30200")}, nil
	}
	okx.balanceFn = func(ctx context.Context) (decimal.Decimal, error) {
		return d("50000"), nil
	}
	for _, m := range []*mockAdapter{binance, okx} {
		m.orderBookFn = func(ctx context.Context, instrument string, depth int) (*venue.OrderBook, error) {
			return deepBook(instrument), nil
		}
	}

	adapters := map[venue.ID]venue.Adapter{venue.Binance: binance, venue.OKX: okx}
	sampler := NewSampler(adapters, time.Second, testLogger())
	coord := NewCoordinator(adapters, testLogger())
	ledger := NewLedger(nil, nil, testLogger())
	policy := NewArbitragePolicy(arbConfig(), []string{"BTC"}, sampler, coord, ledger, testLogger())
	return policy, binance, okx
}

func TestArbitragePlanOpensPairedLegs(t *testing.T) {
	policy, _, _ := newArbFixture(t)

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("expected an entry plan")
	}

	if plan.Primary.Venue != venue.Binance || plan.Primary.Side != venue.SideBuy {
		t.Errorf("primary = %s %s, want binance buy", plan.Primary.Venue, plan.Primary.Side)
	}
	if len(plan.Hedges) != 1 {
		t.Fatalf("got %d hedges, want 1", len(plan.Hedges))
	}
	hedge := plan.Hedges[0]
	if hedge.Venue != venue.OKX || hedge.Side != venue.SideSell {
		t.Errorf("hedge = %s %s, want okx sell", hedge.Venue, hedge.Side)
	}
	if !hedge.Size.Equal(plan.Primary.Size) {
		t.Error("both legs must carry the same size")
	}
	if plan.Primary.Urgency != UrgencyUrgent || hedge.Urgency != UrgencyUrgent {
		t.Error("entry legs race the spread and must be urgent")
	}
}

func TestArbitrageOnResultsCommitsOnFullSuccess(t *testing.T) {
	policy, _, _ := newArbFixture(t)
	plan, _ := policy.Plan(context.Background(), func(State) {})
	if plan == nil {
		t.Fatal("expected an entry plan")
	}

	results := []ExecutionResult{
		{Leg: plan.Primary, Order: &venue.Order{Instrument: "BTCUSDT"}},
		{Leg: plan.Hedges[0], Order: &venue.Order{Instrument: "BTC-USDT-SWAP"}},
	}
	policy.OnResults(plan, results)

	active := policy.ActivePositions()
	if len(active) != 1 {
		t.Fatalf("got %d active positions, want 1", len(active))
	}
	rec := active[0]
	if rec.ID != "arb-1" {
		t.Errorf("position id = %q, want arb-1", rec.ID)
	}
	if rec.Legs[0].Instrument != "BTCUSDT" || rec.Legs[1].Instrument != "BTC-USDT-SWAP" {
		t.Error("leg instruments must be filled from execution results")
	}
}

func TestArbitrageOnResultsDropsPartialFill(t *testing.T) {
	policy, _, _ := newArbFixture(t)
	plan, _ := policy.Plan(context.Background(), func(State) {})
	if plan == nil {
		t.Fatal("expected an entry plan")
	}

	results := []ExecutionResult{
		{Leg: plan.Primary, Order: &venue.Order{Instrument: "BTCUSDT"}},
		{Leg: plan.Hedges[0], Err: errors.New("insufficient margin")},
	}
	policy.OnResults(plan, results)

	if got := policy.ActivePositions(); len(got) != 0 {
		t.Errorf("half-open pair must not be tracked, got %d positions", len(got))
	}
}

func openArbPosition(policy *ArbitragePolicy, openedAt time.Time) *ActivePositionRecord {
	rec := &ActivePositionRecord{
		ID:     "arb-1",
		Policy: "arbitrage",
		Base:   "BTC",
		Legs: []ActionLeg{
			{Venue: venue.Binance, Instrument: "BTCUSDT", Base: "BTC", Side: venue.SideBuy, Size: d("0.1")},
			{Venue: venue.OKX, Instrument: "BTC-USDT-SWAP", Base: "BTC", Side: venue.SideSell, Size: d("0.1")},
		},
		EntryMetric: d("0.003"),
		Size:        d("0.1"),
		OpenedAt:    openedAt,
	}
	policy.mu.Lock()
	policy.active[rec.ID] = rec
	policy.mu.Unlock()
	return rec
}

func TestArbitrageMaintainForcedExitByAge(t *testing.T) {
	policy, binance, okx := newArbFixture(t)
	openArbPosition(policy, time.Now().Add(-31*time.Minute))

	policy.Maintain(context.Background())

	if len(policy.ActivePositions()) != 0 {
		t.Fatal("aged position must be closed")
	}
	binOrders := binance.submittedOrders()
	okxOrders := okx.submittedOrders()
	if len(binOrders) != 1 || len(okxOrders) != 1 {
		t.Fatalf("exit orders: binance %d, okx %d; want 1 each", len(binOrders), len(okxOrders))
	}
	// Выход разворачивает ноги входа и только уменьшает позиции
	if binOrders[0].Side != venue.SideSell || okxOrders[0].Side != venue.SideBuy {
		t.Error("exit legs must reverse the entry sides")
	}
	if !binOrders[0].ReduceOnly || !okxOrders[0].ReduceOnly {
		t.Error("exit legs must be reduce-only")
	}
}

func TestArbitrageMaintainHoldsYoungWidePosition(t *testing.T) {
	policy, binance, okx := newArbFixture(t)
	openArbPosition(policy, time.Now().Add(-29*time.Minute))

	policy.Maintain(context.Background())

	if len(policy.ActivePositions()) != 1 {
		t.Fatal("young position with a wide spread must stay open")
	}
	if len(binance.submittedOrders())+len(okx.submittedOrders()) != 0 {
		t.Error("no exit orders expected")
	}
}

func TestArbitrageMaintainExitOnConvergence(t *testing.T) {
	policy, binance, okx := newArbFixture(t)
	// Спред схлопнулся: бид площадки продажи упал к аску площадки покупки
	okx.tickerFn = func(ctx context.Context, instrument string) (*venue.Ticker, error) {
		return &venue.Ticker{Instrument: instrument, Bid: d("30012"), Ask: d("30020")}, nil
	}
	openArbPosition(policy, time.Now().Add(-time.Minute))

	policy.Maintain(context.Background())

	if len(policy.ActivePositions()) != 0 {
		t.Fatal("converged spread must trigger an exit")
	}
	if len(binance.submittedOrders()) != 1 || len(okx.submittedOrders()) != 1 {
		t.Error("exit must close both legs")
	}
}
