package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/venue"
)

func spreadConfig() config.SpreadConfig {
	return config.SpreadConfig{
		Interval:       time.Minute,
		Venue:          "okx",
		EntryContango:  d("100"),
		EntryBackward:  d("-80"),
		MinAnnualYield: d("0.05"),
		ProfitExit:     d("20"),
		LossExit:       d("150"),
		MaxPositionAge: 7 * 24 * time.Hour,
		PerTradeCap:    d("0.001"),
	}
}

func TestContractPair(t *testing.T) {
	now := time.Now()
	q1 := venue.Instrument{Symbol: "BTC-USDT-240927", Base: "BTC", Expiry: now.Add(30 * 24 * time.Hour)}
	q2 := venue.Instrument{Symbol: "BTC-USDT-241227", Base: "BTC", Expiry: now.Add(120 * 24 * time.Hour)}
	perp := venue.Instrument{Symbol: "BTC-USDT-SWAP", Base: "BTC"}

	front, back, ok := ContractPair([]venue.Instrument{q2, perp, q1})
	if !ok {
		t.Fatal("expected a contract pair")
	}
	if front.Symbol != q1.Symbol || back.Symbol != q2.Symbol {
		t.Errorf("pair = %s/%s, want the two earliest dated contracts", front.Symbol, back.Symbol)
	}

	// Перпетуалы не участвуют в календарном спреде
	if _, _, ok := ContractPair([]venue.Instrument{perp, q1}); ok {
		t.Error("one dated contract is not a pair")
	}
	if _, _, ok := ContractPair(nil); ok {
		t.Error("no instruments, no pair")
	}
}

func TestExitReason(t *testing.T) {
	policy := NewSpreadPolicy(spreadConfig(), nil, nil, nil, nil, testLogger())

	cases := []struct {
		name       string
		contango   bool
		raw        string
		wantReason string
		wantExit   bool
	}{
		{"contango converged", true, "15", "spread_exit(profit)", true},
		{"contango at profit level", true, "20", "spread_exit(profit)", true},
		{"contango holding", true, "80", "", false},
		{"contango blown out", true, "150", "spread_exit(loss)", true},
		{"backwardation converged", false, "-15", "spread_exit(profit)", true},
		{"backwardation holding", false, "-80", "", false},
		{"backwardation blown out", false, "-150", "spread_exit(loss)", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reason, exit := policy.exitReason(c.contango, d(c.raw))
			if exit != c.wantExit || reason != c.wantReason {
				t.Errorf("exitReason(%v, %s) = %q, %v; want %q, %v",
					c.contango, c.raw, reason, exit, c.wantReason, c.wantExit)
			}
		})
	}
}

func newSpreadFixture(frontPrice, backPrice string) (*SpreadPolicy, *mockAdapter) {
	now := time.Now()
	front := venue.Instrument{Symbol: "BTC-USDT-FRONT", Base: "BTC", Expiry: now.Add(30 * 24 * time.Hour)}
	back := venue.Instrument{Symbol: "BTC-USDT-BACK", Base: "BTC", Expiry: now.Add(120 * 24 * time.Hour)}

	okx := newMockAdapter(venue.OKX)
	okx.instrumentsFn = func(ctx context.Context, base string) ([]venue.Instrument, error) {
		return []venue.Instrument{front, back}, nil
	}
	okx.markPriceFn = func(ctx context.Context, instrument string) (decimal.Decimal, error) {
		if instrument == front.Symbol {
			return d(frontPrice), nil
		}
		return d(backPrice), nil
	}
	okx.balanceFn = func(ctx context.Context) (decimal.Decimal, error) {
		return d("100000"), nil
	}
	// Глубокий стакан: балл ликвидности 1
	okx.orderBookFn = func(ctx context.Context, instrument string, depth int) (*venue.OrderBook, error) {
		levels := []venue.PriceLevel{{Price: d("30000"), Size: d("100")}}
		return &venue.OrderBook{Instrument: instrument, Bids: levels, Asks: levels}, nil
	}

	adapters := map[venue.ID]venue.Adapter{venue.OKX: okx}
	sampler := NewSampler(adapters, time.Second, testLogger())
	coord := NewCoordinator(adapters, testLogger())
	ledger := NewLedger(nil, nil, testLogger())
	policy := NewSpreadPolicy(spreadConfig(), []string{"BTC"}, sampler, coord, ledger, testLogger())
	return policy, okx
}

func TestSpreadPlanEntersContango(t *testing.T) {
	// Спред 200 выше порога контанго 100
	policy, _ := newSpreadFixture("30000", "30200")

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a contango entry")
	}

	if plan.Primary.Instrument != "BTC-USDT-FRONT" || plan.Primary.Side != venue.SideSell {
		t.Errorf("primary = %s %s, want sell the front", plan.Primary.Instrument, plan.Primary.Side)
	}
	if len(plan.Hedges) != 1 {
		t.Fatalf("got %d hedges, want 1", len(plan.Hedges))
	}
	if plan.Hedges[0].Instrument != "BTC-USDT-BACK" || plan.Hedges[0].Side != venue.SideBuy {
		t.Errorf("hedge = %s %s, want buy the back", plan.Hedges[0].Instrument, plan.Hedges[0].Side)
	}
	// Объём упирается в минимальный лот BTC-спреда
	if !plan.Primary.Size.Equal(d("0.01")) {
		t.Errorf("size = %s, want 0.01", plan.Primary.Size)
	}
}

func TestSpreadPlanEntersBackwardation(t *testing.T) {
	policy, _ := newSpreadFixture("30200", "30000")

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a backwardation entry")
	}
	if plan.Primary.Side != venue.SideBuy || plan.Hedges[0].Side != venue.SideSell {
		t.Error("backwardation buys the front and sells the back")
	}
}

func TestSpreadPlanHoldsNarrowSpread(t *testing.T) {
	policy, _ := newSpreadFixture("30000", "30050")

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan != nil {
		t.Error("spread 50 inside both entry thresholds must not trade")
	}
}

func TestSpreadPlanYieldGate(t *testing.T) {
	cfg := spreadConfig()
	cfg.MinAnnualYield = d("1")
	policy, _ := newSpreadFixture("30000", "30200")
	policy.cfg = cfg

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan != nil {
		t.Error("annualized yield below the gate must not trade")
	}
}

func TestSpreadOnResultsCommits(t *testing.T) {
	policy, _ := newSpreadFixture("30000", "30200")

	plan, _ := policy.Plan(context.Background(), func(State) {})
	if plan == nil {
		t.Fatal("expected an entry plan")
	}
	policy.OnResults(plan, []ExecutionResult{
		{Leg: plan.Primary, Order: &venue.Order{}},
		{Leg: plan.Hedges[0], Order: &venue.Order{}},
	})

	active := policy.ActiveSpreads()
	if len(active) != 1 || active[0].ID != "spread-1" {
		t.Fatalf("active spreads = %+v, want one with id spread-1", active)
	}
	if !active[0].EntryMetric.Equal(d("200")) {
		t.Errorf("entry metric = %s, want raw spread 200", active[0].EntryMetric)
	}
}

func TestSpreadMaintainProfitExit(t *testing.T) {
	policy, okx := newSpreadFixture("30000", "30200")

	plan, _ := policy.Plan(context.Background(), func(State) {})
	if plan == nil {
		t.Fatal("expected an entry plan")
	}
	policy.OnResults(plan, []ExecutionResult{
		{Leg: plan.Primary, Order: &venue.Order{}},
		{Leg: plan.Hedges[0], Order: &venue.Order{}},
	})

	// Спред сошёлся к 10, ниже уровня фиксации прибыли 20
	okx.markPriceFn = func(ctx context.Context, instrument string) (decimal.Decimal, error) {
		if instrument == "BTC-USDT-FRONT" {
			return d("30000"), nil
		}
		return d("30010"), nil
	}
	policy.Maintain(context.Background())

	if len(policy.ActiveSpreads()) != 0 {
		t.Fatal("converged spread must be closed")
	}
	orders := okx.submittedOrders()
	if len(orders) != 2 {
		t.Fatalf("okx received %d exit orders, want 2", len(orders))
	}
	// Выход разворачивает вход: ближний выкупается, дальний продаётся
	for _, o := range orders {
		if !o.ReduceOnly {
			t.Error("exit legs must be reduce-only")
		}
		switch o.Instrument {
		case "BTC-USDT-FRONT":
			if o.Side != venue.SideBuy {
				t.Errorf("front exit side = %s, want buy", o.Side)
			}
		case "BTC-USDT-BACK":
			if o.Side != venue.SideSell {
				t.Errorf("back exit side = %s, want sell", o.Side)
			}
		default:
			t.Errorf("unexpected exit instrument %s", o.Instrument)
		}
	}
}

func TestSpreadMaintainHoldsMidRange(t *testing.T) {
	policy, okx := newSpreadFixture("30000", "30200")

	plan, _ := policy.Plan(context.Background(), func(State) {})
	if plan == nil {
		t.Fatal("expected an entry plan")
	}
	policy.OnResults(plan, []ExecutionResult{
		{Leg: plan.Primary, Order: &venue.Order{}},
		{Leg: plan.Hedges[0], Order: &venue.Order{}},
	})
	before := len(okx.submittedOrders())

	// Спред 80: между уровнем прибыли 20 и уровнем убытка 150
	okx.markPriceFn = func(ctx context.Context, instrument string) (decimal.Decimal, error) {
		if instrument == "BTC-USDT-FRONT" {
			return d("30000"), nil
		}
		return d("30080"), nil
	}
	policy.Maintain(context.Background())

	if len(policy.ActiveSpreads()) != 1 {
		t.Error("spread in the holding range must stay open")
	}
	if len(okx.submittedOrders()) != before {
		t.Error("no exit orders expected")
	}
}
