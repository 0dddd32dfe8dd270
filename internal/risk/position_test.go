package risk

import (
	"context"
	"testing"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/venue"
)

func positionConfig() config.PositionConfig {
	return config.PositionConfig{
		Interval:           time.Minute,
		ImbalanceThreshold: d("0.1"),
		TakeProfit:         d("0.05"),
		StopLoss:           d("-0.03"),
	}
}

func TestPnlRatio(t *testing.T) {
	cases := []struct {
		name        string
		side        venue.PositionSide
		entry, mark string
		want        string
	}{
		{"long profit", venue.Long, "30000", "31500", "0.05"},
		{"long loss", venue.Long, "30000", "29100", "-0.03"},
		{"short profit", venue.Short, "30000", "28500", "0.05"},
		{"short loss", venue.Short, "30000", "30900", "-0.03"},
		{"zero entry", venue.Long, "0", "30000", "0"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pos := venue.Position{Side: c.side, EntryPrice: d(c.entry), MarkPrice: d(c.mark)}
			if got := PnlRatio(pos); !got.Equal(d(c.want)) {
				t.Errorf("PnlRatio = %s, want %s", got, c.want)
			}
		})
	}
}

func TestNetExposure(t *testing.T) {
	instruments := map[venue.ID]string{
		venue.Binance: "BTCUSDT",
		venue.OKX:     "BTC-USDT-SWAP",
	}
	positions := map[venue.ID][]venue.Position{
		venue.Binance: {
			{Instrument: "BTCUSDT", Side: venue.Long, Size: d("2")},
			// Чужой инструмент не входит в дельту
			{Instrument: "ETHUSDT", Side: venue.Long, Size: d("100")},
		},
		venue.OKX: {
			{Instrument: "BTC-USDT-SWAP", Side: venue.Short, Size: d("0.5")},
		},
	}

	if got := NetExposure(positions, instruments); !got.Equal(d("1.5")) {
		t.Errorf("NetExposure = %s, want 1.5", got)
	}
}

func newPositionFixture(positions map[venue.ID][]venue.Position) (*PositionPolicy, *mockAdapter, *mockAdapter) {
	binance := newMockAdapter(venue.Binance)
	okx := newMockAdapter(venue.OKX)
	for _, m := range []*mockAdapter{binance, okx} {
		id := m.id
		m.positionsFn = func(ctx context.Context) ([]venue.Position, error) {
			return positions[id], nil
		}
		m.orderBookFn = func(ctx context.Context, instrument string, depth int) (*venue.OrderBook, error) {
			return &venue.OrderBook{
				Instrument: instrument,
				Bids:       []venue.PriceLevel{{Price: d("30000"), Size: d("5")}},
			}, nil
		}
	}

	adapters := map[venue.ID]venue.Adapter{venue.Binance: binance, venue.OKX: okx}
	sampler := NewSampler(adapters, time.Second, testLogger())
	coord := NewCoordinator(adapters, testLogger())
	ledger := NewLedger(nil, nil, testLogger())
	policy := NewPositionPolicy(positionConfig(), []string{"BTC"}, sampler, coord, ledger, testLogger())
	return policy, binance, okx
}

func TestMaintainTakeProfitClosesPosition(t *testing.T) {
	policy, binance, okx := newPositionFixture(map[venue.ID][]venue.Position{
		venue.Binance: {{
			Venue: venue.Binance, Instrument: "BTCUSDT", Side: venue.Long,
			Size: d("1"), EntryPrice: d("30000"), MarkPrice: d("31600"),
		}},
	})

	policy.Maintain(context.Background())

	orders := binance.submittedOrders()
	if len(orders) != 1 {
		t.Fatalf("binance received %d orders, want 1", len(orders))
	}
	if orders[0].Side != venue.SideSell || !orders[0].ReduceOnly {
		t.Error("take profit must sell the full long reduce-only")
	}
	if !orders[0].Size.Equal(d("1")) {
		t.Errorf("close size = %s, want full size 1", orders[0].Size)
	}
	if len(okx.submittedOrders()) != 0 {
		t.Error("no orders expected on the other venue")
	}
}

func TestMaintainStopLossClosesShort(t *testing.T) {
	policy, _, okx := newPositionFixture(map[venue.ID][]venue.Position{
		venue.OKX: {{
			Venue: venue.OKX, Instrument: "BTC-USDT-SWAP", Side: venue.Short,
			Size: d("2"), EntryPrice: d("30000"), MarkPrice: d("31000"),
		}},
	})

	policy.Maintain(context.Background())

	orders := okx.submittedOrders()
	if len(orders) != 1 {
		t.Fatalf("okx received %d orders, want 1", len(orders))
	}
	if orders[0].Side != venue.SideBuy {
		t.Error("short position must be closed with buy")
	}
}

func TestMaintainHoldsWithinBands(t *testing.T) {
	policy, binance, okx := newPositionFixture(map[venue.ID][]venue.Position{
		venue.Binance: {{
			Venue: venue.Binance, Instrument: "BTCUSDT", Side: venue.Long,
			Size: d("1"), EntryPrice: d("30000"), MarkPrice: d("30300"),
		}},
	})

	policy.Maintain(context.Background())

	if len(binance.submittedOrders())+len(okx.submittedOrders()) != 0 {
		t.Error("pnl within bands must not trigger a close")
	}
}

func TestPlanRebalancesImbalance(t *testing.T) {
	policy, binance, okx := newPositionFixture(map[venue.ID][]venue.Position{
		venue.Binance: {{
			Venue: venue.Binance, Instrument: "BTCUSDT", Side: venue.Long,
			Size: d("2"), EntryPrice: d("30000"), MarkPrice: d("30000"),
		}},
	})
	// Бинанс глубже на лучшем биде, ребаланс уходит туда
	binance.orderBookFn = func(ctx context.Context, instrument string, depth int) (*venue.OrderBook, error) {
		return &venue.OrderBook{Bids: []venue.PriceLevel{{Price: d("30000"), Size: d("10")}}}, nil
	}
	okx.orderBookFn = func(ctx context.Context, instrument string, depth int) (*venue.OrderBook, error) {
		return &venue.OrderBook{Bids: []venue.PriceLevel{{Price: d("30000"), Size: d("3")}}}, nil
	}

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a rebalance plan")
	}
	if plan.Primary.Venue != venue.Binance {
		t.Errorf("rebalance venue = %s, want the deepest book", plan.Primary.Venue)
	}
	if plan.Primary.Side != venue.SideSell {
		t.Error("long imbalance must be reduced with a sell")
	}
	// Половина перекоса за итерацию
	if !plan.Primary.Size.Equal(d("1")) {
		t.Errorf("rebalance size = %s, want 1", plan.Primary.Size)
	}
	if plan.Primary.Urgency != UrgencyNormal {
		t.Error("rebalance is not urgent")
	}
}

func TestPlanBuysShortImbalance(t *testing.T) {
	policy, _, _ := newPositionFixture(map[venue.ID][]venue.Position{
		venue.OKX: {{
			Venue: venue.OKX, Instrument: "BTC-USDT-SWAP", Side: venue.Short,
			Size: d("1"), EntryPrice: d("30000"), MarkPrice: d("30000"),
		}},
	})

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a rebalance plan")
	}
	if plan.Primary.Side != venue.SideBuy {
		t.Error("short imbalance must be reduced with a buy")
	}
	if !plan.Primary.Size.Equal(d("0.5")) {
		t.Errorf("rebalance size = %s, want 0.5", plan.Primary.Size)
	}
}

func TestPlanHoldsBalancedBook(t *testing.T) {
	policy, _, _ := newPositionFixture(map[venue.ID][]venue.Position{
		venue.Binance: {{
			Venue: venue.Binance, Instrument: "BTCUSDT", Side: venue.Long,
			Size: d("1"), EntryPrice: d("30000"), MarkPrice: d("30000"),
		}},
		venue.OKX: {{
			Venue: venue.OKX, Instrument: "BTC-USDT-SWAP", Side: venue.Short,
			Size: d("1"), EntryPrice: d("30000"), MarkPrice: d("30000"),
		}},
	})

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan != nil {
		t.Error("balanced exposure must not produce a plan")
	}
}

func TestMostLiquidVenueTieBreak(t *testing.T) {
	books := map[venue.ID]*venue.OrderBook{
		venue.OKX:     {Bids: []venue.PriceLevel{{Price: d("1"), Size: d("5")}}},
		venue.Binance: {Bids: []venue.PriceLevel{{Price: d("1"), Size: d("5")}}},
	}
	id, ok := mostLiquidVenue(books)
	if !ok || id != venue.Binance {
		t.Errorf("tie must resolve deterministically, got %s", id)
	}

	if _, ok := mostLiquidVenue(map[venue.ID]*venue.OrderBook{venue.OKX: {}}); ok {
		t.Error("empty books must yield no venue")
	}
}
