package risk

import (
	"context"
	"testing"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/venue"
)

func liquidationConfig() config.LiquidationConfig {
	return config.LiquidationConfig{
		Interval:      10 * time.Second,
		RiskThreshold: d("0.1"),
		CriticalBand:  d("0.01"),
		HighBand:      d("0.03"),
		MediumBand:    d("0.05"),
		MaxHedgeRatio: d("0.5"),
	}
}

func newLiquidationFixture(positions map[venue.ID][]venue.Position) *LiquidationPolicy {
	binance := newMockAdapter(venue.Binance)
	okx := newMockAdapter(venue.OKX)
	for _, m := range []*mockAdapter{binance, okx} {
		id := m.id
		m.positionsFn = func(ctx context.Context) ([]venue.Position, error) {
			return positions[id], nil
		}
	}

	adapters := map[venue.ID]venue.Adapter{venue.Binance: binance, venue.OKX: okx}
	sampler := NewSampler(adapters, time.Second, testLogger())
	cfg := liquidationConfig()
	composer := NewComposer(ComposerConfig{MaxHedgeRatio: cfg.MaxHedgeRatio}, nil)
	return NewLiquidationPolicy(cfg, sampler, composer, testLogger())
}

func TestLiquidationPlanDefendsWorstPosition(t *testing.T) {
	policy := newLiquidationFixture(map[venue.ID][]venue.Position{
		venue.Binance: {{
			// riskDistance = (30000-29700)/30000 = 0.01, HIGH
			Venue: venue.Binance, Instrument: "BTCUSDT", Side: venue.Long,
			Size: d("2"), MarkPrice: d("30000"), LiquidationPrice: d("29700"),
			MarginRatio: d("0.9"),
		}},
		venue.OKX: {{
			// riskDistance = 0.08, в пределах порога, но безопаснее
			Venue: venue.OKX, Instrument: "ETH-USDT-SWAP", Side: venue.Long,
			Size: d("10"), MarkPrice: d("2000"), LiquidationPrice: d("1840"),
			MarginRatio: d("0.5"),
		}},
	})

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a defense plan")
	}

	if plan.Primary.Instrument != "BTCUSDT" {
		t.Errorf("defended instrument = %s, want the riskiest BTCUSDT", plan.Primary.Instrument)
	}
	if plan.Primary.Side != venue.SideSell || !plan.Primary.ReduceOnly {
		t.Error("long defense must sell reduce-only")
	}
	// HIGH уровень закрывает 70% и исполняется срочно
	if !plan.Primary.Size.Equal(d("1.4")) {
		t.Errorf("primary size = %s, want 1.4", plan.Primary.Size)
	}
	if plan.Primary.Urgency != UrgencyUrgent {
		t.Error("HIGH severity must be urgent")
	}

	// Хедж уходит на оставшуюся площадку
	if len(plan.Hedges) != 1 || plan.Hedges[0].Venue != venue.OKX {
		t.Fatalf("expected one cross-venue hedge on okx, got %+v", plan.Hedges)
	}
	if plan.Hedges[0].Base != "BTC" {
		t.Errorf("hedge base = %s, want BTC", plan.Hedges[0].Base)
	}
}

func TestLiquidationIgnoresSafePositions(t *testing.T) {
	policy := newLiquidationFixture(map[venue.ID][]venue.Position{
		venue.Binance: {{
			// riskDistance = 0.2, выше порога наблюдения
			Venue: venue.Binance, Instrument: "BTCUSDT", Side: venue.Long,
			Size: d("1"), MarkPrice: d("30000"), LiquidationPrice: d("24000"),
		}},
	})

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan != nil {
		t.Error("positions outside the risk threshold must be ignored")
	}
}

func TestLiquidationNoPositionsInsufficientData(t *testing.T) {
	binance := newMockAdapter(venue.Binance)
	binance.positionsFn = func(ctx context.Context) ([]venue.Position, error) {
		return nil, context.DeadlineExceeded
	}
	sampler := NewSampler(map[venue.ID]venue.Adapter{venue.Binance: binance}, time.Second, testLogger())
	policy := NewLiquidationPolicy(liquidationConfig(), sampler, NewComposer(ComposerConfig{}, nil), testLogger())

	if _, err := policy.Plan(context.Background(), func(State) {}); err != ErrInsufficientData {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
}
