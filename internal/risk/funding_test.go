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

func fundingConfig() config.FundingConfig {
	return config.FundingConfig{
		Interval:    5 * time.Minute,
		WarningTier: d("0.0005"),
		ActionTier:  d("0.001"),
		ExtremeTier: d("0.003"),
		HedgeRatio:  d("0.5"),
	}
}

func newFundingFixture(rate decimal.Decimal) (*FundingPolicy, *mockAdapter) {
	binance := newMockAdapter(venue.Binance)
	binance.fundingFn = func(ctx context.Context, instrument string) (decimal.Decimal, error) {
		return rate, nil
	}
	binance.positionsFn = func(ctx context.Context) ([]venue.Position, error) {
		return []venue.Position{{
			Venue: venue.Binance, Instrument: "BTCUSDT", Side: venue.Long,
			Size: d("2"), EntryPrice: d("30000"), MarkPrice: d("30000"),
		}}, nil
	}

	adapters := map[venue.ID]venue.Adapter{venue.Binance: binance}
	sampler := NewSampler(adapters, time.Second, testLogger())
	policy := NewFundingPolicy(fundingConfig(), []string{"BTC"}, sampler, testLogger())
	return policy, binance
}

func TestFundingNormalRateNoPlan(t *testing.T) {
	policy, binance := newFundingFixture(d("0.0001"))

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan != nil {
		t.Error("normal funding rate must not produce a plan")
	}
	if len(binance.cancelled) != 0 {
		t.Error("no order cancellation expected")
	}
}

func TestFundingWarningTierAlertOnly(t *testing.T) {
	policy, binance := newFundingFixture(d("0.0006"))

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan != nil {
		t.Error("warning tier must only alert, no hedge")
	}
	if len(binance.cancelled) != 0 {
		t.Error("warning tier must not cancel orders")
	}
}

func TestFundingActionTierHedges(t *testing.T) {
	policy, binance := newFundingFixture(d("0.002"))

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("action tier must produce a hedge plan")
	}

	leg := plan.Primary
	// Положительная ставка: платят лонги, сокращаем продажей
	if leg.Side != venue.SideSell {
		t.Errorf("hedge side = %s, want sell for positive rate", leg.Side)
	}
	if !leg.Size.Equal(d("1")) {
		t.Errorf("hedge size = %s, want 1 (50%% of 2)", leg.Size)
	}
	if !leg.ReduceOnly {
		t.Error("funding hedge must be reduce-only")
	}
	if leg.Urgency != UrgencyNormal {
		t.Error("action tier hedge is not urgent")
	}
	if len(binance.cancelled) != 1 || binance.cancelled[0] != "BTCUSDT" {
		t.Errorf("pending orders must be cancelled, got %v", binance.cancelled)
	}
	if policy.IsPaused(venue.Binance, "BTC") {
		t.Error("action tier must not pause trading")
	}
}

func TestFundingNegativeRateHedgesWithBuy(t *testing.T) {
	policy, _ := newFundingFixture(d("-0.002"))

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("negative rate beyond the action tier must hedge")
	}
	if plan.Primary.Side != venue.SideBuy {
		t.Errorf("hedge side = %s, want buy for negative rate", plan.Primary.Side)
	}
}

func TestFundingExtremeTierPausesAndForces(t *testing.T) {
	policy, _ := newFundingFixture(d("0.004"))

	plan, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan == nil {
		t.Fatal("extreme tier must force a hedge")
	}
	if plan.Primary.Urgency != UrgencyUrgent {
		t.Error("forced hedge must be urgent")
	}
	if !policy.IsPaused(venue.Binance, "BTC") {
		t.Error("extreme tier must pause the venue/base pair")
	}
}

func TestFundingHedgeNotRepeated(t *testing.T) {
	policy, _ := newFundingFixture(d("0.002"))

	plan, _ := policy.Plan(context.Background(), func(State) {})
	if plan == nil {
		t.Fatal("first iteration must hedge")
	}
	policy.OnResults(plan, []ExecutionResult{{Leg: plan.Primary}})

	again, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if again != nil {
		t.Error("already hedged pair must not hedge again at the same tier")
	}
}

func TestFundingFailedHedgeRetries(t *testing.T) {
	policy, _ := newFundingFixture(d("0.002"))

	plan, _ := policy.Plan(context.Background(), func(State) {})
	if plan == nil {
		t.Fatal("first iteration must hedge")
	}
	policy.OnResults(plan, []ExecutionResult{{Leg: plan.Primary, Err: errors.New("timeout")}})

	again, err := policy.Plan(context.Background(), func(State) {})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if again == nil {
		t.Error("failed hedge must be retried on the next iteration")
	}
}

func TestFundingNormalizationClearsState(t *testing.T) {
	policy, binance := newFundingFixture(d("0.004"))

	plan, _ := policy.Plan(context.Background(), func(State) {})
	if plan == nil {
		t.Fatal("extreme tier must hedge")
	}
	policy.OnResults(plan, []ExecutionResult{{Leg: plan.Primary}})

	// Ставка вернулась к норме
	binance.fundingFn = func(ctx context.Context, instrument string) (decimal.Decimal, error) {
		return d("0.0001"), nil
	}
	if _, err := policy.Plan(context.Background(), func(State) {}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if policy.IsPaused(venue.Binance, "BTC") {
		t.Error("normalized rate must lift the pause")
	}
}
