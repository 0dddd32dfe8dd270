package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func liquidationThresholds(t *testing.T) *Thresholds {
	t.Helper()
	th, err := NewThresholds(LowerIsWorse, []Band{
		{Level: SeverityCritical, Boundary: d("0.01")},
		{Level: SeverityHigh, Boundary: d("0.03")},
		{Level: SeverityMedium, Boundary: d("0.05")},
	}, SeverityLow)
	if err != nil {
		t.Fatalf("NewThresholds: %v", err)
	}
	return th
}

func TestClassifyLowerIsWorse(t *testing.T) {
	th := liquidationThresholds(t)

	tests := []struct {
		name   string
		metric string
		want   SeverityLevel
	}{
		{"well below critical", "0.005", SeverityCritical},
		{"just below critical", "0.009", SeverityCritical},
		// границы строгие: ровно 0.01 уже не CRITICAL
		{"exactly critical boundary", "0.01", SeverityHigh},
		{"between high and medium", "0.04", SeverityMedium},
		{"exactly medium boundary", "0.05", SeverityLow},
		{"far from liquidation", "0.06", SeverityLow},
		{"zero distance", "0", SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := th.Classify(d(tt.metric))
			if got != tt.want {
				t.Errorf("Classify(%s) = %s, want %s", tt.metric, got, tt.want)
			}
		})
	}
}

func TestClassifyHigherIsWorse(t *testing.T) {
	// пороги фондирования включающие: |rate| >= tier
	th, err := NewThresholds(HigherIsWorse, []Band{
		{Level: SeverityCritical, Boundary: d("0.003")},
		{Level: SeverityHigh, Boundary: d("0.001")},
		{Level: SeverityMedium, Boundary: d("0.0005")},
	}, SeverityLow)
	if err != nil {
		t.Fatalf("NewThresholds: %v", err)
	}

	tests := []struct {
		metric string
		want   SeverityLevel
	}{
		{"0.0004", SeverityLow},
		{"0.0005", SeverityMedium},
		{"0.0009", SeverityMedium},
		{"0.001", SeverityHigh},
		{"0.003", SeverityCritical},
		{"0.01", SeverityCritical},
	}

	for _, tt := range tests {
		got := th.Classify(d(tt.metric))
		if got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.metric, got, tt.want)
		}
	}
}

func TestClassifyIdempotent(t *testing.T) {
	th := liquidationThresholds(t)
	metric := d("0.025")
	first := th.Classify(metric)
	for i := 0; i < 5; i++ {
		if got := th.Classify(metric); got != first {
			t.Fatalf("classification changed between calls: %s vs %s", got, first)
		}
	}
}

func TestClassifyMonotonic(t *testing.T) {
	th := liquidationThresholds(t)
	// чем меньше дистанция, тем серьёзнее уровень
	prev := SeverityCritical
	for _, metric := range []string{"0.001", "0.02", "0.04", "0.09"} {
		got := th.Classify(d(metric))
		if got > prev {
			t.Fatalf("severity increased with safer metric %s: %s after %s", metric, got, prev)
		}
		prev = got
	}
}

func TestNewThresholdsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		bands    []Band
		fallback SeverityLevel
	}{
		{
			"unordered levels",
			[]Band{
				{Level: SeverityHigh, Boundary: d("0.01")},
				{Level: SeverityCritical, Boundary: d("0.03")},
			},
			SeverityLow,
		},
		{
			"non-monotonic boundaries",
			[]Band{
				{Level: SeverityCritical, Boundary: d("0.05")},
				{Level: SeverityHigh, Boundary: d("0.03")},
				{Level: SeverityMedium, Boundary: d("0.04")},
			},
			SeverityLow,
		},
		{
			"fallback not below least severe band",
			[]Band{
				{Level: SeverityCritical, Boundary: d("0.01")},
				{Level: SeverityHigh, Boundary: d("0.03")},
			},
			SeverityHigh,
		},
		{
			"empty bands",
			nil,
			SeverityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewThresholds(LowerIsWorse, tt.bands, tt.fallback); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestSizeMultiplier(t *testing.T) {
	tests := []struct {
		level SeverityLevel
		want  string
	}{
		{SeverityCritical, "1"},
		{SeverityHigh, "0.7"},
		{SeverityMedium, "0.5"},
		{SeverityLow, "0.3"},
	}
	for _, tt := range tests {
		got := SizeMultiplier(tt.level)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("SizeMultiplier(%s) = %s, want %s", tt.level, got, tt.want)
		}
	}
}
