package budget

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestEMABudgetMatchesStandardFormulaWithoutOutliers(t *testing.T) {
	samples := []float64{1.0, 1.2, 0.9, 1.1, 1.05}
	b := New()

	want := 0.0
	for i, s := range samples {
		if i == 0 {
			want = s
		} else {
			want = alpha*s + (1-alpha)*want
		}
		b.Record(s)
	}

	if !approxEqual(b.EMA(), want, 1e-9) {
		t.Fatalf("expected ema=%.6f, got %.6f", want, b.EMA())
	}
}

func TestEMABudgetDampensOutlierAfterThreeSamples(t *testing.T) {
	b := New()
	b.Record(1.0)
	b.Record(1.0)
	b.Record(1.0) // ema == 1.0, samples == 3

	before := b.EMA()
	b.Record(10.0) // > 3*ema, should be clamped to 2*ema == 2.0
	want := alpha*2.0 + (1-alpha)*before
	if !approxEqual(b.EMA(), want, 1e-9) {
		t.Fatalf("expected dampened ema=%.6f, got %.6f", want, b.EMA())
	}
}

func TestProjectedTotalIsMonotonicNonDecreasingAcrossRecordedSamples(t *testing.T) {
	b := New()
	var prior float64
	for i := 0; i < 5; i++ {
		b.Record(2.0)
		projected := b.ProjectedTotal(10)
		if projected < prior-1e-9 {
			t.Fatalf("expected monotonic non-decreasing projection, got %.6f after %.6f", projected, prior)
		}
		prior = projected
	}
}

func TestShouldSlowDownTriggersNearBudget(t *testing.T) {
	b := New()
	b.Record(5.0)
	if !b.ShouldSlowDown(90, 100, 2) {
		t.Fatalf("expected slow-down signal near budget ceiling")
	}
	if b.ShouldSlowDown(10, 1000, 1) {
		t.Fatalf("expected no slow-down signal far from budget ceiling")
	}
}
