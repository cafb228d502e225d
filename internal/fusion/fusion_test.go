package fusion

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func succeeded(name string, weight, threshold float64, scores map[domain.EntityID]float64) domain.MethodResult {
	return domain.MethodResult{
		Method:    name,
		Status:    domain.MethodSucceeded,
		Weight:    weight,
		Threshold: threshold,
		Scores:    scores,
	}
}

func failed(name string) domain.MethodResult {
	return domain.MethodResult{Method: name, Status: domain.MethodFailed, Reason: "broke"}
}

func TestNewFuser(t *testing.T) {
	if _, err := New("bogus", nil); !errors.Is(err, domain.ErrUnknownPolicy) {
		t.Errorf("expected ErrUnknownPolicy, got %v", err)
	}
	if _, err := New(domain.PolicyStacking, nil); !errors.Is(err, domain.ErrNoCombiner) {
		t.Errorf("expected ErrNoCombiner, got %v", err)
	}
	if _, err := New(domain.PolicyWeightedAverage, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWeightedAverage(t *testing.T) {
	f, err := New(domain.PolicyWeightedAverage, nil)
	if err != nil {
		t.Fatalf("fuser creation failed: %v", err)
	}

	results := []domain.MethodResult{
		succeeded("m1", 1, 0.7, map[domain.EntityID]float64{"a": 0.8, "b": 0.2}),
		succeeded("m2", 3, 0.7, map[domain.EntityID]float64{"a": 0.4}),
		failed("m3"),
	}

	fused, err := f.Fuse([]domain.EntityID{"a", "b"}, results)
	if err != nil {
		t.Fatalf("fuse failed: %v", err)
	}
	if len(fused) != 2 {
		t.Fatalf("expected 2 fused scores, got %d", len(fused))
	}

	// a: (1*0.8 + 3*0.4) / 4 = 0.5
	if math.Abs(fused[0].Score-0.5) > 1e-9 {
		t.Errorf("entity a: expected 0.5, got %v", fused[0].Score)
	}

	// b is missing from m2, so m2 drops out of both numerator and
	// denominator: b fuses to exactly m1's score.
	if fused[1].Score != 0.2 {
		t.Errorf("entity b: expected renormalized 0.2, got %v", fused[1].Score)
	}
}

func TestMaximum(t *testing.T) {
	f, err := New(domain.PolicyMaximum, nil)
	if err != nil {
		t.Fatalf("fuser creation failed: %v", err)
	}

	results := []domain.MethodResult{
		succeeded("m1", 1, 0.7, map[domain.EntityID]float64{"a": 0.3}),
		succeeded("m2", 1, 0.7, map[domain.EntityID]float64{"a": 0.9}),
	}

	fused, err := f.Fuse([]domain.EntityID{"a"}, results)
	if err != nil {
		t.Fatalf("fuse failed: %v", err)
	}
	if fused[0].Score != 0.9 {
		t.Errorf("expected max 0.9, got %v", fused[0].Score)
	}
}

func TestVoting(t *testing.T) {
	f, err := New(domain.PolicyVoting, nil)
	if err != nil {
		t.Fatalf("fuser creation failed: %v", err)
	}

	// Two of four contributing methods strictly exceed their own
	// thresholds. Sitting exactly on the threshold is not a vote.
	results := []domain.MethodResult{
		succeeded("m1", 1, 0.5, map[domain.EntityID]float64{"a": 0.6}),
		succeeded("m2", 1, 0.9, map[domain.EntityID]float64{"a": 0.95}),
		succeeded("m3", 1, 0.8, map[domain.EntityID]float64{"a": 0.1}),
		succeeded("m4", 1, 0.6, map[domain.EntityID]float64{"a": 0.6}),
	}

	fused, err := f.Fuse([]domain.EntityID{"a"}, results)
	if err != nil {
		t.Fatalf("fuse failed: %v", err)
	}
	if math.Abs(fused[0].Score-0.5) > 1e-9 {
		t.Errorf("expected 2/4 vote share, got %v", fused[0].Score)
	}
}

func TestStacking(t *testing.T) {
	combiner, err := NewCombiner(domain.CombinerArtifact{
		Methods: []string{"m1", "m2"},
		Weights: []float64{2, 2},
		Bias:    -2,
	})
	if err != nil {
		t.Fatalf("combiner creation failed: %v", err)
	}

	f, err := New(domain.PolicyStacking, combiner)
	if err != nil {
		t.Fatalf("fuser creation failed: %v", err)
	}

	results := []domain.MethodResult{
		succeeded("m1", 1, 0.7, map[domain.EntityID]float64{"a": 1, "b": 1}),
		succeeded("m2", 1, 0.7, map[domain.EntityID]float64{"a": 1}),
	}

	fused, err := f.Fuse([]domain.EntityID{"a", "b"}, results)
	if err != nil {
		t.Fatalf("fuse failed: %v", err)
	}

	// a: sigmoid(2*1 + 2*1 - 2) = sigmoid(2)
	want := 1 / (1 + math.Exp(-2))
	if math.Abs(fused[0].Score-want) > 1e-9 {
		t.Errorf("entity a: expected %v, got %v", want, fused[0].Score)
	}

	// b is missing from m2, so the input vector takes the neutral 0.5:
	// sigmoid(2*1 + 2*0.5 - 2) = sigmoid(1)
	want = 1 / (1 + math.Exp(-1))
	if math.Abs(fused[1].Score-want) > 1e-9 {
		t.Errorf("entity b: expected %v, got %v", want, fused[1].Score)
	}
}

func TestNoMethodsSucceeded(t *testing.T) {
	f, err := New(domain.PolicyWeightedAverage, nil)
	if err != nil {
		t.Fatalf("fuser creation failed: %v", err)
	}

	_, err = f.Fuse([]domain.EntityID{"a"}, []domain.MethodResult{failed("m1"), failed("m2")})
	if !errors.Is(err, domain.ErrNoMethodsSucceeded) {
		t.Fatalf("expected ErrNoMethodsSucceeded, got %v", err)
	}
}

func TestUncoveredEntity(t *testing.T) {
	f, err := New(domain.PolicyWeightedAverage, nil)
	if err != nil {
		t.Fatalf("fuser creation failed: %v", err)
	}

	results := []domain.MethodResult{
		succeeded("m1", 1, 0.7, map[domain.EntityID]float64{"a": 0.5}),
	}
	_, err = f.Fuse([]domain.EntityID{"a", "ghost"}, results)
	if !errors.Is(err, domain.ErrEntityUncovered) {
		t.Fatalf("expected ErrEntityUncovered, got %v", err)
	}
}

func TestAttributions(t *testing.T) {
	f, err := New(domain.PolicyWeightedAverage, nil)
	if err != nil {
		t.Fatalf("fuser creation failed: %v", err)
	}

	results := []domain.MethodResult{
		succeeded("small", 1, 0.7, map[domain.EntityID]float64{"a": 0.1}),
		succeeded("big", 1, 0.7, map[domain.EntityID]float64{"a": 0.9}),
	}

	fused, err := f.Fuse([]domain.EntityID{"a"}, results)
	if err != nil {
		t.Fatalf("fuse failed: %v", err)
	}

	attrs := fused[0].Attributions
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributions, got %d", len(attrs))
	}
	if attrs[0].Factor != "big" {
		t.Errorf("expected dominant factor first, got %s", attrs[0].Factor)
	}
	if attrs[0].Weight < attrs[1].Weight {
		t.Error("attributions must be ordered by weight descending")
	}

	var sum float64
	for _, a := range attrs {
		sum += a.Weight
	}
	if sum > 1+1e-9 {
		t.Errorf("attribution weights sum to %v, expected <= 1", sum)
	}
}

func TestFuseDeterministic(t *testing.T) {
	f, err := New(domain.PolicyWeightedAverage, nil)
	if err != nil {
		t.Fatalf("fuser creation failed: %v", err)
	}

	results := []domain.MethodResult{
		succeeded("m1", 1.3, 0.7, map[domain.EntityID]float64{"a": 0.11, "b": 0.71, "c": 0.37}),
		succeeded("m2", 0.9, 0.7, map[domain.EntityID]float64{"a": 0.52, "b": 0.13, "c": 0.95}),
		succeeded("m3", 2.1, 0.7, map[domain.EntityID]float64{"a": 0.33, "c": 0.42}),
	}
	order := []domain.EntityID{"a", "b", "c"}

	first, err := f.Fuse(order, results)
	if err != nil {
		t.Fatalf("fuse failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := f.Fuse(order, results)
		if err != nil {
			t.Fatalf("fuse failed: %v", err)
		}
		for j := range first {
			if first[j].Score != again[j].Score {
				t.Fatalf("fusion not reproducible: entity %s %v != %v", first[j].EntityID, first[j].Score, again[j].Score)
			}
		}
	}
}

func TestFitCombiner(t *testing.T) {
	methods := []string{"m1", "m2"}
	samples := [][]float64{
		{0.9, 0.8}, {0.95, 0.9}, {0.85, 0.95},
		{0.1, 0.2}, {0.05, 0.1}, {0.15, 0.05},
	}
	labels := []float64{1, 1, 1, 0, 0, 0}

	c, err := FitCombiner(methods, samples, labels, 500, 0.5)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	high := c.Predict([]float64{0.9, 0.9})
	low := c.Predict([]float64{0.1, 0.1})
	if high <= low {
		t.Errorf("fitted combiner should separate classes: %v <= %v", high, low)
	}

	// Fitting is deterministic.
	again, err := FitCombiner(methods, samples, labels, 500, 0.5)
	if err != nil {
		t.Fatalf("refit failed: %v", err)
	}
	if again.Predict([]float64{0.9, 0.9}) != high {
		t.Error("refitting identical inputs should give identical predictions")
	}

	if _, err := FitCombiner(nil, samples, labels, 10, 0.1); err == nil {
		t.Error("expected error for empty method list")
	}
	if _, err := FitCombiner(methods, samples, labels[:2], 10, 0.1); err == nil {
		t.Error("expected error for mismatched labels")
	}
}

func TestCombinerRoundTrip(t *testing.T) {
	c, err := NewCombiner(domain.CombinerArtifact{
		Methods: []string{"m1", "m2", "m3"},
		Weights: []float64{0.5, -0.25, 1.5},
		Bias:    0.1,
	})
	if err != nil {
		t.Fatalf("combiner creation failed: %v", err)
	}

	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	restored, err := LoadCombiner(data)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	x := []float64{0.2, 0.8, 0.5}
	if restored.Predict(x) != c.Predict(x) {
		t.Error("restored combiner predicts differently")
	}

	if _, err := LoadCombiner([]byte("junk")); err == nil {
		t.Error("expected error for malformed artifact")
	}
	if _, err := NewCombiner(domain.CombinerArtifact{Methods: []string{"m"}, Weights: []float64{1, 2}}); err == nil {
		t.Error("expected error for weight count mismatch")
	}
}
