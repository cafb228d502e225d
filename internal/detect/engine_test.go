package detect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testInput(n int) *Input {
	ids := make([]domain.EntityID, n)
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		ids[i] = domain.EntityID(fmt.Sprintf("e%d", i))
		rows[i] = []float64{float64(i)}
	}
	set := &domain.MatrixSet{
		Kind:      domain.MatrixRaw,
		EntityIDs: ids,
		Columns:   []string{"x"},
		Rows:      rows,
	}
	return &Input{Matrices: map[domain.MatrixKind]*domain.MatrixSet{domain.MatrixRaw: set}}
}

func stubMethod(name string, score Scorer) *Method {
	return &Method{
		Name:      name,
		Category:  domain.CategoryStatistical,
		Kind:      domain.MatrixRaw,
		Weight:    1.0,
		Threshold: 0.7,
		Normalize: NormalizeMinMax,
		Score:     score,
	}
}

func constantScorer(v float64) Scorer {
	return func(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
		out := make(map[domain.EntityID]float64)
		for i, id := range m.EntityIDs {
			out[id] = v * float64(i+1)
		}
		return out, nil
	}
}

func TestEngineRun(t *testing.T) {
	registry := NewRegistry()
	registry.Register(stubMethod("alpha", constantScorer(1)))
	registry.Register(stubMethod("beta", constantScorer(2)))

	engine := NewEngine(registry, 4, time.Second)
	results, err := engine.Run(context.Background(), testInput(5), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	// Resolve(nil) sorts by name, so ordering is deterministic.
	if results[0].Method != "alpha" || results[1].Method != "beta" {
		t.Errorf("unexpected result order: %s, %s", results[0].Method, results[1].Method)
	}
	for _, r := range results {
		if r.Status != domain.MethodSucceeded {
			t.Errorf("method %s: expected success, got %s (%s)", r.Method, r.Status, r.Reason)
		}
		if len(r.Scores) != 5 {
			t.Errorf("method %s: expected 5 scores, got %d", r.Method, len(r.Scores))
		}
		for id, v := range r.Scores {
			if v < 0 || v > 1 {
				t.Errorf("method %s entity %s: score %v outside [0,1]", r.Method, id, v)
			}
		}
	}
}

func TestEngineFailureIsolation(t *testing.T) {
	registry := NewRegistry()
	registry.Register(stubMethod("works", constantScorer(1)))
	registry.Register(stubMethod("errors", func(_ context.Context, _ *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
		return nil, errors.New("numeric breakdown")
	}))
	registry.Register(stubMethod("panics", func(_ context.Context, _ *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
		panic("index out of range")
	}))

	engine := NewEngine(registry, 4, time.Second)
	results, err := engine.Run(context.Background(), testInput(5), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	byName := make(map[string]domain.MethodResult)
	for _, r := range results {
		byName[r.Method] = r
	}

	if byName["works"].Status != domain.MethodSucceeded {
		t.Errorf("healthy method should succeed despite sibling failures: %s", byName["works"].Reason)
	}
	if byName["errors"].Status != domain.MethodFailed || byName["errors"].Reason != "numeric breakdown" {
		t.Errorf("expected recorded error, got %s (%s)", byName["errors"].Status, byName["errors"].Reason)
	}
	if byName["panics"].Status != domain.MethodFailed || !strings.Contains(byName["panics"].Reason, "panic") {
		t.Errorf("expected recorded panic, got %s (%s)", byName["panics"].Status, byName["panics"].Reason)
	}
	if len(byName["errors"].Scores) != 0 || len(byName["panics"].Scores) != 0 {
		t.Error("failed methods must carry no scores")
	}
}

func TestEngineTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register(stubMethod("slow", func(ctx context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return map[domain.EntityID]float64{m.EntityIDs[0]: 1}, nil
	}))

	engine := NewEngine(registry, 2, 50*time.Millisecond)
	results, err := engine.Run(context.Background(), testInput(3), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if results[0].Status != domain.MethodFailed {
		t.Fatalf("expected timeout failure, got %s", results[0].Status)
	}
	if !strings.Contains(results[0].Reason, "timed out") {
		t.Errorf("expected timeout reason, got %q", results[0].Reason)
	}
}

func TestEngineMinPopulation(t *testing.T) {
	registry := NewRegistry()
	m := stubMethod("picky", constantScorer(1))
	m.MinPopulation = 10
	registry.Register(m)

	engine := NewEngine(registry, 2, time.Second)
	results, err := engine.Run(context.Background(), testInput(4), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if results[0].Status != domain.MethodFailed {
		t.Fatalf("expected failure for small batch, got %s", results[0].Status)
	}
	if !strings.Contains(results[0].Reason, "below minimum") {
		t.Errorf("expected population reason, got %q", results[0].Reason)
	}
}

func TestEngineUndefinedScoresDropped(t *testing.T) {
	registry := NewRegistry()
	registry.Register(stubMethod("partial", func(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
		out := make(map[domain.EntityID]float64)
		for i, id := range m.EntityIDs {
			if i == 0 {
				out[id] = math.NaN()
				continue
			}
			out[id] = float64(i)
		}
		return out, nil
	}))

	engine := NewEngine(registry, 2, time.Second)
	results, err := engine.Run(context.Background(), testInput(4), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	r := results[0]
	if r.Status != domain.MethodSucceeded {
		t.Fatalf("expected success, got %s (%s)", r.Status, r.Reason)
	}
	if len(r.Scores) != 3 {
		t.Errorf("NaN entity should be absent: expected 3 scores, got %d", len(r.Scores))
	}
	if _, ok := r.Scores["e0"]; ok {
		t.Error("entity with undefined raw score must not appear")
	}
}

func TestEngineAllUndefinedFails(t *testing.T) {
	registry := NewRegistry()
	registry.Register(stubMethod("empty", func(_ context.Context, _ *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
		return map[domain.EntityID]float64{}, nil
	}))

	engine := NewEngine(registry, 2, time.Second)
	results, err := engine.Run(context.Background(), testInput(3), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if results[0].Status != domain.MethodFailed {
		t.Errorf("method with no defined scores should fail, got %s", results[0].Status)
	}
}

func TestEngineUnknownMethod(t *testing.T) {
	registry := NewRegistry()
	registry.Register(stubMethod("known", constantScorer(1)))

	engine := NewEngine(registry, 2, time.Second)
	_, err := engine.Run(context.Background(), testInput(3), []string{"known", "missing"})
	if !errors.Is(err, domain.ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestEngineMissingMatrixKind(t *testing.T) {
	registry := NewRegistry()
	m := stubMethod("reduced_only", constantScorer(1))
	m.Kind = domain.MatrixReduced
	registry.Register(m)

	engine := NewEngine(registry, 2, time.Second)
	results, err := engine.Run(context.Background(), testInput(3), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if results[0].Status != domain.MethodFailed {
		t.Fatalf("expected failure for missing matrix, got %s", results[0].Status)
	}
	if !strings.Contains(results[0].Reason, "not built") {
		t.Errorf("expected matrix reason, got %q", results[0].Reason)
	}
}

func TestRegistryAddOnly(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(stubMethod("dup", constantScorer(1))); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := registry.Register(stubMethod("dup", constantScorer(2))); err == nil {
		t.Error("expected error re-registering an existing name")
	}
	if err := registry.Register(&Method{Name: "noscore"}); err == nil {
		t.Error("expected error for method without scoring function")
	}
	if registry.Count() != 1 {
		t.Errorf("expected 1 method, got %d", registry.Count())
	}
}
