package detect

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine invokes detection methods over a shared Input. Methods are
// mutually independent pure functions, so invocations fan out across
// workers bounded by maxWorkers and merge only after completion. A
// method failure never aborts the batch.
type Engine struct {
	registry   *Registry
	maxWorkers int
	timeout    time.Duration
}

// NewEngine creates a detection engine.
func NewEngine(registry *Registry, maxWorkers int, timeout time.Duration) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{registry: registry, maxWorkers: maxWorkers, timeout: timeout}
}

// Run invokes the requested methods (all registered when names is empty)
// and returns one MethodResult per method. Per-method failures are
// recorded, not raised; the only errors returned are unknown method
// names and context cancellation.
func (e *Engine) Run(ctx context.Context, in *Input, names []string) ([]domain.MethodResult, error) {
	methods, err := e.registry.Resolve(names)
	if err != nil {
		return nil, err
	}

	results := make([]domain.MethodResult, len(methods))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, m := range methods {
		// Stop issuing new invocations once the run is cancelled.
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(idx int, m *Method) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.invoke(ctx, m, in)
		}(i, m)
	}

	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return results, nil
}

// invoke runs one method with timeout and panic isolation.
func (e *Engine) invoke(ctx context.Context, m *Method, in *Input) domain.MethodResult {
	start := time.Now()

	result := domain.MethodResult{
		Method:    m.Name,
		Category:  m.Category,
		Weight:    m.Weight,
		Threshold: m.Threshold,
		Status:    domain.MethodFailed,
	}

	matrix, ok := in.Matrices[m.Kind]
	if !ok || matrix == nil {
		result.Reason = fmt.Sprintf("matrix kind %q not built", m.Kind)
		result.ElapsedMs = time.Since(start).Milliseconds()
		return result
	}
	if len(matrix.Columns) == 0 {
		result.Reason = fmt.Sprintf("matrix kind %q has no features", m.Kind)
		result.ElapsedMs = time.Since(start).Milliseconds()
		return result
	}
	if n := len(matrix.EntityIDs); m.MinPopulation > 0 && n < m.MinPopulation {
		result.Reason = fmt.Sprintf("population %d below minimum %d", n, m.MinPopulation)
		result.ElapsedMs = time.Since(start).Milliseconds()
		return result
	}

	raw, err := e.score(ctx, m, matrix, in)
	result.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Reason = err.Error()
		return result
	}

	// Undefined values become per-entity missing, never coerced to zero.
	for id, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(raw, id)
		}
	}
	if len(raw) == 0 {
		result.Reason = "no defined scores produced"
		return result
	}

	result.Scores = normalizeScores(raw, m.Normalize)
	result.Status = domain.MethodSucceeded
	result.Reason = ""
	return result
}

// score applies the per-method timeout and converts panics to failures.
// Scorers are pure over read-only data, so an abandoned invocation
// cannot corrupt shared state.
func (e *Engine) score(ctx context.Context, m *Method, matrix *domain.MatrixSet, in *Input) (map[domain.EntityID]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		scores map[domain.EntityID]float64
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		scores, err := m.Score(ctx, matrix, in)
		done <- outcome{scores: scores, err: err}
	}()

	select {
	case out := <-done:
		return out.scores, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out after %s", e.timeout)
	}
}
