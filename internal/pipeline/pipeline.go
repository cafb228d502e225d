// Package pipeline orchestrates a scoring run: matrix construction,
// detection fan-out, fusion and alert commitment.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/matrix"
)

// Runner executes scoring runs end to end. A fatal input condition
// (empty dataset, missing required feature, no method succeeded, an
// uncovered entity, unusable fusion configuration) aborts the run
// before any alert is committed; per-method failures do not.
type Runner struct {
	cfg      domain.ScoringConfig
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *detect.Engine
	manager  *alerts.Manager
	combiner *fusion.Combiner
	required []string
}

// NewRunner wires a pipeline over the given components.
func NewRunner(cfg domain.ScoringConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *detect.Engine, manager *alerts.Manager) *Runner {
	return &Runner{
		cfg:     cfg,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		manager: manager,
	}
}

// SetCombiner installs a fitted stacking combiner. Stacking runs fail
// fatally until one is installed.
func (r *Runner) SetCombiner(c *fusion.Combiner) {
	r.combiner = c
}

// SetRequiredFeatures names features every dataset must carry.
func (r *Runner) SetRequiredFeatures(names []string) {
	r.required = names
}

// Run scores one dataset and returns the persisted run result. The
// returned error is non-nil only for fatal conditions; the result is
// recorded either way.
func (r *Runner) Run(ctx context.Context, req *domain.RunRequest) (*domain.RunResult, error) {
	started := time.Now().UTC()
	result := &domain.RunResult{
		ID:        uuid.New().String(),
		DatasetID: req.DatasetID,
		Policy:    req.Policy,
		StartedAt: started,
	}
	if result.Policy == "" {
		result.Policy = r.cfg.DefaultPolicy
	}

	slog.Info("scoring run started",
		"run_id", result.ID,
		"dataset_id", req.DatasetID,
		"policy", result.Policy,
	)

	ds, err := r.repo.GetDataset(ctx, req.DatasetID)
	if err != nil {
		return r.fail(ctx, result, fmt.Errorf("failed to load dataset %s: %w", req.DatasetID, err))
	}
	result.Entities = len(ds.Entities)

	// Fuser construction is fail-fast so an unknown policy or a missing
	// stacking combiner aborts before any work is done.
	fuser, err := fusion.New(result.Policy, r.combiner)
	if err != nil {
		return r.fail(ctx, result, err)
	}

	builder, err := r.builderFor(ctx, ds)
	if err != nil {
		return r.fail(ctx, result, err)
	}
	matrices, err := builder.Build(ds)
	if err != nil {
		return r.fail(ctx, result, err)
	}

	in := &detect.Input{Matrices: matrices, Features: ds.Entities}
	methodResults, err := r.engine.Run(ctx, in, req.Methods)
	if err != nil {
		return r.fail(ctx, result, err)
	}

	result.MethodsAttempted = len(methodResults)
	result.Failures = make(map[string]string)
	for _, mr := range methodResults {
		if mr.Status == domain.MethodSucceeded {
			result.MethodsSucceeded++
		} else {
			result.MethodsFailed++
			result.Failures[mr.Method] = mr.Reason
			methodFailures.WithLabelValues(mr.Method).Inc()
			slog.Warn("detection method failed",
				"run_id", result.ID,
				"method", mr.Method,
				"reason", mr.Reason,
			)
		}
	}

	// Methods registered without an anomaly threshold fall back to the
	// configured default so voting fusion never counts a zero bar.
	for i := range methodResults {
		if methodResults[i].Threshold <= 0 {
			methodResults[i].Threshold = r.cfg.VotingThreshold
		}
	}

	fused, err := fuser.Fuse(ds.EntityIDs(), methodResults)
	if err != nil {
		return r.fail(ctx, result, err)
	}

	committed, histogram, err := r.manager.Commit(ctx, result.ID, fused, req.TierOverrides, req.QueueCapacity)
	if err != nil {
		return r.fail(ctx, result, err)
	}

	result.TierCounts = histogram
	result.AlertIDs = make([]string, len(committed))
	for i, a := range committed {
		result.AlertIDs[i] = a.ID
	}
	result.Success = true
	result.FinishedAt = time.Now().UTC()
	result.ElapsedMs = result.FinishedAt.Sub(result.StartedAt).Milliseconds()

	r.record(ctx, result)
	runsTotal.WithLabelValues("success").Inc()
	runDuration.Observe(float64(result.ElapsedMs) / 1000)

	slog.Info("scoring run completed",
		"run_id", result.ID,
		"entities", result.Entities,
		"methods_succeeded", result.MethodsSucceeded,
		"methods_failed", result.MethodsFailed,
		"alerts", len(result.AlertIDs),
		"elapsed_ms", result.ElapsedMs,
	)
	return result, nil
}

// builderFor returns a fitted matrix builder for the dataset, reusing a
// cached fit when one exists so scores stay comparable across batches.
func (r *Runner) builderFor(ctx context.Context, ds *domain.Dataset) (*matrix.Builder, error) {
	key := domain.CacheKeyArtifact + ds.ID
	if r.cache != nil {
		if data, err := r.cache.Get(ctx, key); err == nil && data != nil {
			if b, err := matrix.UnmarshalArtifact(data); err == nil {
				return b, nil
			}
			slog.Warn("discarding unreadable matrix artifact", "dataset_id", ds.ID)
		}
	}

	b := matrix.NewBuilder(r.cfg.ReducedComponents, r.required)
	if err := b.Fit(ds); err != nil {
		return nil, err
	}
	if r.cache != nil {
		if data, err := b.MarshalArtifact(); err == nil {
			if err := r.cache.Set(ctx, key, data, 0); err != nil {
				slog.Warn("failed to cache matrix artifact", "dataset_id", ds.ID, "error", err)
			}
		}
	}
	return b, nil
}

// fail records an aborted run. No alerts are committed on a fatal path.
func (r *Runner) fail(ctx context.Context, result *domain.RunResult, cause error) (*domain.RunResult, error) {
	result.Success = false
	result.Error = cause.Error()
	result.FinishedAt = time.Now().UTC()
	result.ElapsedMs = result.FinishedAt.Sub(result.StartedAt).Milliseconds()

	r.record(ctx, result)
	runsTotal.WithLabelValues("failure").Inc()

	slog.Error("scoring run aborted",
		"run_id", result.ID,
		"dataset_id", result.DatasetID,
		"error", result.Error,
	)
	return result, cause
}

// record persists and caches the run result, then announces completion.
// Persistence problems are logged, not raised: the run outcome already
// stands.
func (r *Runner) record(ctx context.Context, result *domain.RunResult) {
	if err := r.repo.SaveRun(ctx, result); err != nil {
		slog.Error("failed to persist run result", "run_id", result.ID, "error", err)
	}
	if r.cache != nil {
		if err := r.cache.SetRun(ctx, result, 0); err != nil {
			slog.Warn("failed to cache run result", "run_id", result.ID, "error", err)
		}
	}
	if r.bus != nil {
		payload, _ := json.Marshal(result)
		if err := r.bus.Publish(ctx, domain.TopicRunCompleted, payload); err != nil {
			slog.Warn("failed to publish run completion", "run_id", result.ID, "error", err)
		}
	}
}
