// Package worker provides async run processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker consumes run requests from the EventBus and executes them
// through the pipeline, so upstream feature-engineering jobs can hand
// over datasets without calling the HTTP API.
type Worker struct {
	bus    domain.EventBus
	runner *pipeline.Runner

	// concurrency bounds simultaneous run executions.
	concurrency int
	sem         chan struct{}

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner *pipeline.Runner, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         bus,
		runner:      runner,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the run request topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRunRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("run worker started",
		"topic", domain.TopicRunRequested,
		"concurrency", w.concurrency,
	)
	return nil
}

// handleMessage parses a run request and executes it. A malformed
// payload is dropped with a log line; the bus does not redeliver.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.RunRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse run request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.DatasetID == "" {
		slog.Error("run request has no dataset", "message_id", msg.ID)
		return nil
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		w.sem <- struct{}{}
		defer func() { <-w.sem }()

		start := time.Now()
		result, err := w.runner.Run(w.ctx, &req)
		if err != nil {
			slog.Error("queued run failed",
				"dataset_id", req.DatasetID,
				"error", err,
			)
			return
		}

		slog.Info("queued run completed",
			"run_id", result.ID,
			"dataset_id", req.DatasetID,
			"alerts", len(result.AlertIDs),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	return nil
}

// Stop gracefully stops the worker, waiting for in-flight runs.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("run worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
