package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Manager is the output stage: it tiers fused scores, builds explainable
// alerts, maintains the investigation queue and owns the audit log. It
// is the sole audit writer, and all queue and audit access serializes
// through its mutex.
type Manager struct {
	mu    sync.Mutex
	repo  domain.Repository
	bus   domain.EventBus
	queue *Queue

	bands   domain.TierBands
	minTier domain.RiskTier
	topK    int
	seq     int64
}

// NewManager creates an output manager. The tier bands must be ordered,
// non-overlapping and cover [0,1].
func NewManager(cfg domain.ScoringConfig, repo domain.Repository, bus domain.EventBus) (*Manager, error) {
	bands := cfg.TierBands
	if len(bands) == 0 {
		bands = domain.DefaultTierBands()
	}
	if err := bands.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tier bands: %w", err)
	}
	topK := cfg.TopFactors
	if topK <= 0 {
		topK = 3
	}
	return &Manager{
		repo:    repo,
		bus:     bus,
		queue:   NewQueue(cfg.QueueCapacity),
		bands:   bands,
		minTier: cfg.MinAlertTier,
		topK:    topK,
	}, nil
}

// Restore seeds the alert sequence and queue from persisted state, so
// IDs stay monotonic across restarts and Open alerts survive them.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.repo.MaxAlertSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore alert sequence: %w", err)
	}
	m.seq = seq

	open, err := m.repo.ListAlertsByStatus(ctx, domain.AlertOpen)
	if err != nil {
		return fmt.Errorf("failed to restore open alerts: %w", err)
	}
	// The queue may be smaller than the persisted Open set, e.g. after
	// the capacity was lowered across a restart. Alerts that no longer
	// fit are evicted and audited like any other capacity eviction.
	for _, a := range open {
		if evicted := m.queue.Insert(a); evicted != nil {
			if err := m.auditEviction(ctx, evicted); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bands returns the configured tier bands.
func (m *Manager) Bands() domain.TierBands {
	return m.bands
}

// Commit tiers every fused score and, for entities at or above the
// inclusion tier, creates alerts, inserts them into the queue, audits
// each insertion and any capacity evictions, and persists everything.
// bands and capacity apply per-run overrides when non-zero. Commit is
// all-or-nothing from the caller's view: it is only invoked once fusion
// has fully succeeded.
func (m *Manager) Commit(ctx context.Context, runID string, scores []domain.FusedScore, bands domain.TierBands, capacity int) ([]*domain.Alert, map[domain.RiskTier]int, error) {
	if len(bands) == 0 {
		bands = m.bands
	} else if err := bands.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid tier band override: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if capacity > 0 && capacity != m.queue.Capacity() {
		for _, evicted := range m.queue.Resize(capacity) {
			if err := m.auditEviction(ctx, evicted); err != nil {
				return nil, nil, err
			}
		}
	}

	histogram := make(map[domain.RiskTier]int)
	minRank := domain.TierRank(m.minTier)
	var committed []*domain.Alert

	for _, fs := range scores {
		tier := bands.TierFor(fs.Score)
		histogram[tier]++
		if domain.TierRank(tier) < minRank {
			continue
		}

		m.seq++
		alert := &domain.Alert{
			ID:                domain.FormatAlertID(m.seq),
			RunID:             runID,
			CreatedAt:         time.Now().UTC(),
			EntityID:          fs.EntityID,
			Score:             fs.Score,
			Policy:            fs.Policy,
			Tier:              tier,
			Status:            domain.AlertOpen,
			Factors:           topFactors(fs.Attributions, m.topK),
			Narrative:         Narrative(fs.EntityID, fs.Score, tier, fs.Attributions, m.topK),
			RecommendedAction: RecommendedAction(tier),
		}

		if err := m.repo.SaveAlert(ctx, alert); err != nil {
			return nil, nil, fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
		}
		if err := m.audit(ctx, domain.SystemActor, domain.AuditAlertCreated, alert.ID, "", string(domain.AlertOpen)); err != nil {
			return nil, nil, err
		}

		if evicted := m.queue.Insert(alert); evicted != nil {
			if err := m.auditEviction(ctx, evicted); err != nil {
				return nil, nil, err
			}
		}

		m.publish(ctx, domain.TopicAlertCreated, alert)
		committed = append(committed, alert)
	}

	return committed, histogram, nil
}

// Transition applies an externally requested status change. Every
// change routes through here so it is audited; direct mutation of alert
// status is not offered anywhere else.
func (m *Manager) Transition(ctx context.Context, alertID string, to domain.AlertStatus, actor string) (*domain.Alert, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	alert, err := m.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(alert.Status, to) {
		return nil, fmt.Errorf("illegal status transition %s -> %s for %s", alert.Status, to, alertID)
	}

	before := alert.Status
	if err := m.repo.UpdateAlertStatus(ctx, alertID, to); err != nil {
		return nil, fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}
	alert.Status = to

	if err := m.audit(ctx, actor, domain.AuditStatusChanged, alertID, string(before), string(to)); err != nil {
		return nil, err
	}

	// Keep the queue a view of Open alerts only.
	if before == domain.AlertOpen && to != domain.AlertOpen {
		m.queue.Remove(alertID)
	}
	if before != domain.AlertOpen && to == domain.AlertOpen {
		if evicted := m.queue.Insert(alert); evicted != nil {
			if err := m.auditEviction(ctx, evicted); err != nil {
				return nil, err
			}
		}
	}

	m.publish(ctx, domain.TopicAlertStatus, alert)
	return alert, nil
}

// QueueSnapshot returns the current ordered queue contents.
func (m *Manager) QueueSnapshot() []*domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Items()
}

// QueueCapacity returns the queue's configured bound.
func (m *Manager) QueueCapacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Capacity()
}

// auditEviction records one capacity eviction. Eviction is a normal
// audited event, never an error: the run continues.
func (m *Manager) auditEviction(ctx context.Context, evicted *domain.Alert) error {
	slog.Info("alert evicted from queue",
		"alert_id", evicted.ID,
		"score", evicted.Score,
		"capacity", m.queue.Capacity(),
	)
	if err := m.audit(ctx, domain.SystemActor, domain.AuditAlertEvicted, evicted.ID, "queued", "evicted"); err != nil {
		return err
	}
	m.publish(ctx, domain.TopicAlertEvicted, evicted)
	return nil
}

// audit appends one immutable entry. Existing entries are never
// mutated or deleted.
func (m *Manager) audit(ctx context.Context, actor, action, subjectID, before, after string) error {
	entry := &domain.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
		Before:    before,
		After:     after,
	}
	if err := m.repo.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("failed to append audit entry for %s: %w", subjectID, err)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, topic string, alert *domain.Alert) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(alert)
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish alert event",
			"topic", topic,
			"alert_id", alert.ID,
			"error", err,
		)
	}
}

func topFactors(factors []domain.Attribution, k int) []domain.Attribution {
	if k > 0 && len(factors) > k {
		factors = factors[:k]
	}
	out := make([]domain.Attribution, len(factors))
	copy(out, factors)
	return out
}
