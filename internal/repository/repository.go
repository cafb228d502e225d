// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDataset stores a feature table.
func (r *SQLRepository) SaveDataset(ctx context.Context, ds *domain.Dataset) error {
	if ds == nil || ds.ID == "" {
		return fmt.Errorf("%w: dataset ID is required", ErrInvalidInput)
	}

	entities, err := json.Marshal(ds.Entities)
	if err != nil {
		return fmt.Errorf("failed to encode entities: %w", err)
	}

	query := `
		INSERT INTO datasets (id, name, entities, quality_score, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			entities = excluded.entities,
			quality_score = excluded.quality_score
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ds.ID, ds.Name, string(entities), ds.QualityScore, ds.CreatedAt,
	)
	return err
}

// GetDataset retrieves a feature table by ID.
func (r *SQLRepository) GetDataset(ctx context.Context, datasetID string) (*domain.Dataset, error) {
	query := `
		SELECT id, name, entities, quality_score, created_at
		FROM datasets
		WHERE id = ?
	`

	var ds domain.Dataset
	var entities string

	err := r.db.QueryRowContext(ctx, r.rebind(query), datasetID).Scan(
		&ds.ID, &ds.Name, &entities, &ds.QualityScore, &ds.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(entities), &ds.Entities); err != nil {
		return nil, fmt.Errorf("failed to parse entities for %s: %w", datasetID, err)
	}

	return &ds, nil
}

// SaveRun stores a run result.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.RunResult) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	failures, _ := json.Marshal(run.Failures)
	tierCounts, _ := json.Marshal(run.TierCounts)
	alertIDs, _ := json.Marshal(run.AlertIDs)

	success := 0
	if run.Success {
		success = 1
	}

	query := `
		INSERT INTO runs (
			id, dataset_id, policy, success, error,
			entities, methods_attempted, methods_succeeded, methods_failed,
			failures, tier_counts, alert_ids,
			started_at, finished_at, elapsed_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.DatasetID, run.Policy, success, run.Error,
		run.Entities, run.MethodsAttempted, run.MethodsSucceeded, run.MethodsFailed,
		string(failures), string(tierCounts), string(alertIDs),
		run.StartedAt, run.FinishedAt, run.ElapsedMs,
	)
	return err
}

// GetRun retrieves a run result by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.RunResult, error) {
	query := `
		SELECT id, dataset_id, policy, success, error,
			   entities, methods_attempted, methods_succeeded, methods_failed,
			   failures, tier_counts, alert_ids,
			   started_at, finished_at, elapsed_ms
		FROM runs
		WHERE id = ?
	`

	var run domain.RunResult
	var success int
	var failures, tierCounts, alertIDs string

	err := r.db.QueryRowContext(ctx, r.rebind(query), runID).Scan(
		&run.ID, &run.DatasetID, &run.Policy, &success, &run.Error,
		&run.Entities, &run.MethodsAttempted, &run.MethodsSucceeded, &run.MethodsFailed,
		&failures, &tierCounts, &alertIDs,
		&run.StartedAt, &run.FinishedAt, &run.ElapsedMs,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.Success = success == 1
	json.Unmarshal([]byte(failures), &run.Failures)
	json.Unmarshal([]byte(tierCounts), &run.TierCounts)
	json.Unmarshal([]byte(alertIDs), &run.AlertIDs)

	return &run, nil
}

// SaveAlert stores an alert. The numeric sequence is extracted from the
// ID so MaxAlertSeq can restore the counter after a restart.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert ID is required", ErrInvalidInput)
	}

	var seq int64
	if _, err := fmt.Sscanf(alert.ID, "KES-%d", &seq); err != nil {
		return fmt.Errorf("%w: malformed alert ID %q", ErrInvalidInput, alert.ID)
	}

	factors, _ := json.Marshal(alert.Factors)

	query := `
		INSERT INTO alerts (
			id, seq, run_id, created_at, entity_id, score,
			policy, tier, status, narrative, factors, recommended_action
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, seq, alert.RunID, alert.CreatedAt, string(alert.EntityID), alert.Score,
		alert.Policy, string(alert.Tier), string(alert.Status),
		alert.Narrative, string(factors), alert.RecommendedAction,
	)
	return err
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `
		SELECT id, run_id, created_at, entity_id, score,
			   policy, tier, status, narrative, factors, recommended_action
		FROM alerts
		WHERE id = ?
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// UpdateAlertStatus sets an alert's lifecycle status. Callers route
// through the output manager so the change is audited.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus) error {
	query := `UPDATE alerts SET status = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), alertID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlertsByStatus retrieves alerts in one status, highest score first.
func (r *SQLRepository) ListAlertsByStatus(ctx context.Context, status domain.AlertStatus) ([]*domain.Alert, error) {
	query := `
		SELECT id, run_id, created_at, entity_id, score,
			   policy, tier, status, narrative, factors, recommended_action
		FROM alerts
		WHERE status = ?
		ORDER BY score DESC, created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// MaxAlertSeq returns the highest issued alert sequence number, 0 when
// no alerts exist.
func (r *SQLRepository) MaxAlertSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM alerts`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// AppendAudit stores one audit entry. The table is append-only.
func (r *SQLRepository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("%w: audit entry ID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO audit_entries (id, timestamp, actor, action, subject_id, before_state, after_state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.Timestamp, entry.Actor, entry.Action,
		entry.SubjectID, entry.Before, entry.After,
	)
	return err
}

// ListAudit retrieves audit entries at or after since, oldest first.
func (r *SQLRepository) ListAudit(ctx context.Context, since time.Time, limit int) ([]*domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, timestamp, actor, action, subject_id, before_state, after_state
		FROM audit_entries
		WHERE timestamp >= ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var before, after sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.SubjectID, &before, &after); err != nil {
			return nil, err
		}
		e.Before = before.String
		e.After = after.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SaveMethodSpec stores or updates an expression method configuration.
func (r *SQLRepository) SaveMethodSpec(ctx context.Context, spec *domain.MethodSpec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("%w: method name is required", ErrInvalidInput)
	}

	enabled := 0
	if spec.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO method_specs (
			name, description, category, expression, weight, threshold, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			category = excluded.category,
			expression = excluded.expression,
			weight = excluded.weight,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		spec.Name, spec.Description, spec.Category, spec.Expression,
		spec.Weight, spec.Threshold, enabled, now, now,
	)
	return err
}

// ListMethodSpecs retrieves every stored expression method configuration.
func (r *SQLRepository) ListMethodSpecs(ctx context.Context) ([]*domain.MethodSpec, error) {
	query := `
		SELECT name, description, category, expression, weight, threshold, enabled
		FROM method_specs
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []*domain.MethodSpec
	for rows.Next() {
		var spec domain.MethodSpec
		var enabled int
		if err := rows.Scan(
			&spec.Name, &spec.Description, &spec.Category, &spec.Expression,
			&spec.Weight, &spec.Threshold, &enabled,
		); err != nil {
			return nil, err
		}
		spec.Enabled = enabled == 1
		specs = append(specs, &spec)
	}
	return specs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var alert domain.Alert
	var entityID, policy, tier, status, factors string

	if err := s.Scan(
		&alert.ID, &alert.RunID, &alert.CreatedAt, &entityID, &alert.Score,
		&policy, &tier, &status, &alert.Narrative, &factors, &alert.RecommendedAction,
	); err != nil {
		return nil, err
	}

	alert.EntityID = domain.EntityID(entityID)
	alert.Policy = policy
	alert.Tier = domain.RiskTier(tier)
	alert.Status = domain.AlertStatus(status)
	if err := json.Unmarshal([]byte(factors), &alert.Factors); err != nil {
		return nil, fmt.Errorf("failed to parse factors for %s: %w", alert.ID, err)
	}
	return &alert, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
