// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Dataset operations
	SaveDataset(ctx context.Context, ds *Dataset) error
	GetDataset(ctx context.Context, datasetID string) (*Dataset, error)

	// Run results
	SaveRun(ctx context.Context, run *RunResult) error
	GetRun(ctx context.Context, runID string) (*RunResult, error)

	// Alert operations. Status updates must only be issued by the output
	// manager so every change is audited.
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status AlertStatus) error
	ListAlertsByStatus(ctx context.Context, status AlertStatus) ([]*Alert, error)
	MaxAlertSeq(ctx context.Context) (int64, error)

	// Audit log: append-only, chronological.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, since time.Time, limit int) ([]*AuditEntry, error)

	// Expression method configurations
	SaveMethodSpec(ctx context.Context, spec *MethodSpec) error
	ListMethodSpecs(ctx context.Context) ([]*MethodSpec, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
