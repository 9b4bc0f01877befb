// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Rule operations. SaveRule assigns the next version for the rule id
	// and marks it current; GetRule with version <= 0 returns the current
	// version.
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string, version int) (*Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*Rule, error)
	DeactivateRule(ctx context.Context, ruleID string) error

	// Transaction operations.
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	CountTransactions(ctx context.Context, filter ScanFilter) (int64, error)
	// PageTransactions returns up to limit transactions matching filter,
	// ordered by (timestamp, id), starting after cursor (nil for the first
	// page).
	PageTransactions(ctx context.Context, filter ScanFilter, cursor *PageCursor, limit int) ([]*Transaction, error)
	// TransactionsByKey returns transactions whose key field equals value
	// with timestamps in [since, until], for pattern window evaluation.
	TransactionsByKey(ctx context.Context, keyField, value string, since, until time.Time) ([]*Transaction, error)

	// Detection results.
	SaveDetectionResult(ctx context.Context, res *FraudDetectionResult) error
	GetDetectionResult(ctx context.Context, id string) (*FraudDetectionResult, error)

	// Scan jobs.
	SaveScanJob(ctx context.Context, job *ScanJob) error
	UpdateScanJob(ctx context.Context, job *ScanJob) error
	GetScanJob(ctx context.Context, jobID string) (*ScanJob, error)

	// Backtest results.
	SaveTestResult(ctx context.Context, res *TestResult) error

	// Training jobs.
	SaveTrainingJob(ctx context.Context, job *TrainingJob) error
	UpdateTrainingJob(ctx context.Context, job *TrainingJob) error
	GetTrainingJob(ctx context.Context, jobID string) (*TrainingJob, error)

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
