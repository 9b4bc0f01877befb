// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

var (
	// ErrNotFound aliases the domain sentinel so callers can test with a
	// single errors.Is check across layers.
	ErrNotFound     = domain.ErrNotFound
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

// SaveRule stores a rule as the next version for its id and marks it the
// only active version. The assigned version is written back to the rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	logic, err := json.Marshal(rule.Logic)
	if err != nil {
		return fmt.Errorf("marshal rule logic: %w", err)
	}
	inputFields, _ := json.Marshal(rule.InputFields)
	outputFields, _ := json.Marshal(rule.OutputFields)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		r.rebind(`SELECT COALESCE(MAX(version), 0) FROM rules WHERE id = ?`),
		rule.ID,
	).Scan(&maxVersion)
	if err != nil {
		return err
	}
	rule.Version = maxVersion + 1

	// Exactly one current version per rule id.
	if _, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE rules SET active = 0, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), rule.ID,
	); err != nil {
		return err
	}

	active := 0
	if rule.Active {
		active = 1
	}

	query := `
		INSERT INTO rules (
			id, version, name, description, priority, type, logic, severity,
			input_fields, output_fields, active, valid_from, valid_until,
			created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Version, rule.Name, rule.Description,
		int(rule.Priority), string(rule.Type), string(logic), string(rule.Severity),
		string(inputFields), string(outputFields), active,
		nullTime(rule.ValidFrom), nullTime(rule.ValidUntil),
		rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const ruleColumns = `id, version, name, description, priority, type, logic, severity,
	input_fields, output_fields, active, valid_from, valid_until,
	created_by, created_at, updated_at`

// GetRule retrieves a rule by id; version <= 0 returns the latest version.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string, version int) (*domain.Rule, error) {
	var row *sql.Row
	if version > 0 {
		query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ? AND version = ?`
		row = r.db.QueryRowContext(ctx, r.rebind(query), ruleID, version)
	} else {
		query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ? ORDER BY version DESC LIMIT 1`
		row = r.db.QueryRowContext(ctx, r.rebind(query), ruleID)
	}

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return rule, err
}

// ListRules retrieves the latest version of every rule, optionally only
// active ones.
func (r *SQLRepository) ListRules(ctx context.Context, activeOnly bool) ([]*domain.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules r
		WHERE version = (SELECT MAX(version) FROM rules WHERE id = r.id)
	`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeactivateRule removes every version of a rule from the active set.
func (r *SQLRepository) DeactivateRule(ctx context.Context, ruleID string) error {
	result, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE rules SET active = 0, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), ruleID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var (
		rule                      domain.Rule
		priority                  int
		ruleType, severity        string
		logic                     string
		inputFields, outputFields sql.NullString
		active                    int
		validFrom, validUntil     sql.NullTime
		createdBy                 sql.NullString
	)
	err := row.Scan(
		&rule.ID, &rule.Version, &rule.Name, &rule.Description,
		&priority, &ruleType, &logic, &severity,
		&inputFields, &outputFields, &active,
		&validFrom, &validUntil,
		&createdBy, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Priority = domain.RulePriority(priority)
	rule.Type = domain.RuleType(ruleType)
	rule.Severity = domain.RiskLevel(severity)
	rule.Active = active == 1
	rule.CreatedBy = createdBy.String
	if validFrom.Valid {
		t := validFrom.Time
		rule.ValidFrom = &t
	}
	if validUntil.Valid {
		t := validUntil.Time
		rule.ValidUntil = &t
	}
	if err := json.Unmarshal([]byte(logic), &rule.Logic); err != nil {
		return nil, fmt.Errorf("parse rule logic for %s: %w", rule.ID, err)
	}
	if inputFields.Valid && inputFields.String != "" {
		json.Unmarshal([]byte(inputFields.String), &rule.InputFields)
	}
	if outputFields.Valid && outputFields.String != "" {
		json.Unmarshal([]byte(outputFields.String), &rule.OutputFields)
	}
	return &rule, nil
}

// SaveTransaction stores a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	fields, _ := json.Marshal(tx.Fields)

	query := `
		INSERT INTO transactions (
			id, account_id, amount, currency, merchant, category, country,
			status, timestamp, fraud_label, fields
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.AccountID, tx.Amount, tx.Currency,
		tx.Merchant, tx.Category, tx.Country, tx.Status,
		tx.Timestamp, nullBool(tx.FraudLabel), string(fields),
	)
	return err
}

const txColumns = `id, account_id, amount, currency, merchant, category, country,
	status, timestamp, fraud_label, fields`

// GetTransaction retrieves a transaction by id.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = ?`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	return tx, err
}

// CountTransactions counts transactions matching the scan filter.
func (r *SQLRepository) CountTransactions(ctx context.Context, filter domain.ScanFilter) (int64, error) {
	where, args := filterClause(filter)
	query := `SELECT COUNT(*) FROM transactions` + where

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&count)
	return count, err
}

// PageTransactions returns up to limit transactions matching the filter,
// ordered by (timestamp, id), resuming after cursor.
func (r *SQLRepository) PageTransactions(ctx context.Context, filter domain.ScanFilter, cursor *domain.PageCursor, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 500
	}

	where, args := filterClause(filter)
	if cursor != nil {
		if where == "" {
			where = ` WHERE`
		} else {
			where += ` AND`
		}
		where += ` (timestamp > ? OR (timestamp = ? AND id > ?))`
		args = append(args, cursor.Timestamp, cursor.Timestamp, cursor.ID)
	}

	query := `SELECT ` + txColumns + ` FROM transactions` + where +
		` ORDER BY timestamp, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// windowKeyColumns are the transaction columns a pattern rule may key on.
var windowKeyColumns = map[string]string{
	"account_id": "account_id",
	"merchant":   "merchant",
	"category":   "category",
	"country":    "country",
	"currency":   "currency",
	"status":     "status",
}

// TransactionsByKey returns transactions whose key column equals value
// with timestamps in [since, until], newest first.
func (r *SQLRepository) TransactionsByKey(ctx context.Context, keyField, value string, since, until time.Time) ([]*domain.Transaction, error) {
	col, ok := windowKeyColumns[keyField]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported window key %q", ErrInvalidInput, keyField)
	}

	query := `SELECT ` + txColumns + ` FROM transactions
		WHERE ` + col + ` = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), value, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx                                  domain.Transaction
		merchant, category, country, status sql.NullString
		fraudLabel                          sql.NullInt64
		fields                              sql.NullString
	)
	err := row.Scan(
		&tx.ID, &tx.AccountID, &tx.Amount, &tx.Currency,
		&merchant, &category, &country, &status,
		&tx.Timestamp, &fraudLabel, &fields,
	)
	if err != nil {
		return nil, err
	}
	tx.Merchant = merchant.String
	tx.Category = category.String
	tx.Country = country.String
	tx.Status = status.String
	if fraudLabel.Valid {
		b := fraudLabel.Int64 != 0
		tx.FraudLabel = &b
	}
	if fields.Valid && fields.String != "" {
		json.Unmarshal([]byte(fields.String), &tx.Fields)
	}
	return &tx, nil
}

// filterClause builds the WHERE clause for a scan filter.
func filterClause(f domain.ScanFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.IDFrom != "" {
		conds = append(conds, "id >= ?")
		args = append(args, f.IDFrom)
	}
	if f.IDTo != "" {
		conds = append(conds, "id <= ?")
		args = append(args, f.IDTo)
	}
	if f.DateFrom != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, *f.DateFrom)
	}
	if f.DateTo != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, *f.DateTo)
	}
	if f.AmountMin != nil {
		conds = append(conds, "amount >= ?")
		args = append(args, *f.AmountMin)
	}
	if f.AmountMax != nil {
		conds = append(conds, "amount <= ?")
		args = append(args, *f.AmountMax)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

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

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
