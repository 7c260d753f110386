// Package postgres implements the storage contract on PostgreSQL via
// pgx. The per-parent split lock is a real row lock (SELECT ... FOR
// UPDATE on the split_parents table), so split mutation serializes
// across every process sharing the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-router/internal/routing"
	"order-router/internal/scoring"
	"order-router/internal/split"
	"order-router/internal/storage"
)

type Config struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("postgres config is required")
	}
	if c.Host == "" || c.Database == "" || c.Username == "" {
		return fmt.Errorf("postgres host, database and username are required")
	}
	return nil
}

func (c *Config) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, sslMode)
}

type Adapter struct {
	pool   *pgxpool.Pool
	config *Config
}

func NewAdapter(ctx context.Context, config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	pool, err := pgxpool.New(ctx, config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{pool: pool, config: config}
	if err := adapter.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return adapter, nil
}

func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

func (a *Adapter) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft',
			condition JSONB NOT NULL,
			actions JSONB NOT NULL DEFAULT '[]',
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			schedule JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			queue_id TEXT NOT NULL,
			status TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			sequence BIGINT NOT NULL,
			hold_until TIMESTAMPTZ,
			held_from TEXT NOT NULL DEFAULT '',
			staff_id TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_queue ON queue_items(queue_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS split_parents (
			parent_order_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS split_records (
			id TEXT PRIMARY KEY,
			parent_order_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			parent_total_units BIGINT NOT NULL,
			parent_total_exponent INTEGER NOT NULL,
			children JSONB NOT NULL,
			requested_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			merged_at TIMESTAMPTZ,
			merge_reason TEXT NOT NULL DEFAULT '',
			UNIQUE(parent_order_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_split_records_parent ON split_records(parent_order_id)`,
	}

	for _, query := range queries {
		if _, err := a.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Routing rules

func (a *Adapter) CreateRule(ctx context.Context, rule *routing.Rule) error {
	condition, actions, schedule, err := encodeRule(rule)
	if err != nil {
		return err
	}

	err = a.pool.QueryRow(ctx,
		`INSERT INTO rules (name, priority, status, condition, actions, target_type, target_id, schedule, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		rule.Name, rule.Priority, string(rule.Status), condition, actions,
		string(rule.Target), rule.TargetID, schedule, rule.CreatedAt, rule.UpdatedAt).Scan(&rule.ID)
	return mapError(err)
}

func (a *Adapter) GetRule(ctx context.Context, id int64) (*routing.Rule, error) {
	row := a.pool.QueryRow(ctx,
		`SELECT id, name, priority, status, condition, actions, target_type, target_id, schedule, created_at, updated_at
		 FROM rules WHERE id = $1`, id)
	return scanRule(row)
}

func (a *Adapter) ListRules(ctx context.Context) ([]*routing.Rule, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, name, priority, status, condition, actions, target_type, target_id, schedule, created_at, updated_at
		 FROM rules ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*routing.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (a *Adapter) UpdateRule(ctx context.Context, rule *routing.Rule) error {
	condition, actions, schedule, err := encodeRule(rule)
	if err != nil {
		return err
	}

	tag, err := a.pool.Exec(ctx,
		`UPDATE rules SET name = $1, priority = $2, status = $3, condition = $4, actions = $5,
		 target_type = $6, target_id = $7, schedule = $8, updated_at = $9 WHERE id = $10`,
		rule.Name, rule.Priority, string(rule.Status), condition, actions,
		string(rule.Target), rule.TargetID, schedule, rule.UpdatedAt, rule.ID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (a *Adapter) DeleteRule(ctx context.Context, id int64) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Scoring profiles

func (a *Adapter) SaveProfile(ctx context.Context, profile *scoring.Profile) error {
	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	_, err = a.pool.Exec(ctx,
		`INSERT INTO profiles (id, doc, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		profile.ID, doc, profile.CreatedAt, profile.UpdatedAt)
	return err
}

func (a *Adapter) GetProfile(ctx context.Context, id string) (*scoring.Profile, error) {
	var doc []byte
	err := a.pool.QueryRow(ctx, `SELECT doc FROM profiles WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var profile scoring.Profile
	if err := json.Unmarshal(doc, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", id, err)
	}
	return &profile, nil
}

func (a *Adapter) ListProfiles(ctx context.Context) ([]*scoring.Profile, error) {
	rows, err := a.pool.Query(ctx, `SELECT doc FROM profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*scoring.Profile
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var profile scoring.Profile
		if err := json.Unmarshal(doc, &profile); err != nil {
			return nil, fmt.Errorf("failed to decode profile: %w", err)
		}
		profiles = append(profiles, &profile)
	}
	return profiles, rows.Err()
}

func (a *Adapter) DeleteProfile(ctx context.Context, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Queue items

func (a *Adapter) SaveQueueItem(ctx context.Context, item *storage.QueueItemRecord) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO queue_items (id, order_id, queue_id, status, score, sequence, hold_until, held_from, staff_id, enqueued_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, score = EXCLUDED.score,
		 hold_until = EXCLUDED.hold_until, held_from = EXCLUDED.held_from,
		 staff_id = EXCLUDED.staff_id, updated_at = EXCLUDED.updated_at`,
		item.ID, item.OrderID, item.QueueID, item.Status, item.Score, item.Sequence,
		item.HoldUntil, item.HeldFrom, item.StaffID, item.EnqueuedAt, item.UpdatedAt)
	return err
}

func (a *Adapter) ListQueueItems(ctx context.Context, queueID string) ([]*storage.QueueItemRecord, error) {
	query := `SELECT id, order_id, queue_id, status, score, sequence, hold_until, held_from, staff_id, enqueued_at, updated_at
		 FROM queue_items`
	args := []interface{}{}
	if queueID != "" {
		query += ` WHERE queue_id = $1`
		args = append(args, queueID)
	}
	query += ` ORDER BY sequence`

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*storage.QueueItemRecord
	for rows.Next() {
		var item storage.QueueItemRecord
		if err := rows.Scan(&item.ID, &item.OrderID, &item.QueueID, &item.Status, &item.Score,
			&item.Sequence, &item.HoldUntil, &item.HeldFrom, &item.StaffID, &item.EnqueuedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (a *Adapter) DeleteQueueItem(ctx context.Context, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Split ledger

func (a *Adapter) SaveSplitRecord(ctx context.Context, record *split.Record) error {
	children, err := json.Marshal(record.Children)
	if err != nil {
		return fmt.Errorf("failed to encode split children: %w", err)
	}

	_, err = a.pool.Exec(ctx,
		`INSERT INTO split_records (id, parent_order_id, type, status, idempotency_key,
		 parent_total_units, parent_total_exponent, children, requested_by, created_at, merged_at, merge_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.ID, record.ParentOrderID, string(record.Type), string(record.Status),
		record.IdempotencyKey, record.ParentTotal.Units, record.ParentTotal.Exponent,
		children, record.RequestedBy, record.CreatedAt, record.MergedAt, record.MergeReason)
	return mapError(err)
}

func (a *Adapter) GetSplitRecord(ctx context.Context, id string) (*split.Record, error) {
	row := a.pool.QueryRow(ctx, splitSelect+` WHERE id = $1`, id)
	return scanSplit(row)
}

func (a *Adapter) GetSplitByKey(ctx context.Context, parentOrderID, idempotencyKey string) (*split.Record, error) {
	row := a.pool.QueryRow(ctx, splitSelect+` WHERE parent_order_id = $1 AND idempotency_key = $2`,
		parentOrderID, idempotencyKey)
	return scanSplit(row)
}

func (a *Adapter) ListSplitsByParent(ctx context.Context, parentOrderID string) ([]*split.Record, error) {
	rows, err := a.pool.Query(ctx, splitSelect+` WHERE parent_order_id = $1 ORDER BY created_at`, parentOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*split.Record
	for rows.Next() {
		record, err := scanSplit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (a *Adapter) MarkSplitsMerged(ctx context.Context, ids []string, reason string, mergedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tag, err := a.pool.Exec(ctx,
		`UPDATE split_records SET status = $1, merged_at = $2, merge_reason = $3
		 WHERE id = ANY($4) AND status = 'active'`,
		string(split.StatusMerged), mergedAt, reason, ids)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return storage.ErrNotFound
	}
	return nil
}

func (a *Adapter) DeleteSplitRecord(ctx context.Context, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM split_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// WithParentSplitLock takes a transaction-scoped row lock on the
// parent's split_parents row. Concurrent callers for the same parent
// queue on the row lock; callers for other parents proceed in
// parallel.
func (a *Adapter) WithParentSplitLock(ctx context.Context, parentOrderID string, fn func(ctx context.Context) error) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin split transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO split_parents (parent_order_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		parentOrderID); err != nil {
		return fmt.Errorf("failed to ensure split parent row: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT parent_order_id FROM split_parents WHERE parent_order_id = $1 FOR UPDATE`,
		parentOrderID); err != nil {
		return fmt.Errorf("failed to lock split parent: %w", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// helpers

const splitSelect = `SELECT id, parent_order_id, type, status, idempotency_key,
	parent_total_units, parent_total_exponent, children, requested_by, created_at, merged_at, merge_reason
	FROM split_records`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*routing.Rule, error) {
	var rule routing.Rule
	var status, targetType string
	var condition, actions, schedule []byte

	err := row.Scan(&rule.ID, &rule.Name, &rule.Priority, &status, &condition, &actions,
		&targetType, &rule.TargetID, &schedule, &rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Status = routing.RuleStatus(status)
	rule.Target = routing.TargetType(targetType)
	if err := json.Unmarshal(condition, &rule.Root); err != nil {
		return nil, fmt.Errorf("failed to decode rule %d condition: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode rule %d actions: %w", rule.ID, err)
	}
	if len(schedule) > 0 {
		rule.Schedule = &routing.ScheduleWindow{}
		if err := json.Unmarshal(schedule, rule.Schedule); err != nil {
			return nil, fmt.Errorf("failed to decode rule %d schedule: %w", rule.ID, err)
		}
	}
	return &rule, nil
}

func scanSplit(row rowScanner) (*split.Record, error) {
	var record split.Record
	var recordType, status string
	var children []byte

	err := row.Scan(&record.ID, &record.ParentOrderID, &recordType, &status, &record.IdempotencyKey,
		&record.ParentTotal.Units, &record.ParentTotal.Exponent, &children,
		&record.RequestedBy, &record.CreatedAt, &record.MergedAt, &record.MergeReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	record.Type = split.Type(recordType)
	record.Status = split.Status(status)
	if err := json.Unmarshal(children, &record.Children); err != nil {
		return nil, fmt.Errorf("failed to decode split %s children: %w", record.ID, err)
	}
	return &record, nil
}

func encodeRule(rule *routing.Rule) (condition, actions, schedule []byte, err error) {
	condition, err = json.Marshal(rule.Root)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode rule condition: %w", err)
	}
	actions, err = json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode rule actions: %w", err)
	}
	if rule.Schedule != nil {
		schedule, err = json.Marshal(rule.Schedule)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode rule schedule: %w", err)
		}
	}
	return condition, actions, schedule, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrDuplicateKey
	}
	return err
}
