// Package sqlite implements the storage contract on a local SQLite
// database. It is the default backend for single-node deployments; the
// per-parent split lock degrades to an in-process mutex table, which
// is sufficient because nothing else shares the database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"order-router/internal/routing"
	"order-router/internal/scoring"
	"order-router/internal/split"
	"order-router/internal/storage"
)

type Config struct {
	DatabasePath string
}

func (c *Config) Validate() error {
	if c == nil || c.DatabasePath == "" {
		return fmt.Errorf("sqlite database path is required")
	}
	return nil
}

type Adapter struct {
	db     *sql.DB
	config *Config

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewAdapter(config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SQLite config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_loc=UTC&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; SQLite serializes writes anyway and this keeps
	// in-memory databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		db:     db,
		config: config,
		locks:  make(map[string]*sync.Mutex),
	}

	if err := adapter.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft',
			condition TEXT NOT NULL,
			actions TEXT NOT NULL DEFAULT '[]',
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			schedule TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			queue_id TEXT NOT NULL,
			status TEXT NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			sequence INTEGER NOT NULL,
			hold_until DATETIME,
			held_from TEXT NOT NULL DEFAULT '',
			staff_id TEXT NOT NULL DEFAULT '',
			enqueued_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_queue ON queue_items(queue_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS split_records (
			id TEXT PRIMARY KEY,
			parent_order_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			parent_total_units INTEGER NOT NULL,
			parent_total_exponent INTEGER NOT NULL,
			children TEXT NOT NULL,
			requested_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			merged_at DATETIME,
			merge_reason TEXT NOT NULL DEFAULT '',
			UNIQUE(parent_order_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_split_records_parent ON split_records(parent_order_id)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
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

	result, err := a.db.ExecContext(ctx,
		`INSERT INTO rules (name, priority, status, condition, actions, target_type, target_id, schedule, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.Name, rule.Priority, string(rule.Status), condition, actions,
		string(rule.Target), rule.TargetID, schedule, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return mapError(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rule.ID = id
	return nil
}

func (a *Adapter) GetRule(ctx context.Context, id int64) (*routing.Rule, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, name, priority, status, condition, actions, target_type, target_id, schedule, created_at, updated_at
		 FROM rules WHERE id = ?`, id)
	return scanRule(row)
}

func (a *Adapter) ListRules(ctx context.Context) ([]*routing.Rule, error) {
	rows, err := a.db.QueryContext(ctx,
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

	result, err := a.db.ExecContext(ctx,
		`UPDATE rules SET name = ?, priority = ?, status = ?, condition = ?, actions = ?,
		 target_type = ?, target_id = ?, schedule = ?, updated_at = ? WHERE id = ?`,
		rule.Name, rule.Priority, string(rule.Status), condition, actions,
		string(rule.Target), rule.TargetID, schedule, rule.UpdatedAt, rule.ID)
	if err != nil {
		return mapError(err)
	}
	return requireRowAffected(result)
}

func (a *Adapter) DeleteRule(ctx context.Context, id int64) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// Scoring profiles

func (a *Adapter) SaveProfile(ctx context.Context, profile *scoring.Profile) error {
	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO profiles (id, doc, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		profile.ID, string(doc), profile.CreatedAt, profile.UpdatedAt)
	return err
}

func (a *Adapter) GetProfile(ctx context.Context, id string) (*scoring.Profile, error) {
	var doc string
	err := a.db.QueryRowContext(ctx, `SELECT doc FROM profiles WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var profile scoring.Profile
	if err := json.Unmarshal([]byte(doc), &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", id, err)
	}
	return &profile, nil
}

func (a *Adapter) ListProfiles(ctx context.Context) ([]*scoring.Profile, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT doc FROM profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*scoring.Profile
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var profile scoring.Profile
		if err := json.Unmarshal([]byte(doc), &profile); err != nil {
			return nil, fmt.Errorf("failed to decode profile: %w", err)
		}
		profiles = append(profiles, &profile)
	}
	return profiles, rows.Err()
}

func (a *Adapter) DeleteProfile(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// Queue items

func (a *Adapter) SaveQueueItem(ctx context.Context, item *storage.QueueItemRecord) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, order_id, queue_id, status, score, sequence, hold_until, held_from, staff_id, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, score = excluded.score,
		 hold_until = excluded.hold_until, held_from = excluded.held_from,
		 staff_id = excluded.staff_id, updated_at = excluded.updated_at`,
		item.ID, item.OrderID, item.QueueID, item.Status, item.Score, item.Sequence,
		nullableTime(item.HoldUntil), item.HeldFrom, item.StaffID, item.EnqueuedAt, item.UpdatedAt)
	return err
}

func (a *Adapter) ListQueueItems(ctx context.Context, queueID string) ([]*storage.QueueItemRecord, error) {
	query := `SELECT id, order_id, queue_id, status, score, sequence, hold_until, held_from, staff_id, enqueued_at, updated_at
		 FROM queue_items`
	args := []interface{}{}
	if queueID != "" {
		query += ` WHERE queue_id = ?`
		args = append(args, queueID)
	}
	query += ` ORDER BY sequence`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*storage.QueueItemRecord
	for rows.Next() {
		var item storage.QueueItemRecord
		var holdUntil sql.NullTime
		if err := rows.Scan(&item.ID, &item.OrderID, &item.QueueID, &item.Status, &item.Score,
			&item.Sequence, &holdUntil, &item.HeldFrom, &item.StaffID, &item.EnqueuedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		if holdUntil.Valid {
			t := holdUntil.Time
			item.HoldUntil = &t
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (a *Adapter) DeleteQueueItem(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// Split ledger

func (a *Adapter) SaveSplitRecord(ctx context.Context, record *split.Record) error {
	children, err := json.Marshal(record.Children)
	if err != nil {
		return fmt.Errorf("failed to encode split children: %w", err)
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO split_records (id, parent_order_id, type, status, idempotency_key,
		 parent_total_units, parent_total_exponent, children, requested_by, created_at, merged_at, merge_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ParentOrderID, string(record.Type), string(record.Status),
		record.IdempotencyKey, record.ParentTotal.Units, record.ParentTotal.Exponent,
		string(children), record.RequestedBy, record.CreatedAt,
		nullableTime(record.MergedAt), record.MergeReason)
	return mapError(err)
}

func (a *Adapter) GetSplitRecord(ctx context.Context, id string) (*split.Record, error) {
	row := a.db.QueryRowContext(ctx, splitSelect+` WHERE id = ?`, id)
	return scanSplit(row)
}

func (a *Adapter) GetSplitByKey(ctx context.Context, parentOrderID, idempotencyKey string) (*split.Record, error) {
	row := a.db.QueryRowContext(ctx, splitSelect+` WHERE parent_order_id = ? AND idempotency_key = ?`,
		parentOrderID, idempotencyKey)
	return scanSplit(row)
}

func (a *Adapter) ListSplitsByParent(ctx context.Context, parentOrderID string) ([]*split.Record, error) {
	rows, err := a.db.QueryContext(ctx, splitSelect+` WHERE parent_order_id = ? ORDER BY created_at`, parentOrderID)
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

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := []interface{}{string(split.StatusMerged), mergedAt, reason}
	for _, id := range ids {
		args = append(args, id)
	}

	result, err := a.db.ExecContext(ctx,
		`UPDATE split_records SET status = ?, merged_at = ?, merge_reason = ?
		 WHERE id IN (`+placeholders+`) AND status = 'active'`, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(ids)) {
		return storage.ErrNotFound
	}
	return nil
}

func (a *Adapter) DeleteSplitRecord(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM split_records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// WithParentSplitLock serializes split mutation per parent with an
// in-process mutex. Single-node deployments have no other process
// touching the database, so this is as strong as a row lock here.
func (a *Adapter) WithParentSplitLock(ctx context.Context, parentOrderID string, fn func(ctx context.Context) error) error {
	a.lockMu.Lock()
	lock, ok := a.locks[parentOrderID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[parentOrderID] = lock
	}
	a.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
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
	var status, targetType, condition, actions string
	var schedule sql.NullString

	err := row.Scan(&rule.ID, &rule.Name, &rule.Priority, &status, &condition, &actions,
		&targetType, &rule.TargetID, &schedule, &rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Status = routing.RuleStatus(status)
	rule.Target = routing.TargetType(targetType)
	if err := json.Unmarshal([]byte(condition), &rule.Root); err != nil {
		return nil, fmt.Errorf("failed to decode rule %d condition: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode rule %d actions: %w", rule.ID, err)
	}
	if schedule.Valid && schedule.String != "" {
		rule.Schedule = &routing.ScheduleWindow{}
		if err := json.Unmarshal([]byte(schedule.String), rule.Schedule); err != nil {
			return nil, fmt.Errorf("failed to decode rule %d schedule: %w", rule.ID, err)
		}
	}
	return &rule, nil
}

func scanSplit(row rowScanner) (*split.Record, error) {
	var record split.Record
	var recordType, status, children string
	var mergedAt sql.NullTime

	err := row.Scan(&record.ID, &record.ParentOrderID, &recordType, &status, &record.IdempotencyKey,
		&record.ParentTotal.Units, &record.ParentTotal.Exponent, &children,
		&record.RequestedBy, &record.CreatedAt, &mergedAt, &record.MergeReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	record.Type = split.Type(recordType)
	record.Status = split.Status(status)
	if mergedAt.Valid {
		t := mergedAt.Time
		record.MergedAt = &t
	}
	if err := json.Unmarshal([]byte(children), &record.Children); err != nil {
		return nil, fmt.Errorf("failed to decode split %s children: %w", record.ID, err)
	}
	return &record, nil
}

func encodeRule(rule *routing.Rule) (condition, actions string, schedule interface{}, err error) {
	conditionBytes, err := json.Marshal(rule.Root)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to encode rule condition: %w", err)
	}
	actionsBytes, err := json.Marshal(rule.Actions)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to encode rule actions: %w", err)
	}
	if rule.Schedule != nil {
		scheduleBytes, err := json.Marshal(rule.Schedule)
		if err != nil {
			return "", "", nil, fmt.Errorf("failed to encode rule schedule: %w", err)
		}
		schedule = string(scheduleBytes)
	}
	return string(conditionBytes), string(actionsBytes), schedule, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return storage.ErrDuplicateKey
	}
	return err
}
