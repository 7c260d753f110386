// Package storage defines the persistence contract for routing rules,
// scoring profiles, queue items and the split ledger, with adapters for
// SQLite (single node) and PostgreSQL. Monetary values persist as
// integer minor units, never as floating point columns.
package storage

import (
	"context"
	"time"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/routing"
	"order-router/internal/scoring"
	"order-router/internal/split"
)

// ErrNotFound is returned when a record does not exist. Adapters map
// their driver's no-rows sentinel to this. The value is shared with the
// errors package so the split ledger can match it without importing
// storage.
var ErrNotFound = apperrors.ErrRecordNotFound

// ErrDuplicateKey is returned when a unique constraint is violated,
// notably the per-parent split idempotency key.
var ErrDuplicateKey = apperrors.ErrDuplicateKey

// QueueItemRecord is the persisted form of a queue item. Position is
// not stored; ordering is reconstructed from score and sequence on
// load.
type QueueItemRecord struct {
	ID         string
	OrderID    string
	QueueID    string
	Status     string
	Score      float64
	Sequence   int64
	HoldUntil  *time.Time
	HeldFrom   string
	StaffID    string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// Storage is the persistence surface shared by both adapters. All
// methods honor the context for cancellation.
type Storage interface {
	Close() error
	Health(ctx context.Context) error

	// Routing rules
	CreateRule(ctx context.Context, rule *routing.Rule) error
	GetRule(ctx context.Context, id int64) (*routing.Rule, error)
	ListRules(ctx context.Context) ([]*routing.Rule, error)
	UpdateRule(ctx context.Context, rule *routing.Rule) error
	DeleteRule(ctx context.Context, id int64) error

	// Scoring profiles
	SaveProfile(ctx context.Context, profile *scoring.Profile) error
	GetProfile(ctx context.Context, id string) (*scoring.Profile, error)
	ListProfiles(ctx context.Context) ([]*scoring.Profile, error)
	DeleteProfile(ctx context.Context, id string) error

	// Queue items. An empty queueID lists every queue, used by the
	// manager to restore state on startup.
	SaveQueueItem(ctx context.Context, item *QueueItemRecord) error
	ListQueueItems(ctx context.Context, queueID string) ([]*QueueItemRecord, error)
	DeleteQueueItem(ctx context.Context, id string) error

	// Split ledger
	SaveSplitRecord(ctx context.Context, record *split.Record) error
	GetSplitRecord(ctx context.Context, id string) (*split.Record, error)
	GetSplitByKey(ctx context.Context, parentOrderID, idempotencyKey string) (*split.Record, error)
	ListSplitsByParent(ctx context.Context, parentOrderID string) ([]*split.Record, error)
	MarkSplitsMerged(ctx context.Context, ids []string, reason string, mergedAt time.Time) error
	DeleteSplitRecord(ctx context.Context, id string) error

	// WithParentSplitLock runs fn while holding the exclusive
	// per-parent split lock. PostgreSQL implements this with a row lock
	// (SELECT ... FOR UPDATE) so it holds across processes; SQLite
	// degrades to an in-process mutex, which suffices for its
	// single-node deployments.
	WithParentSplitLock(ctx context.Context, parentOrderID string, fn func(ctx context.Context) error) error
}
