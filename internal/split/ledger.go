package split

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/common/logging"
	"order-router/internal/money"
	"order-router/internal/routing"
)

// Store is the persistence surface the ledger writes through.
// Satisfied by storage.Storage. Nil keeps the ledger in-memory only.
type Store interface {
	SaveSplitRecord(ctx context.Context, record *Record) error
	GetSplitRecord(ctx context.Context, id string) (*Record, error)
	GetSplitByKey(ctx context.Context, parentOrderID, idempotencyKey string) (*Record, error)
	ListSplitsByParent(ctx context.Context, parentOrderID string) ([]*Record, error)
	MarkSplitsMerged(ctx context.Context, ids []string, reason string, mergedAt time.Time) error
	DeleteSplitRecord(ctx context.Context, id string) error
	WithParentSplitLock(ctx context.Context, parentOrderID string, fn func(ctx context.Context) error) error
}

// LockClient is the cross-process per-parent lock for deployments
// running more than one router. Satisfied by the redis client; nil
// disables distributed locking and leaves only the in-process lock.
type LockClient interface {
	AcquireSplitLock(ctx context.Context, parentOrderID string, expiration time.Duration) (bool, error)
	ReleaseSplitLock(ctx context.Context, parentOrderID string) error
}

// splitLockTTL bounds how long a crashed holder can block other
// processes from splitting the same parent.
const splitLockTTL = 10 * time.Second

// Ledger owns split records and the per-parent locks that serialize
// split mutation. Safe for concurrent use. Two overlapping requests
// for the same parent with different idempotency keys race for the
// parent lock; the loser gets a typed conflict error instead of
// queueing behind the winner.
//
// The in-memory maps are a cache over the store: writes go through the
// store first (under its parent split lock) and misses read through,
// so records survive a restart.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*Record            // record id -> record
	byKey   map[string]map[string]*Record // parent id -> idempotency key -> record

	lockMu  sync.Mutex
	parents map[string]*sync.Mutex

	store  Store
	locks  LockClient
	logger logging.Logger
	now    func() time.Time
}

// NewLedger creates a ledger. Store and locks may be nil for
// in-memory, single-process operation.
func NewLedger(store Store, locks LockClient, logger logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Ledger{
		records: make(map[string]*Record),
		byKey:   make(map[string]map[string]*Record),
		parents: make(map[string]*sync.Mutex),
		store:   store,
		locks:   locks,
		logger:  logger,
		now:     time.Now,
	}
}

func (l *Ledger) parentLock(parentID string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	m, ok := l.parents[parentID]
	if !ok {
		m = &sync.Mutex{}
		l.parents[parentID] = m
	}
	return m
}

// remember caches a record read from or written to the store.
func (l *Ledger) remember(rec *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ID] = rec
	keys, ok := l.byKey[rec.ParentOrderID]
	if !ok {
		keys = make(map[string]*Record)
		l.byKey[rec.ParentOrderID] = keys
	}
	keys[rec.IdempotencyKey] = rec
}

// replay returns the record already holding the idempotency key,
// consulting the store on a cache miss.
func (l *Ledger) replay(ctx context.Context, parentID, key string) (*Record, error) {
	l.mu.RLock()
	if keys, ok := l.byKey[parentID]; ok {
		if rec, ok := keys[key]; ok {
			l.mu.RUnlock()
			return rec.clone(), nil
		}
	}
	l.mu.RUnlock()

	if l.store == nil {
		return nil, nil
	}
	rec, err := l.store.GetSplitByKey(ctx, parentID, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.InternalError("split lookup failed", err)
	}
	l.remember(rec)
	return rec.clone(), nil
}

// Split partitions an order according to the request. A request whose
// idempotency key is already recorded for the parent returns the prior
// result unchanged and writes nothing. Validation failures leave no
// partial state.
func (l *Ledger) Split(ctx context.Context, parent *routing.OrderSnapshot, req *Request) (*Result, error) {
	if err := validateRequest(parent, req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.TimeoutError("split").WithContext("parent_order_id", req.ParentOrderID)
	}

	if rec, err := l.replay(ctx, req.ParentOrderID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if rec != nil {
		return &Result{Record: rec, Replayed: true}, nil
	}

	lock := l.parentLock(req.ParentOrderID)
	if !lock.TryLock() {
		l.logger.Warn("split rejected, parent locked by concurrent request",
			logging.String("parent_order_id", req.ParentOrderID),
			logging.String("idempotency_key", req.IdempotencyKey))
		return nil, apperrors.SplitConflictError(req.ParentOrderID)
	}
	defer lock.Unlock()

	if l.locks != nil {
		acquired, err := l.locks.AcquireSplitLock(ctx, req.ParentOrderID, splitLockTTL)
		switch {
		case err != nil:
			l.logger.Warn("split lock service unavailable, proceeding with local lock",
				logging.String("parent_order_id", req.ParentOrderID),
				logging.Err(err))
		case !acquired:
			return nil, apperrors.SplitConflictError(req.ParentOrderID)
		default:
			defer func() {
				if err := l.locks.ReleaseSplitLock(context.Background(), req.ParentOrderID); err != nil {
					l.logger.Warn("split lock release failed",
						logging.String("parent_order_id", req.ParentOrderID),
						logging.Err(err))
				}
			}()
		}
	}

	// The key may have been recorded while this request waited to check
	// the lock.
	if rec, err := l.replay(ctx, req.ParentOrderID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if rec != nil {
		return &Result{Record: rec, Replayed: true}, nil
	}

	children, err := l.buildChildren(parent, req)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:             uuid.NewString(),
		ParentOrderID:  req.ParentOrderID,
		Type:           req.Type,
		Status:         StatusActive,
		IdempotencyKey: req.IdempotencyKey,
		ParentTotal:    parent.Total,
		Children:       children,
		RequestedBy:    req.RequestedBy,
		CreatedAt:      l.now(),
	}

	if l.store != nil {
		err := l.store.WithParentSplitLock(ctx, req.ParentOrderID, func(ctx context.Context) error {
			return l.store.SaveSplitRecord(ctx, rec)
		})
		if errors.Is(err, apperrors.ErrDuplicateKey) {
			// Another process recorded the key; surface its record.
			if prior, lookupErr := l.replay(ctx, req.ParentOrderID, req.IdempotencyKey); lookupErr == nil && prior != nil {
				return &Result{Record: prior, Replayed: true}, nil
			}
			return nil, apperrors.SplitConflictError(req.ParentOrderID)
		}
		if err != nil {
			return nil, apperrors.InternalError("split persist failed", err)
		}
	}

	l.remember(rec)

	l.logger.Info("order split recorded",
		logging.String("parent_order_id", req.ParentOrderID),
		logging.String("split_id", rec.ID),
		logging.String("type", string(req.Type)),
		logging.Int("children", len(children)))

	return &Result{Record: rec.clone()}, nil
}

// buildChildren computes the split parts. Payment splits divide money;
// ticket and delivery splits partition items, with the parent amount
// allocated across groups proportionally to item quantity.
func (l *Ledger) buildChildren(parent *routing.OrderSnapshot, req *Request) ([]Child, error) {
	var amounts []money.Amount
	var groups [][]int
	var err error

	switch req.Type {
	case TypePayment:
		amounts, err = paymentShares(parent.Total, req.Payment)
	default:
		groups = req.ItemGroups
		amounts, err = itemGroupShares(parent, groups)
	}
	if err != nil {
		return nil, err
	}

	children := make([]Child, len(amounts))
	for i := range amounts {
		children[i] = Child{
			ID:     uuid.NewString(),
			Index:  i,
			Amount: amounts[i],
		}
		if groups != nil {
			children[i].ItemIndexes = append([]int(nil), groups[i]...)
		}
	}
	return children, nil
}

func paymentShares(total money.Amount, spec *PaymentSpec) ([]money.Amount, error) {
	switch spec.Mode {
	case ModeEqual:
		if spec.Parts < 2 {
			return nil, apperrors.ValidationError("equal payment split requires at least 2 parts")
		}
		return total.Allocate(spec.Parts)
	case ModeRatio:
		if len(spec.Ratios) < 2 {
			return nil, apperrors.ValidationError("ratio payment split requires at least 2 ratios")
		}
		shares, err := total.AllocateRatios(spec.Ratios)
		if err != nil {
			return nil, apperrors.ValidationError(err.Error())
		}
		return shares, nil
	case ModeExplicit:
		if len(spec.Amounts) < 2 {
			return nil, apperrors.ValidationError("explicit payment split requires at least 2 amounts")
		}
		sum := money.Sum(spec.Amounts...)
		if !sum.Equal(total) {
			return nil, apperrors.SplitMismatchError("requested amounts do not equal the order total").
				WithContext("requested", sum.String()).
				WithContext("order_total", total.String())
		}
		return append([]money.Amount(nil), spec.Amounts...), nil
	default:
		return nil, apperrors.ValidationError("unknown payment split mode " + string(spec.Mode))
	}
}

// itemGroupShares validates that the groups partition the parent's
// items exactly and allocates the parent amount by group quantity.
func itemGroupShares(parent *routing.OrderSnapshot, groups [][]int) ([]money.Amount, error) {
	if len(groups) < 2 {
		return nil, apperrors.ValidationError("item split requires at least 2 groups")
	}

	seen := make(map[int]bool, len(parent.Items))
	ratios := make([]int64, len(groups))
	for g, group := range groups {
		if len(group) == 0 {
			return nil, apperrors.ValidationError("item split group must not be empty")
		}
		for _, idx := range group {
			if idx < 0 || idx >= len(parent.Items) {
				return nil, apperrors.ValidationError("item index out of range").
					WithContext("index", idx)
			}
			if seen[idx] {
				return nil, apperrors.ValidationError("item assigned to more than one group").
					WithContext("index", idx)
			}
			seen[idx] = true
			qty := parent.Items[idx].Quantity
			if qty < 1 {
				qty = 1
			}
			ratios[g] += int64(qty)
		}
	}
	if len(seen) != len(parent.Items) {
		return nil, apperrors.ValidationError("item split must cover every parent item")
	}

	shares, err := parent.Total.AllocateRatios(ratios)
	if err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	return shares, nil
}

func validateRequest(parent *routing.OrderSnapshot, req *Request) error {
	if req == nil {
		return apperrors.ValidationError("split request is required")
	}
	if parent == nil || parent.ID == "" {
		return apperrors.ValidationError("parent order snapshot is required")
	}
	if req.ParentOrderID == "" || req.ParentOrderID != parent.ID {
		return apperrors.ValidationError("request parent order id must match the snapshot")
	}
	if req.IdempotencyKey == "" {
		return apperrors.ValidationError("idempotency key is required")
	}
	switch req.Type {
	case TypePayment:
		if req.Payment == nil {
			return apperrors.ValidationError("payment split requires a payment spec")
		}
	case TypeTicket, TypeDelivery:
		if len(parent.Items) == 0 {
			return apperrors.ValidationError("item split requires a parent with items")
		}
	default:
		return apperrors.ValidationError("unknown split type " + string(req.Type))
	}
	return nil
}

// Merge marks the given split records merged and reports the restored
// parent totals. Records must exist and be active; any failure leaves
// every record untouched, in memory and in the store.
func (l *Ledger) Merge(ctx context.Context, ids []string, reason string) (*MergeResult, error) {
	if len(ids) == 0 {
		return nil, apperrors.ValidationError("merge requires at least one split id")
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.TimeoutError("merge")
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := l.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status == StatusMerged {
			return nil, apperrors.ValidationError("split record already merged").
				WithContext("split_id", id)
		}
		records = append(records, rec)
	}

	now := l.now()
	if l.store != nil {
		if err := l.store.MarkSplitsMerged(ctx, ids, reason, now); err != nil {
			return nil, apperrors.InternalError("merge persist failed", err)
		}
	}

	l.mu.Lock()
	result := &MergeResult{RestoredTotals: make(map[string]money.Amount)}
	for _, rec := range records {
		rec.Status = StatusMerged
		rec.MergedAt = &now
		rec.MergeReason = reason
		result.MergedIDs = append(result.MergedIDs, rec.ID)
		result.RestoredTotals[rec.ParentOrderID] = rec.ParentTotal
	}
	l.mu.Unlock()

	l.logger.Info("splits merged",
		logging.Int("count", len(result.MergedIDs)),
		logging.String("reason", reason))
	return result, nil
}

// lookup returns the live (uncloned) record for id, reading through to
// the store on a cache miss.
func (l *Ledger) lookup(ctx context.Context, id string) (*Record, error) {
	l.mu.RLock()
	rec, ok := l.records[id]
	l.mu.RUnlock()
	if ok {
		return rec, nil
	}

	if l.store == nil {
		return nil, apperrors.NotFoundError("split record").WithContext("split_id", id)
	}
	stored, err := l.store.GetSplitRecord(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrRecordNotFound) {
			return nil, apperrors.NotFoundError("split record").WithContext("split_id", id)
		}
		return nil, apperrors.InternalError("split lookup failed", err)
	}
	l.remember(stored)
	return stored, nil
}

// Record returns a copy of one split record.
func (l *Ledger) Record(ctx context.Context, id string) (*Record, error) {
	rec, err := l.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return rec.clone(), nil
}

// ActiveSplits lists the active split records of one parent order,
// folding stored records not yet cached into the result.
func (l *Ledger) ActiveSplits(ctx context.Context, parentOrderID string) []*Record {
	if l.store != nil {
		stored, err := l.store.ListSplitsByParent(ctx, parentOrderID)
		if err != nil {
			l.logger.Warn("split list read failed, serving cached records",
				logging.String("parent_order_id", parentOrderID),
				logging.Err(err))
		} else {
			l.mu.RLock()
			cached := make(map[string]bool, len(l.records))
			for id := range l.records {
				cached[id] = true
			}
			l.mu.RUnlock()
			for _, rec := range stored {
				if !cached[rec.ID] {
					l.remember(rec)
				}
			}
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	var active []*Record
	for _, rec := range l.byKey[parentOrderID] {
		if rec.Status == StatusActive {
			active = append(active, rec.clone())
		}
	}
	return active
}

// CheckParentDeletable rejects deletion of a parent order that still
// has active splits.
func (l *Ledger) CheckParentDeletable(ctx context.Context, parentOrderID string) error {
	if active := l.ActiveSplits(ctx, parentOrderID); len(active) > 0 {
		return apperrors.ValidationError("order has active splits").
			WithContext("parent_order_id", parentOrderID).
			WithContext("active_splits", len(active))
	}
	return nil
}

// CascadeChildDeleted removes the split records containing the deleted
// child order. Returns the ids of the removed records. Store deletes
// are best effort; a failed delete leaves an orphan row that the next
// restart re-caches, which is harmless because its child is gone.
func (l *Ledger) CascadeChildDeleted(ctx context.Context, childOrderID string) []string {
	l.mu.Lock()
	var removed []string
	for id, rec := range l.records {
		for _, child := range rec.Children {
			if child.ID != childOrderID {
				continue
			}
			delete(l.records, id)
			if keys, ok := l.byKey[rec.ParentOrderID]; ok {
				delete(keys, rec.IdempotencyKey)
			}
			removed = append(removed, id)
			break
		}
	}
	l.mu.Unlock()

	if l.store != nil {
		for _, id := range removed {
			if err := l.store.DeleteSplitRecord(ctx, id); err != nil && !errors.Is(err, apperrors.ErrRecordNotFound) {
				l.logger.Warn("split record delete failed",
					logging.String("split_id", id),
					logging.Err(err))
			}
		}
	}

	if len(removed) > 0 {
		l.logger.Info("split records cascaded",
			logging.String("child_order_id", childOrderID),
			logging.Int("records_removed", len(removed)))
	}
	return removed
}
