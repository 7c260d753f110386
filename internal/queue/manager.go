package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/common/logging"
	"order-router/internal/routing"
	"order-router/internal/scoring"
	"order-router/internal/storage"
)

// ProfileSource resolves the priority profile applicable to a queue.
type ProfileSource func(queueID string) *scoring.Profile

// ItemStore persists queue items across restarts. Satisfied by
// storage.Storage; nil disables persistence. Writes are best effort and
// never block a mutation: the in-memory state is authoritative and a
// failed write is logged.
type ItemStore interface {
	SaveQueueItem(ctx context.Context, item *storage.QueueItemRecord) error
	ListQueueItems(ctx context.Context, queueID string) ([]*storage.QueueItemRecord, error)
	DeleteQueueItem(ctx context.Context, id string) error
}

// persistTimeout bounds one background persistence write.
const persistTimeout = 3 * time.Second

// Options configures the manager.
type Options struct {
	// MaxPositionChange caps how many positions a single item may move
	// during one rebalance run. Zero or negative means the default of 3.
	MaxPositionChange int
	// Store persists items so queue state survives a restart. Nil keeps
	// the manager purely in-memory.
	Store ItemStore
	// TerminalRetention is how long completed/cancelled items stay
	// readable before the purge sweep drops them. Zero means the
	// default of one hour.
	TerminalRetention time.Duration
}

// state is one queue's membership. mu is the per-queue mutation lock
// shared by rebalancing, manual reorders and expedites; rebalancing
// acquires it with TryLock and yields the interval when contended.
type state struct {
	mu      sync.Mutex
	queueID string
	items   map[string]*Item
	order   []string // item ids, front first; non-terminal items only
	nextSeq int64
	version int64
}

// Manager owns all queues. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	queues    map[string]*state
	scorer    *scoring.Scorer
	profiles  ProfileSource
	publisher Publisher
	store     ItemStore
	maxMove   int
	retention time.Duration
	logger    logging.Logger
}

// NewManager creates a queue manager.
func NewManager(scorer *scoring.Scorer, profiles ProfileSource, publisher Publisher, opts Options, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	maxMove := opts.MaxPositionChange
	if maxMove <= 0 {
		maxMove = 3
	}
	retention := opts.TerminalRetention
	if retention <= 0 {
		retention = time.Hour
	}
	if profiles == nil {
		profiles = func(string) *scoring.Profile { return scoring.DefaultProfile() }
	}
	return &Manager{
		queues:    make(map[string]*state),
		scorer:    scorer,
		profiles:  profiles,
		publisher: publisher,
		store:     opts.Store,
		maxMove:   maxMove,
		retention: retention,
		logger:    logger,
	}
}

func (m *Manager) queue(queueID string) *state {
	m.mu.RLock()
	q, ok := m.queues[queueID]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok = m.queues[queueID]; ok {
		return q
	}
	q = &state{queueID: queueID, items: make(map[string]*Item)}
	m.queues[queueID] = q
	return q
}

// QueueIDs lists the known queues in stable order.
func (m *Manager) QueueIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// publish emits a feed event; failures are logged, never propagated.
func (m *Manager) publish(event Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(event); err != nil {
		m.logger.Warn("change feed publish failed",
			logging.String("queue_id", event.QueueID),
			logging.Int64("version", event.Version),
			logging.Err(err))
	}
}

func itemRecord(i *Item) *storage.QueueItemRecord {
	rec := &storage.QueueItemRecord{
		ID:         i.ID,
		OrderID:    i.OrderID,
		QueueID:    i.QueueID,
		Status:     string(i.Status),
		Score:      i.Score,
		Sequence:   i.Sequence,
		HeldFrom:   string(i.HeldFrom),
		StaffID:    i.AssignedStaffID,
		EnqueuedAt: i.EnqueuedAt,
		UpdatedAt:  i.UpdatedAt,
	}
	if i.HoldUntil != nil {
		t := *i.HoldUntil
		rec.HoldUntil = &t
	}
	return rec
}

// persist writes an item through to the store; failures are logged,
// never propagated.
func (m *Manager) persist(item *Item) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.SaveQueueItem(ctx, itemRecord(item)); err != nil {
		m.logger.Warn("queue item persist failed",
			logging.String("queue_id", item.QueueID),
			logging.String("item_id", item.ID),
			logging.Err(err))
	}
}

// discard deletes an item's persisted record once its lifecycle ends.
func (m *Manager) discard(item *Item) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := m.store.DeleteQueueItem(ctx, item.ID)
	if err != nil && !errors.Is(err, apperrors.ErrRecordNotFound) {
		m.logger.Warn("queue item delete failed",
			logging.String("queue_id", item.QueueID),
			logging.String("item_id", item.ID),
			logging.Err(err))
	}
}

// Restore loads persisted queue items and rebuilds each queue's active
// ordering from score and enqueue sequence. Call once at startup,
// before serving traffic. Returns the number of items restored.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.ListQueueItems(ctx, "")
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range records {
		status := Status(rec.Status)
		if status.IsTerminal() {
			continue
		}
		item := &Item{
			ID:              rec.ID,
			OrderID:         rec.OrderID,
			QueueID:         rec.QueueID,
			Status:          status,
			Score:           rec.Score,
			Sequence:        rec.Sequence,
			HeldFrom:        Status(rec.HeldFrom),
			AssignedStaffID: rec.StaffID,
			EnqueuedAt:      rec.EnqueuedAt,
			UpdatedAt:       rec.UpdatedAt,
			baseScore:       rec.Score,
		}
		if rec.HoldUntil != nil {
			t := *rec.HoldUntil
			item.HoldUntil = &t
		}

		q := m.queue(rec.QueueID)
		q.mu.Lock()
		q.items[item.ID] = item
		q.order = append(q.order, item.ID)
		if item.Sequence >= q.nextSeq {
			q.nextSeq = item.Sequence + 1
		}
		q.mu.Unlock()
		restored++
	}

	// Snapshots are not persisted, so restored items keep their stored
	// score until the next manual adjustment; ordering still follows
	// (score desc, sequence asc).
	for _, queueID := range m.QueueIDs() {
		q := m.queue(queueID)
		q.mu.Lock()
		sort.SliceStable(q.order, func(i, j int) bool {
			a, b := q.items[q.order[i]], q.items[q.order[j]]
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			return a.Sequence < b.Sequence
		})
		q.mu.Unlock()
	}
	return restored, nil
}

// PurgeTerminal drops completed and cancelled items that have been
// terminal longer than the retention window. Their persisted records
// were already deleted on the terminal transition; this sweep frees the
// in-memory copies kept for late reads.
func (m *Manager) PurgeTerminal(now time.Time) int {
	purged := 0
	for _, queueID := range m.QueueIDs() {
		q := m.queue(queueID)
		q.mu.Lock()
		for id, item := range q.items {
			if item.Status.IsTerminal() && now.Sub(item.UpdatedAt) >= m.retention {
				delete(q.items, id)
				purged++
			}
		}
		q.mu.Unlock()
	}
	return purged
}

// Enqueue places a routed order into a queue with its initial score.
func (m *Manager) Enqueue(queueID string, snap *routing.OrderSnapshot, staffID string, now time.Time) (*Item, error) {
	if snap == nil {
		return nil, apperrors.ValidationError("order snapshot is required")
	}

	breakdown, err := m.scorer.Score(&scoring.Input{Snapshot: snap, EnqueuedAt: now, Now: now}, m.profiles(queueID))
	if err != nil {
		return nil, apperrors.InternalError("initial scoring failed", err)
	}

	q := m.queue(queueID)
	q.mu.Lock()

	item := &Item{
		ID:              uuid.NewString(),
		OrderID:         snap.ID,
		QueueID:         queueID,
		Status:          StatusQueued,
		Score:           breakdown.Normalized,
		Sequence:        q.nextSeq,
		AssignedStaffID: staffID,
		EnqueuedAt:      now,
		UpdatedAt:       now,
		Snapshot:        snap,
		baseScore:       breakdown.Normalized,
	}
	q.nextSeq++
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
	q.version++
	event := Event{
		QueueID: queueID, Version: q.version, Kind: EventItemAdded,
		ItemID: item.ID, OrderID: item.OrderID, Status: item.Status,
		Position: len(q.order) - 1, At: now,
	}
	result := item.clone()
	result.Position = len(q.order) - 1
	q.mu.Unlock()

	m.publish(event)
	m.persist(result)
	return result, nil
}

// Transition moves an item along the status machine. Illegal edges are
// rejected with a typed error; terminal statuses drop the item from
// the active ordering.
func (m *Manager) Transition(queueID, itemID string, to Status, now time.Time) (*Item, error) {
	q := m.queue(queueID)
	q.mu.Lock()

	item, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return nil, apperrors.NotFoundError("queue item")
	}
	// A hold always carries a release time or duration, which a bare
	// status change cannot supply; the hold operation is the only way in.
	if to == StatusOnHold {
		q.mu.Unlock()
		return nil, apperrors.InvalidTransitionError(string(item.Status), string(StatusOnHold)).
			WithContext("reason", "use the hold operation, which requires a release time or duration")
	}
	if err := validateTransition(item.Status, to); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if item.Status == StatusOnHold && !to.IsTerminal() && to != item.HeldFrom {
		q.mu.Unlock()
		return nil, apperrors.InvalidTransitionError(string(StatusOnHold), string(to)).
			WithContext("held_from", string(item.HeldFrom))
	}

	item.Status = to
	item.UpdatedAt = now
	if to != StatusOnHold {
		item.HoldUntil = nil
		item.HeldFrom = ""
	}

	kind := EventItemUpdated
	if to.IsTerminal() {
		q.removeFromOrder(itemID)
		kind = EventItemRemoved
	}

	q.version++
	event := Event{
		QueueID: queueID, Version: q.version, Kind: kind,
		ItemID: item.ID, OrderID: item.OrderID, Status: to, At: now,
	}
	result := item.clone()
	q.mu.Unlock()

	m.publish(event)
	if to.IsTerminal() {
		m.discard(result)
	} else {
		m.persist(result)
	}
	return result, nil
}

// Hold parks an item. Exactly one of until/duration must be provided;
// a duration is resolved against now. The prior state is recorded so
// release returns the item where it left off.
func (m *Manager) Hold(queueID, itemID string, until *time.Time, duration time.Duration, now time.Time) (*Item, error) {
	if until == nil && duration <= 0 {
		return nil, apperrors.ValidationError("hold requires a release time or a positive duration")
	}
	release := now.Add(duration)
	if until != nil {
		release = *until
	}

	q := m.queue(queueID)
	q.mu.Lock()

	item, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return nil, apperrors.NotFoundError("queue item")
	}
	if err := validateTransition(item.Status, StatusOnHold); err != nil {
		q.mu.Unlock()
		return nil, err
	}

	item.HeldFrom = item.Status
	item.Status = StatusOnHold
	item.HoldUntil = &release
	item.UpdatedAt = now

	q.version++
	event := Event{
		QueueID: queueID, Version: q.version, Kind: EventItemUpdated,
		ItemID: item.ID, OrderID: item.OrderID, Status: StatusOnHold, At: now,
	}
	result := item.clone()
	q.mu.Unlock()

	m.publish(event)
	m.persist(result)
	return result, nil
}

// Release returns a held item to the state it left.
func (m *Manager) Release(queueID, itemID string, now time.Time) (*Item, error) {
	q := m.queue(queueID)
	q.mu.Lock()

	item, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return nil, apperrors.NotFoundError("queue item")
	}
	if item.Status != StatusOnHold {
		q.mu.Unlock()
		return nil, apperrors.InvalidTransitionError(string(item.Status), string(item.HeldFrom))
	}

	item.Status = item.HeldFrom
	item.HeldFrom = ""
	item.HoldUntil = nil
	item.UpdatedAt = now

	q.version++
	event := Event{
		QueueID: queueID, Version: q.version, Kind: EventItemUpdated,
		ItemID: item.ID, OrderID: item.OrderID, Status: item.Status, At: now,
	}
	result := item.clone()
	q.mu.Unlock()

	m.publish(event)
	m.persist(result)
	return result, nil
}

// ReleaseExpiredHolds sweeps every queue and releases holds whose
// release time has passed, logging each automatic release. Returns the
// number of items released.
func (m *Manager) ReleaseExpiredHolds(now time.Time) int {
	released := 0
	for _, queueID := range m.QueueIDs() {
		q := m.queue(queueID)

		q.mu.Lock()
		var expired []string
		for id, item := range q.items {
			if item.Status == StatusOnHold && item.HoldUntil != nil && !item.HoldUntil.After(now) {
				expired = append(expired, id)
			}
		}
		q.mu.Unlock()

		sort.Strings(expired)
		for _, id := range expired {
			item, err := m.Release(queueID, id, now)
			if err != nil {
				continue
			}
			released++
			m.logger.Info("hold expired, item released automatically",
				logging.String("queue_id", queueID),
				logging.String("item_id", id),
				logging.String("order_id", item.OrderID),
				logging.String("resumed_status", string(item.Status)))
		}
	}
	return released
}

// AdjustScore applies a manual score boost (expedite pressure) that
// persists across rebalance rescoring.
func (m *Manager) AdjustScore(queueID, itemID string, delta float64, now time.Time) (*Item, error) {
	q := m.queue(queueID)
	q.mu.Lock()

	item, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return nil, apperrors.NotFoundError("queue item")
	}
	item.Score += delta
	item.UpdatedAt = now

	q.version++
	event := Event{
		QueueID: queueID, Version: q.version, Kind: EventItemUpdated,
		ItemID: item.ID, OrderID: item.OrderID, Status: item.Status, At: now,
	}
	result := item.clone()
	q.mu.Unlock()

	m.publish(event)
	m.persist(result)
	return result, nil
}

// Expedite moves an item to the front of its queue, bypassing the
// rebalance movement cap. Takes the same per-queue lock as rebalancing.
func (m *Manager) Expedite(queueID, itemID string, now time.Time) error {
	q := m.queue(queueID)
	q.mu.Lock()

	index := -1
	for i, id := range q.order {
		if id == itemID {
			index = i
			break
		}
	}
	if index < 0 {
		q.mu.Unlock()
		return apperrors.NotFoundError("queue item")
	}

	id := q.order[index]
	q.order = append(q.order[:index], q.order[index+1:]...)
	q.order = append([]string{id}, q.order...)

	item := q.items[id]
	item.UpdatedAt = now
	q.version++
	event := Event{
		QueueID: queueID, Version: q.version, Kind: EventItemMoved,
		ItemID: id, OrderID: item.OrderID, Status: item.Status, Position: 0, At: now,
	}
	q.mu.Unlock()

	m.publish(event)
	return nil
}

// Items returns the active ordering of a queue, front first, with
// positions filled in. Returned items are copies.
func (m *Manager) Items(queueID string) []*Item {
	q := m.queue(queueID)
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*Item, 0, len(q.order))
	for pos, id := range q.order {
		item := q.items[id].clone()
		item.Position = pos
		items = append(items, item)
	}
	return items
}

// Item returns a copy of one queue item.
func (m *Manager) Item(queueID, itemID string) (*Item, error) {
	q := m.queue(queueID)
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return nil, apperrors.NotFoundError("queue item")
	}
	result := item.clone()
	for pos, id := range q.order {
		if id == itemID {
			result.Position = pos
			break
		}
	}
	return result, nil
}

func (s *state) removeFromOrder(itemID string) {
	for i, id := range s.order {
		if id == itemID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
