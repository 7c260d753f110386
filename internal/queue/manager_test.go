package queue

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/money"
	"order-router/internal/routing"
	"order-router/internal/scoring"
	"order-router/internal/storage"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// flatProfile disables every algorithm so base scores are zero and
// tests control ordering purely through manual boosts.
func flatProfile(string) *scoring.Profile {
	return &scoring.Profile{
		ID:         "flat",
		Algorithms: []scoring.AlgorithmConfig{{ID: scoring.AlgoVIPTier, Weight: 0, Enabled: true}},
	}
}

type captureFeed struct {
	mu     sync.Mutex
	events []Event
}

func (f *captureFeed) Publish(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *captureFeed) all() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func snapshotFor(orderID string) *routing.OrderSnapshot {
	return &routing.OrderSnapshot{
		ID:        orderID,
		Total:     money.MustParse("25.00"),
		CreatedAt: testNow.Add(-5 * time.Minute),
	}
}

func newTestManager(maxMove int, feed Publisher) *Manager {
	return NewManager(scoring.NewScorer(), flatProfile, feed, Options{MaxPositionChange: maxMove}, nil)
}

// enqueueScored adds items in order and boosts each to the given
// score. Base scores are zero under flatProfile, so the boost is the
// whole score and survives rescoring.
func enqueueScored(t *testing.T, m *Manager, queueID string, scores []float64) []string {
	t.Helper()
	ids := make([]string, len(scores))
	for i, score := range scores {
		item, err := m.Enqueue(queueID, snapshotFor(itoa(i)), "", testNow)
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		ids[i] = item.ID
		if _, err := m.AdjustScore(queueID, item.ID, score, testNow); err != nil {
			t.Fatalf("AdjustScore() error: %v", err)
		}
	}
	return ids
}

func itoa(i int) string { return "order-" + strconv.Itoa(i) }

func TestTransitions(t *testing.T) {
	m := newTestManager(2, nil)
	item, err := m.Enqueue("kitchen", snapshotFor("o1"), "", testNow)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	// queued -> completed directly is rejected with a typed error.
	if _, err := m.Transition("kitchen", item.ID, StatusCompleted, testNow); !apperrors.IsType(err, apperrors.ErrTypeInvalidTransition) {
		t.Errorf("queued->completed error = %v, want invalid_transition", err)
	}

	for _, to := range []Status{StatusInPreparation, StatusReady, StatusCompleted} {
		if _, err := m.Transition("kitchen", item.ID, to, testNow); err != nil {
			t.Fatalf("Transition(%s) error: %v", to, err)
		}
	}

	// Terminal states reject everything.
	if _, err := m.Transition("kitchen", item.ID, StatusQueued, testNow); !apperrors.IsType(err, apperrors.ErrTypeInvalidTransition) {
		t.Errorf("completed->queued error = %v, want invalid_transition", err)
	}

	// Completed item left the active ordering.
	if got := len(m.Items("kitchen")); got != 0 {
		t.Errorf("active items after completion = %d, want 0", got)
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	m := newTestManager(2, nil)

	for _, prep := range [][]Status{
		{},
		{StatusInPreparation},
		{StatusInPreparation, StatusReady},
		{StatusOnHold},
	} {
		item, err := m.Enqueue("kitchen", snapshotFor("o"), "", testNow)
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		for _, s := range prep {
			if s == StatusOnHold {
				if _, err := m.Hold("kitchen", item.ID, nil, time.Minute, testNow); err != nil {
					t.Fatalf("Hold() error: %v", err)
				}
				continue
			}
			if _, err := m.Transition("kitchen", item.ID, s, testNow); err != nil {
				t.Fatalf("Transition(%s) error: %v", s, err)
			}
		}
		if _, err := m.Transition("kitchen", item.ID, StatusCancelled, testNow); err != nil {
			t.Errorf("cancel after %v error: %v", prep, err)
		}
	}
}

func TestHoldReturnsToPriorState(t *testing.T) {
	m := newTestManager(2, nil)

	item, _ := m.Enqueue("kitchen", snapshotFor("o1"), "", testNow)
	if _, err := m.Transition("kitchen", item.ID, StatusInPreparation, testNow); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	if _, err := m.Hold("kitchen", item.ID, nil, 10*time.Minute, testNow); err != nil {
		t.Fatalf("Hold() error: %v", err)
	}

	// A held item cannot resume into a state it did not leave.
	if _, err := m.Transition("kitchen", item.ID, StatusQueued, testNow); !apperrors.IsType(err, apperrors.ErrTypeInvalidTransition) {
		t.Errorf("resume to foreign state error = %v, want invalid_transition", err)
	}

	released, err := m.Release("kitchen", item.ID, testNow)
	if err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if released.Status != StatusInPreparation {
		t.Errorf("released status = %s, want in_preparation", released.Status)
	}
	if released.HoldUntil != nil {
		t.Error("release should clear the hold timestamp")
	}
}

func TestHoldValidation(t *testing.T) {
	m := newTestManager(2, nil)
	item, _ := m.Enqueue("kitchen", snapshotFor("o1"), "", testNow)

	if _, err := m.Hold("kitchen", item.ID, nil, 0, testNow); !apperrors.IsType(err, apperrors.ErrTypeValidation) {
		t.Errorf("hold without release error = %v, want validation", err)
	}

	// ready items cannot be held.
	m.Transition("kitchen", item.ID, StatusInPreparation, testNow)
	m.Transition("kitchen", item.ID, StatusReady, testNow)
	if _, err := m.Hold("kitchen", item.ID, nil, time.Minute, testNow); !apperrors.IsType(err, apperrors.ErrTypeInvalidTransition) {
		t.Errorf("hold from ready error = %v, want invalid_transition", err)
	}
}

func TestReleaseExpiredHolds(t *testing.T) {
	m := newTestManager(2, nil)

	expired, _ := m.Enqueue("kitchen", snapshotFor("o1"), "", testNow)
	active, _ := m.Enqueue("kitchen", snapshotFor("o2"), "", testNow)

	m.Hold("kitchen", expired.ID, nil, 5*time.Minute, testNow)
	m.Hold("kitchen", active.ID, nil, time.Hour, testNow)

	released := m.ReleaseExpiredHolds(testNow.Add(6 * time.Minute))
	if released != 1 {
		t.Fatalf("ReleaseExpiredHolds() = %d, want 1", released)
	}

	got, _ := m.Item("kitchen", expired.ID)
	if got.Status != StatusQueued {
		t.Errorf("expired hold status = %s, want queued", got.Status)
	}
	got, _ = m.Item("kitchen", active.ID)
	if got.Status != StatusOnHold {
		t.Errorf("active hold status = %s, want on_hold", got.Status)
	}
}

// Five items scored 50,40,30,20,10; the tail item gets a +25 boost,
// lifting it to 35. With max-position-change=2 one rebalance run moves
// it from position 4 to position 2, its score-ordered slot, and never
// further than the cap allows.
func TestRebalance_MaxPositionChange(t *testing.T) {
	m := newTestManager(2, nil)
	ids := enqueueScored(t, m, "kitchen", []float64{50, 40, 30, 20, 10})

	boosted := ids[4] // scored 10, now 35 after the boost
	if _, err := m.AdjustScore("kitchen", boosted, 25, testNow); err != nil {
		t.Fatalf("AdjustScore() error: %v", err)
	}

	before := positionOf(t, m, "kitchen", boosted)
	moved, skipped := m.Rebalance("kitchen", testNow)
	if skipped {
		t.Fatal("rebalance unexpectedly skipped")
	}
	if moved == 0 {
		t.Fatal("rebalance should have moved items")
	}

	after := positionOf(t, m, "kitchen", boosted)
	if before-after > 2 {
		t.Errorf("boosted item advanced %d positions, cap is 2", before-after)
	}
	if after != 2 {
		t.Errorf("boosted item position = %d, want 2 (behind 50 and 40)", after)
	}

	// Once settled, a further run changes nothing.
	if again, _ := m.Rebalance("kitchen", testNow); again != 0 {
		t.Errorf("settled rebalance moved %d items, want 0", again)
	}
}

func TestRebalance_NoMovesWhenOrdered(t *testing.T) {
	m := newTestManager(3, nil)
	enqueueScored(t, m, "kitchen", []float64{50, 40, 30})
	moved, skipped := m.Rebalance("kitchen", testNow)
	if skipped || moved != 0 {
		t.Errorf("rebalance of ordered queue: moved=%d skipped=%v, want 0/false", moved, skipped)
	}
}

func TestRebalance_TieBreakBySequence(t *testing.T) {
	m := newTestManager(5, nil)
	ids := enqueueScored(t, m, "kitchen", []float64{20, 20, 20})
	m.Rebalance("kitchen", testNow)

	items := m.Items("kitchen")
	for i, want := range ids {
		if items[i].ID != want {
			t.Errorf("position %d = %s, want %s (earlier sequence first on ties)", i, items[i].ID, want)
		}
	}
}

func TestRebalance_SkipsWhenLockHeld(t *testing.T) {
	m := newTestManager(2, nil)
	enqueueScored(t, m, "kitchen", []float64{10, 50})

	q := m.queue("kitchen")
	q.mu.Lock()
	moved, skipped := m.Rebalance("kitchen", testNow)
	q.mu.Unlock()

	if !skipped || moved != 0 {
		t.Errorf("contended rebalance: moved=%d skipped=%v, want 0/true", moved, skipped)
	}
}

func TestRebalanceAll_CooperativeCancellation(t *testing.T) {
	m := newTestManager(2, nil)
	enqueueScored(t, m, "a", []float64{10, 50})
	enqueueScored(t, m, "b", []float64{10, 50})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.RebalanceAll(ctx, testNow)

	// Nothing started: both queues keep their insertion order.
	if m.Items("a")[0].Score != 10 || m.Items("b")[0].Score != 10 {
		t.Error("cancelled RebalanceAll should not start any queue")
	}
}

func TestExpedite_BypassesMoveCap(t *testing.T) {
	m := newTestManager(1, nil)
	ids := enqueueScored(t, m, "kitchen", []float64{50, 40, 30, 20, 10})

	if err := m.Expedite("kitchen", ids[4], testNow); err != nil {
		t.Fatalf("Expedite() error: %v", err)
	}
	if positionOf(t, m, "kitchen", ids[4]) != 0 {
		t.Error("expedited item should be at the front")
	}
}

func TestFeedEventsVersioned(t *testing.T) {
	feed := &captureFeed{}
	m := newTestManager(2, feed)

	item, _ := m.Enqueue("kitchen", snapshotFor("o1"), "", testNow)
	m.Transition("kitchen", item.ID, StatusInPreparation, testNow)
	m.Transition("kitchen", item.ID, StatusCancelled, testNow)

	events := feed.all()
	if len(events) != 3 {
		t.Fatalf("captured %d events, want 3", len(events))
	}
	for i, event := range events {
		if event.Version != int64(i+1) {
			t.Errorf("event %d version = %d, want %d", i, event.Version, i+1)
		}
		if event.QueueID != "kitchen" {
			t.Errorf("event %d queue = %s", i, event.QueueID)
		}
	}
	if events[0].Kind != EventItemAdded || events[2].Kind != EventItemRemoved {
		t.Errorf("event kinds = %s...%s", events[0].Kind, events[2].Kind)
	}
}

func TestFairnessIndex(t *testing.T) {
	m := newTestManager(2, nil)

	// Even waits: index 0.
	for i := 0; i < 3; i++ {
		m.Enqueue("even", snapshotFor(itoa(i)), "", testNow.Add(-10*time.Minute))
	}
	if gini := m.FairnessIndex("even", testNow); gini != 0 {
		t.Errorf("even-wait fairness index = %v, want 0", gini)
	}

	// One starved item among fresh ones: clearly positive dispersion.
	m.Enqueue("skew", snapshotFor("old"), "", testNow.Add(-2*time.Hour))
	for i := 0; i < 4; i++ {
		m.Enqueue("skew", snapshotFor(itoa(i)), "", testNow.Add(-time.Minute))
	}
	gini := m.FairnessIndex("skew", testNow)
	if gini <= 0.5 || gini > 1 {
		t.Errorf("skewed fairness index = %v, want in (0.5, 1]", gini)
	}

	// Degenerate queues report 0.
	if gini := m.FairnessIndex("empty", testNow); gini != 0 {
		t.Errorf("empty queue fairness index = %v, want 0", gini)
	}
}

func positionOf(t *testing.T, m *Manager, queueID, itemID string) int {
	t.Helper()
	item, err := m.Item(queueID, itemID)
	if err != nil {
		t.Fatalf("Item() error: %v", err)
	}
	return item.Position
}

// Holds carry a release time that a bare status change cannot supply,
// so the status endpoint's transition path must refuse on_hold and
// leave the item exactly where it was.
func TestTransitionToHoldRequiresHold(t *testing.T) {
	m := newTestManager(2, nil)

	for _, from := range []Status{StatusQueued, StatusInPreparation} {
		item, err := m.Enqueue("kitchen", snapshotFor("o-"+string(from)), "", testNow)
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		if from == StatusInPreparation {
			if _, err := m.Transition("kitchen", item.ID, StatusInPreparation, testNow); err != nil {
				t.Fatalf("Transition(in_preparation) error: %v", err)
			}
		}

		if _, err := m.Transition("kitchen", item.ID, StatusOnHold, testNow); !apperrors.IsType(err, apperrors.ErrTypeInvalidTransition) {
			t.Errorf("%s->on_hold via transition error = %v, want invalid_transition", from, err)
		}

		got, err := m.Item("kitchen", item.ID)
		if err != nil {
			t.Fatalf("Item() error: %v", err)
		}
		if got.Status != from || got.HoldUntil != nil || got.HeldFrom != "" {
			t.Errorf("rejected hold mutated item: status=%s holdUntil=%v heldFrom=%q", got.Status, got.HoldUntil, got.HeldFrom)
		}

		// The hold operation remains the working path, and the item it
		// parks is fully releasable by the expiry sweep.
		if _, err := m.Hold("kitchen", item.ID, nil, 5*time.Minute, testNow); err != nil {
			t.Fatalf("Hold() error: %v", err)
		}
		if released := m.ReleaseExpiredHolds(testNow.Add(6 * time.Minute)); released != 1 {
			t.Fatalf("ReleaseExpiredHolds() = %d, want 1", released)
		}
		got, _ = m.Item("kitchen", item.ID)
		if got.Status != from {
			t.Errorf("released status = %s, want %s", got.Status, from)
		}
	}
}

// fakeItemStore records persistence calls for restart tests.
type fakeItemStore struct {
	mu      sync.Mutex
	records map[string]*storage.QueueItemRecord
	saves   int
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{records: make(map[string]*storage.QueueItemRecord)}
}

func (s *fakeItemStore) SaveQueueItem(_ context.Context, item *storage.QueueItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *item
	if item.HoldUntil != nil {
		t := *item.HoldUntil
		copied.HoldUntil = &t
	}
	s.records[item.ID] = &copied
	s.saves++
	return nil
}

func (s *fakeItemStore) ListQueueItems(_ context.Context, queueID string) ([]*storage.QueueItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.QueueItemRecord
	for _, rec := range s.records {
		if queueID == "" || rec.QueueID == queueID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeItemStore) DeleteQueueItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return apperrors.ErrRecordNotFound
	}
	delete(s.records, id)
	return nil
}

func newPersistentManager(store ItemStore) *Manager {
	return NewManager(scoring.NewScorer(), flatProfile, nil, Options{MaxPositionChange: 2, Store: store}, nil)
}

func TestPersistence_MutationsWriteThrough(t *testing.T) {
	store := newFakeItemStore()
	m := newPersistentManager(store)

	item, err := m.Enqueue("kitchen", snapshotFor("o1"), "", testNow)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, ok := store.records[item.ID]; !ok {
		t.Fatal("enqueue did not persist the item")
	}

	m.Hold("kitchen", item.ID, nil, 10*time.Minute, testNow)
	rec := store.records[item.ID]
	if rec.Status != string(StatusOnHold) || rec.HoldUntil == nil || rec.HeldFrom != string(StatusQueued) {
		t.Errorf("persisted hold = %+v, want on_hold with release time and held-from", rec)
	}

	m.Release("kitchen", item.ID, testNow)
	rec = store.records[item.ID]
	if rec.Status != string(StatusQueued) || rec.HoldUntil != nil {
		t.Errorf("persisted release = %+v, want queued with no hold", rec)
	}

	// Terminal transitions drop the stored record.
	m.Transition("kitchen", item.ID, StatusCancelled, testNow)
	if _, ok := store.records[item.ID]; ok {
		t.Error("cancelled item should leave no stored record")
	}
}

func TestPersistence_RestoreRebuildsOrdering(t *testing.T) {
	store := newFakeItemStore()
	first := newPersistentManager(store)

	ids := enqueueScored(t, first, "kitchen", []float64{10, 50, 30})
	held, err := first.Enqueue("kitchen", snapshotFor("held"), "", testNow)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	first.Hold("kitchen", held.ID, nil, time.Hour, testNow)

	done, _ := first.Enqueue("kitchen", snapshotFor("done"), "", testNow)
	first.Transition("kitchen", done.ID, StatusCancelled, testNow)

	// A fresh manager over the same store models a restart.
	second := newPersistentManager(store)
	restored, err := second.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if restored != 4 {
		t.Fatalf("Restore() = %d items, want 4", restored)
	}

	items := second.Items("kitchen")
	wantOrder := []string{ids[1], ids[2], ids[0], held.ID}
	if len(items) != len(wantOrder) {
		t.Fatalf("restored %d active items, want %d", len(items), len(wantOrder))
	}
	for i, want := range wantOrder {
		if items[i].ID != want {
			t.Errorf("restored position %d = %s, want %s", i, items[i].ID, want)
		}
	}

	got, err := second.Item("kitchen", held.ID)
	if err != nil {
		t.Fatalf("Item() error: %v", err)
	}
	if got.Status != StatusOnHold || got.HoldUntil == nil || got.HeldFrom != StatusQueued {
		t.Errorf("restored hold = %+v, want on_hold with release time and held-from", got)
	}
	if _, err := second.Item("kitchen", done.ID); !apperrors.IsType(err, apperrors.ErrTypeNotFound) {
		t.Errorf("cancelled item after restore error = %v, want not_found", err)
	}

	// New enqueues never reuse a restored sequence number.
	next, _ := second.Enqueue("kitchen", snapshotFor("new"), "", testNow)
	if next.Sequence <= held.Sequence {
		t.Errorf("new sequence %d not above restored max %d", next.Sequence, held.Sequence)
	}
}

func TestPersistence_RebalancePersistsMovedItems(t *testing.T) {
	store := newFakeItemStore()
	m := newPersistentManager(store)

	ids := enqueueScored(t, m, "kitchen", []float64{50, 40, 10})
	if _, err := m.AdjustScore("kitchen", ids[2], 35, testNow); err != nil {
		t.Fatalf("AdjustScore() error: %v", err)
	}
	if moved, _ := m.Rebalance("kitchen", testNow); moved == 0 {
		t.Fatal("rebalance should have moved items")
	}
	if rec := store.records[ids[2]]; rec.Score != 45 {
		t.Errorf("persisted score after rebalance = %v, want 45", rec.Score)
	}
}

// Terminal items stay readable for the retention window, then the
// purge sweep frees them.
func TestPurgeTerminal(t *testing.T) {
	m := newTestManager(2, nil)

	item, _ := m.Enqueue("kitchen", snapshotFor("o1"), "", testNow)
	m.Transition("kitchen", item.ID, StatusCancelled, testNow)
	keep, _ := m.Enqueue("kitchen", snapshotFor("o2"), "", testNow)

	if purged := m.PurgeTerminal(testNow.Add(30 * time.Minute)); purged != 0 {
		t.Fatalf("purge inside retention = %d, want 0", purged)
	}
	if got, err := m.Item("kitchen", item.ID); err != nil || got.Status != StatusCancelled {
		t.Fatalf("terminal item inside retention: item=%v err=%v", got, err)
	}

	if purged := m.PurgeTerminal(testNow.Add(2 * time.Hour)); purged != 1 {
		t.Fatalf("purge after retention = %d, want 1", purged)
	}
	if _, err := m.Item("kitchen", item.ID); !apperrors.IsType(err, apperrors.ErrTypeNotFound) {
		t.Errorf("purged item error = %v, want not_found", err)
	}
	if _, err := m.Item("kitchen", keep.ID); err != nil {
		t.Errorf("active item swept away: %v", err)
	}
}

// The profile source may hit storage, so rebalance must resolve it
// before taking the per-queue lock.
func TestRebalance_ProfileResolvedOutsideLock(t *testing.T) {
	var m *Manager
	lockHeld := false
	profiles := func(queueID string) *scoring.Profile {
		q := m.queue(queueID)
		if q.mu.TryLock() {
			q.mu.Unlock()
		} else {
			lockHeld = true
		}
		return flatProfile(queueID)
	}
	m = NewManager(scoring.NewScorer(), profiles, nil, Options{MaxPositionChange: 2}, nil)

	enqueueScored(t, m, "kitchen", []float64{10, 50})
	if _, skipped := m.Rebalance("kitchen", testNow); skipped {
		t.Fatal("rebalance unexpectedly skipped")
	}
	if lockHeld {
		t.Error("profile source ran while the queue lock was held")
	}
}
