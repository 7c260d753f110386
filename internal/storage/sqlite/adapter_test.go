package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-router/internal/money"
	"order-router/internal/routing"
	"order-router/internal/scoring"
	"order-router/internal/split"
	"order-router/internal/storage"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(&Config{
		DatabasePath: filepath.Join(t.TempDir(), "router.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func sampleRule(name string) *routing.Rule {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &routing.Rule{
		Name:     name,
		Priority: 100,
		Status:   routing.RuleActive,
		Root: routing.Group{
			Combinator: routing.CombinatorOr,
			Children: []routing.Node{
				routing.Group{
					Combinator: routing.CombinatorAnd,
					Children: []routing.Node{
						routing.Leaf{Field: "customer.vip", Operator: "eq", Value: true},
						routing.Leaf{Field: "order.total", Operator: "gte", Value: 100.0},
					},
				},
			},
		},
		Actions:   []routing.Action{{Type: "notify", Params: map[string]interface{}{"channel": "expo"}}},
		Target:    routing.TargetStation,
		TargetID:  "grill",
		Schedule:  &routing.ScheduleWindow{Days: []time.Weekday{time.Tuesday}, StartHour: 9, EndHour: 17},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRuleCRUD(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	rule := sampleRule("vip-to-grill")
	require.NoError(t, adapter.CreateRule(ctx, rule))
	require.NotZero(t, rule.ID)

	got, err := adapter.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, rule.Target, got.Target)
	assert.Equal(t, rule.Root, got.Root)
	assert.Equal(t, rule.Actions, got.Actions)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, []time.Weekday{time.Tuesday}, got.Schedule.Days)

	got.Priority = 50
	got.Status = routing.RuleInactive
	require.NoError(t, adapter.UpdateRule(ctx, got))

	updated, err := adapter.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, updated.Priority)
	assert.Equal(t, routing.RuleInactive, updated.Status)

	require.NoError(t, adapter.DeleteRule(ctx, rule.ID))
	_, err = adapter.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, adapter.DeleteRule(ctx, rule.ID), storage.ErrNotFound)
}

func TestListRulesOrdering(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	low := sampleRule("low")
	low.Priority = 10
	high := sampleRule("high")
	high.Priority = 200
	mid := sampleRule("mid")
	mid.Priority = 100

	for _, rule := range []*routing.Rule{low, high, mid} {
		require.NoError(t, adapter.CreateRule(ctx, rule))
	}

	rules, err := adapter.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "high", rules[0].Name)
	assert.Equal(t, "mid", rules[1].Name)
	assert.Equal(t, "low", rules[2].Name)
}

func TestDuplicateRuleName(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.CreateRule(ctx, sampleRule("dup")))
	err := adapter.CreateRule(ctx, sampleRule("dup"))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestProfileRoundTrip(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	profile := scoring.DefaultProfile()
	profile.CreatedAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	profile.UpdatedAt = profile.CreatedAt
	require.NoError(t, adapter.SaveProfile(ctx, profile))

	got, err := adapter.GetProfile(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, profile.Algorithms, got.Algorithms)
	assert.Equal(t, profile.OrderValueMax, got.OrderValueMax)

	// Save again with a change: upsert, not duplicate.
	profile.Name = "Adjusted"
	require.NoError(t, adapter.SaveProfile(ctx, profile))
	profiles, err := adapter.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "Adjusted", profiles[0].Name)

	require.NoError(t, adapter.DeleteProfile(ctx, profile.ID))
	_, err = adapter.GetProfile(ctx, profile.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueueItemPersistence(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	hold := now.Add(10 * time.Minute)

	item := &storage.QueueItemRecord{
		ID:         "item-1",
		OrderID:    "order-1",
		QueueID:    "kitchen",
		Status:     "on_hold",
		Score:      42.5,
		Sequence:   1,
		HoldUntil:  &hold,
		HeldFrom:   "queued",
		StaffID:    "alex",
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	require.NoError(t, adapter.SaveQueueItem(ctx, item))

	items, err := adapter.ListQueueItems(ctx, "kitchen")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.Score, items[0].Score)
	require.NotNil(t, items[0].HoldUntil)
	assert.True(t, items[0].HoldUntil.Equal(hold))

	// Upsert updates in place.
	item.Status = "queued"
	item.HoldUntil = nil
	require.NoError(t, adapter.SaveQueueItem(ctx, item))
	items, err = adapter.ListQueueItems(ctx, "kitchen")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "queued", items[0].Status)
	assert.Nil(t, items[0].HoldUntil)

	require.NoError(t, adapter.DeleteQueueItem(ctx, "item-1"))
	items, err = adapter.ListQueueItems(ctx, "kitchen")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func sampleSplit(id, parentID, key string) *split.Record {
	return &split.Record{
		ID:             id,
		ParentOrderID:  parentID,
		Type:           split.TypePayment,
		Status:         split.StatusActive,
		IdempotencyKey: key,
		ParentTotal:    money.MustParse("110.00"),
		Children: []split.Child{
			{ID: id + "-c0", Index: 0, Amount: money.MustParse("36.67")},
			{ID: id + "-c1", Index: 1, Amount: money.MustParse("36.67")},
			{ID: id + "-c2", Index: 2, Amount: money.MustParse("36.66")},
		},
		CreatedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestSplitRecords(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	record := sampleSplit("split-1", "order-1", "k1")
	require.NoError(t, adapter.SaveSplitRecord(ctx, record))

	// Minor units survive the round trip exactly.
	got, err := adapter.GetSplitRecord(ctx, "split-1")
	require.NoError(t, err)
	assert.Equal(t, int64(11000), got.ParentTotal.Units)
	assert.Equal(t, record.Children, got.Children)

	byKey, err := adapter.GetSplitByKey(ctx, "order-1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "split-1", byKey.ID)

	// The idempotency key is unique per parent.
	err = adapter.SaveSplitRecord(ctx, sampleSplit("split-2", "order-1", "k1"))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	// Same key on another parent is fine.
	require.NoError(t, adapter.SaveSplitRecord(ctx, sampleSplit("split-3", "order-2", "k1")))

	records, err := adapter.ListSplitsByParent(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	mergedAt := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	require.NoError(t, adapter.MarkSplitsMerged(ctx, []string{"split-1"}, "customer changed mind", mergedAt))
	got, err = adapter.GetSplitRecord(ctx, "split-1")
	require.NoError(t, err)
	assert.Equal(t, split.StatusMerged, got.Status)
	assert.Equal(t, "customer changed mind", got.MergeReason)
	require.NotNil(t, got.MergedAt)

	// Merging an already merged record reports not found.
	err = adapter.MarkSplitsMerged(ctx, []string{"split-1"}, "again", mergedAt)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, adapter.DeleteSplitRecord(ctx, "split-1"))
	_, err = adapter.GetSplitRecord(ctx, "split-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithParentSplitLock(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	ran := false
	err := adapter.WithParentSplitLock(ctx, "order-1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Cancellation is honored before fn runs.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = adapter.WithParentSplitLock(cancelled, "order-1", func(ctx context.Context) error {
		t.Fatal("fn should not run on a cancelled context")
		return nil
	})
	assert.Error(t, err)
}
