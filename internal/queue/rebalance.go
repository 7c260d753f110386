package queue

import (
	"context"
	"sort"
	"time"

	"order-router/internal/common/logging"
	"order-router/internal/scoring"
)

// Rebalance rescores every non-terminal item of one queue and applies
// the new ordering, moving no item more than the configured maximum
// position change. It acquires the same per-queue lock as manual
// reorders and expedites; when the lock is contended the run yields
// and reports skipped=true instead of blocking.
func (m *Manager) Rebalance(queueID string, now time.Time) (moved int, skipped bool) {
	q := m.queue(queueID)

	// Resolve the profile before taking the queue lock: the source may
	// hit storage, and a slow read must not stall manual reorders.
	profile := m.profiles(queueID)

	if !q.mu.TryLock() {
		m.logger.Debug("rebalance skipped, queue lock contended",
			logging.String("queue_id", queueID))
		return 0, true
	}

	// Rescore in place. The manual boost accumulated in Score is the
	// difference between the stored score and the last computed base,
	// so recompute the base and carry the boost forward.
	for _, id := range q.order {
		item := q.items[id]
		if item.Snapshot == nil {
			continue
		}
		breakdown, err := m.scorer.Score(&scoring.Input{
			Snapshot:   item.Snapshot,
			EnqueuedAt: item.EnqueuedAt,
			Now:        now,
		}, profile)
		if err != nil {
			m.logger.Warn("rescore failed, keeping previous score",
				logging.String("queue_id", queueID),
				logging.String("item_id", id),
				logging.Err(err))
			continue
		}
		boost := item.Score - item.baseScore
		item.baseScore = breakdown.Normalized
		item.Score = breakdown.Normalized + boost
	}

	oldOrder := append([]string(nil), q.order...)
	q.order = boundedReorder(q.order, q.items, m.maxMove)

	var events []Event
	var rescored []*Item
	for pos, id := range q.order {
		if oldOrder[pos] == id {
			continue
		}
		moved++
		item := q.items[id]
		item.UpdatedAt = now
		q.version++
		events = append(events, Event{
			QueueID: queueID, Version: q.version, Kind: EventItemMoved,
			ItemID: id, OrderID: item.OrderID, Status: item.Status,
			Position: pos, At: now,
		})
		rescored = append(rescored, item.clone())
	}
	q.mu.Unlock()

	for _, event := range events {
		m.publish(event)
	}
	for _, item := range rescored {
		m.persist(item)
	}
	if moved > 0 {
		m.logger.Info("queue rebalanced",
			logging.String("queue_id", queueID),
			logging.Int("items_moved", moved))
	}
	return moved, false
}

// RebalanceAll runs Rebalance over every queue, checking for
// cancellation between queues: on shutdown the current queue finishes
// and the next is not started.
func (m *Manager) RebalanceAll(ctx context.Context, now time.Time) {
	for _, queueID := range m.QueueIDs() {
		if ctx.Err() != nil {
			m.logger.Info("rebalance loop cancelled",
				logging.String("next_queue_id", queueID))
			return
		}
		m.Rebalance(queueID, now)
	}
}

// boundedReorder computes the desired ordering (score descending,
// enqueue sequence ascending) and applies it under the constraint that
// no item moves more than maxMove positions from its current slot.
//
// Slots are filled front to back. An item whose last reachable slot is
// the current one is placed immediately; otherwise the best-ranked
// item already within reach of the slot wins it.
func boundedReorder(order []string, items map[string]*Item, maxMove int) []string {
	n := len(order)
	if n < 2 {
		return order
	}

	better := func(a, b string) bool {
		ia, ib := items[a], items[b]
		if ia.Score != ib.Score {
			return ia.Score > ib.Score
		}
		return ia.Sequence < ib.Sequence
	}

	placed := make(map[string]bool, n)
	result := make([]string, 0, n)

	for slot := 0; slot < n; slot++ {
		// Forced placement: an item at old position slot-maxMove cannot
		// move further back than this slot.
		forced := ""
		if deadline := slot - maxMove; deadline >= 0 {
			if id := order[deadline]; !placed[id] {
				forced = id
			}
		}
		if forced != "" {
			placed[forced] = true
			result = append(result, forced)
			continue
		}

		best := ""
		for old := 0; old < n && old <= slot+maxMove; old++ {
			id := order[old]
			if placed[id] {
				continue
			}
			if best == "" || better(id, best) {
				best = id
			}
		}
		placed[best] = true
		result = append(result, best)
	}
	return result
}

// FairnessIndex computes a Gini-style dispersion coefficient over the
// wait times of a queue's active items: 0 means perfectly even waits,
// values approaching 1 mean a few items absorb all the waiting. It is
// a monitoring diagnostic and gates nothing.
func (m *Manager) FairnessIndex(queueID string, now time.Time) float64 {
	q := m.queue(queueID)
	q.mu.Lock()

	waits := make([]float64, 0, len(q.order))
	for _, id := range q.order {
		item := q.items[id]
		wait := now.Sub(item.EnqueuedAt).Seconds()
		if wait < 0 {
			wait = 0
		}
		waits = append(waits, wait)
	}
	q.mu.Unlock()

	return giniCoefficient(waits)
}

func giniCoefficient(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum, weighted float64
	for i, v := range sorted {
		sum += v
		weighted += float64(i+1) * v
	}
	if sum == 0 {
		return 0
	}
	nf := float64(n)
	return (2*weighted - (nf+1)*sum) / (nf * sum)
}
