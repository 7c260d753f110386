package scoring

import (
	"time"

	"order-router/internal/routing"
)

// Sub-score range shared by every algorithm.
const (
	subScoreMin = 0.0
	subScoreMax = 100.0
)

// Input is everything an algorithm may read. Now is the only clock;
// EnqueuedAt is when the order entered its current queue (zero means
// fall back to the order creation time).
type Input struct {
	Snapshot   *routing.OrderSnapshot
	EnqueuedAt time.Time
	Now        time.Time
}

func (in *Input) waitStart() time.Time {
	if !in.EnqueuedAt.IsZero() {
		return in.EnqueuedAt
	}
	return in.Snapshot.CreatedAt
}

// algorithmFunc computes one sub-score in [0,100].
type algorithmFunc func(in *Input, cfg AlgorithmConfig, profile *Profile) float64

var algorithms = map[AlgorithmID]algorithmFunc{
	AlgoPrepTimeDeviation: scorePrepTimeDeviation,
	AlgoDeliveryUrgency:   scoreDeliveryUrgency,
	AlgoVIPTier:           scoreVIPTier,
	AlgoOrderValue:        scoreOrderValue,
	AlgoWaitTime:          scoreWaitTime,
	AlgoItemComplexity:    scoreItemComplexity,
}

// scorePrepTimeDeviation rises as the order's total preparation time
// exceeds the threshold (minutes). Orders that cook longer than the
// kitchen's norm need a head start.
func scorePrepTimeDeviation(in *Input, cfg AlgorithmConfig, _ *Profile) float64 {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 15
	}
	var prepSeconds int
	for _, item := range in.Snapshot.Items {
		prepSeconds += item.PrepSeconds * item.Quantity
	}
	prepMinutes := float64(prepSeconds) / 60
	if prepMinutes <= threshold {
		return clamp(prepMinutes / threshold * 50)
	}
	// Past the norm: 50 at the threshold, saturating at double it.
	return clamp(50 + (prepMinutes-threshold)/threshold*50)
}

// scoreDeliveryUrgency increases monotonically as the promised time
// approaches and saturates once the order is inside the critical
// window (threshold minutes) or overdue.
func scoreDeliveryUrgency(in *Input, cfg AlgorithmConfig, _ *Profile) float64 {
	if in.Snapshot.PromisedAt.IsZero() {
		return 0
	}
	critical := cfg.Threshold
	if critical <= 0 {
		critical = 10
	}
	remaining := in.Snapshot.PromisedAt.Sub(in.Now).Minutes()
	if remaining <= critical {
		return subScoreMax
	}
	// Linear ramp across the hour before the critical window.
	horizon := critical + 60
	if remaining >= horizon {
		return 0
	}
	return clamp((horizon - remaining) / 60 * subScoreMax)
}

// scoreVIPTier maps loyalty standing onto the sub-score range. VIP flag
// alone grants the midpoint; tiers stack on top.
func scoreVIPTier(in *Input, _ AlgorithmConfig, _ *Profile) float64 {
	score := 0.0
	if in.Snapshot.Customer.VIP {
		score = 50
	}
	score += float64(in.Snapshot.Customer.LoyaltyTier) * 10
	return clamp(score)
}

// scoreOrderValue scales the order total between the profile's clamp
// bounds (major units).
func scoreOrderValue(in *Input, _ AlgorithmConfig, profile *Profile) float64 {
	min, max := profile.OrderValueMin, profile.OrderValueMax
	if max <= min {
		min, max = 10, 300
	}
	value := float64(in.Snapshot.Total.Units) / 100
	if value <= min {
		return 0
	}
	if value >= max {
		return subScoreMax
	}
	return clamp((value - min) / (max - min) * subScoreMax)
}

// scoreWaitTime is the fairness pressure: it grows with time spent in
// the queue and saturates at the threshold (minutes), guaranteeing a
// long-waiting order eventually outscores any static factor.
func scoreWaitTime(in *Input, cfg AlgorithmConfig, _ *Profile) float64 {
	saturation := cfg.Threshold
	if saturation <= 0 {
		saturation = 45
	}
	waited := in.Now.Sub(in.waitStart()).Minutes()
	if waited <= 0 {
		return 0
	}
	return clamp(waited / saturation * subScoreMax)
}

// scoreItemComplexity weighs line count and quantities; ten distinct
// preparation steps saturate the score.
func scoreItemComplexity(in *Input, _ AlgorithmConfig, _ *Profile) float64 {
	steps := 0
	for _, item := range in.Snapshot.Items {
		steps += item.Quantity
	}
	steps += len(in.Snapshot.Items)
	return clamp(float64(steps) / 10 * subScoreMax / 2)
}

func clamp(v float64) float64 {
	if v < subScoreMin {
		return subScoreMin
	}
	if v > subScoreMax {
		return subScoreMax
	}
	return v
}
