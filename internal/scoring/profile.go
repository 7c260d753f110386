// Package scoring computes composite urgency scores for orders inside
// a queue. Each profile combines independently weighted algorithms;
// scoring is a pure function of the snapshot, the profile and the
// single clock reading passed in.
package scoring

import (
	"fmt"
	"time"
)

// AlgorithmID identifies one sub-score algorithm.
type AlgorithmID string

const (
	AlgoPrepTimeDeviation AlgorithmID = "prep_time_deviation"
	AlgoDeliveryUrgency   AlgorithmID = "delivery_urgency"
	AlgoVIPTier           AlgorithmID = "vip_tier"
	AlgoOrderValue        AlgorithmID = "order_value"
	AlgoWaitTime          AlgorithmID = "wait_time"
	AlgoItemComplexity    AlgorithmID = "item_complexity"
)

// AlgorithmConfig is one (algorithm, weight, threshold) entry of a
// profile. Threshold meaning is algorithm-specific: the critical
// minutes-remaining mark for delivery urgency, the saturation wait in
// minutes for wait-time pressure, and so on.
type AlgorithmConfig struct {
	ID        AlgorithmID `json:"id"`
	Weight    float64     `json:"weight"`
	Threshold float64     `json:"threshold,omitempty"`
	Enabled   bool        `json:"enabled"`
}

// ApplicabilityWindow restricts which queues and hours a profile
// applies to. Empty slices mean unrestricted.
type ApplicabilityWindow struct {
	QueueTypes []string `json:"queue_types,omitempty"`
	StartHour  int      `json:"start_hour"`
	EndHour    int      `json:"end_hour"`
}

// AppliesTo reports whether the window covers the queue type and instant.
func (w *ApplicabilityWindow) AppliesTo(queueType string, now time.Time) bool {
	if w == nil {
		return true
	}
	if len(w.QueueTypes) > 0 {
		found := false
		for _, qt := range w.QueueTypes {
			if qt == queueType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if w.StartHour == w.EndHour {
		return true
	}
	h := now.Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Profile is a named weighted combination of scoring algorithms.
// Mutated only by configuration; read-only to the scorer.
type Profile struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Algorithms    []AlgorithmConfig    `json:"algorithms"`
	Window        *ApplicabilityWindow `json:"window,omitempty"`
	Normalize     bool                 `json:"normalize"`
	NormalizeMin  float64              `json:"normalize_min"`
	NormalizeMax  float64              `json:"normalize_max"`
	OrderValueMin float64              `json:"order_value_min"` // clamp bounds, major units
	OrderValueMax float64              `json:"order_value_max"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Validate checks the profile configuration.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if len(p.Algorithms) == 0 {
		return fmt.Errorf("profile %s has no algorithms", p.ID)
	}
	known := map[AlgorithmID]bool{
		AlgoPrepTimeDeviation: true,
		AlgoDeliveryUrgency:   true,
		AlgoVIPTier:           true,
		AlgoOrderValue:        true,
		AlgoWaitTime:          true,
		AlgoItemComplexity:    true,
	}
	for _, a := range p.Algorithms {
		if !known[a.ID] {
			return fmt.Errorf("profile %s references unknown algorithm %q", p.ID, a.ID)
		}
		if a.Weight < 0 {
			return fmt.Errorf("profile %s: algorithm %s has negative weight", p.ID, a.ID)
		}
	}
	if p.Normalize && p.NormalizeMax <= p.NormalizeMin {
		return fmt.Errorf("profile %s: normalize range is empty", p.ID)
	}
	return nil
}

// DefaultProfile is the profile used for queues with no explicit
// configuration: urgency and fairness dominate, value and complexity
// nudge.
func DefaultProfile() *Profile {
	return &Profile{
		ID:   "default",
		Name: "Default",
		Algorithms: []AlgorithmConfig{
			{ID: AlgoDeliveryUrgency, Weight: 0.35, Threshold: 10, Enabled: true},
			{ID: AlgoWaitTime, Weight: 0.25, Threshold: 45, Enabled: true},
			{ID: AlgoVIPTier, Weight: 0.15, Enabled: true},
			{ID: AlgoOrderValue, Weight: 0.10, Enabled: true},
			{ID: AlgoPrepTimeDeviation, Weight: 0.10, Threshold: 15, Enabled: true},
			{ID: AlgoItemComplexity, Weight: 0.05, Enabled: true},
		},
		OrderValueMin: 10,
		OrderValueMax: 300,
	}
}
