package scoring

import (
	"fmt"
	"sort"
)

// Breakdown is the result of one scoring call.
type Breakdown struct {
	Total        float64                 `json:"total"`
	Normalized   float64                 `json:"normalized"`
	PerAlgorithm map[AlgorithmID]float64 `json:"per_algorithm"`
}

// Scorer computes composite scores. It holds no mutable state; the
// same inputs always produce bit-identical output.
type Scorer struct{}

// NewScorer returns a scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score runs every enabled algorithm of the profile over the input and
// returns the weighted composite with a per-algorithm breakdown. When
// the profile's normalize flag is set, Normalized rescales the
// composite into 0-100 using the profile's configured observed range;
// otherwise Normalized equals Total.
func (s *Scorer) Score(in *Input, profile *Profile) (*Breakdown, error) {
	if in == nil || in.Snapshot == nil {
		return nil, fmt.Errorf("scoring input requires an order snapshot")
	}
	if profile == nil {
		return nil, fmt.Errorf("scoring requires a profile")
	}

	breakdown := &Breakdown{PerAlgorithm: make(map[AlgorithmID]float64, len(profile.Algorithms))}

	// Iterate the profile's ordered list, not the map, so breakdown
	// insertion and weighting order is the profile author's.
	for _, cfg := range profile.Algorithms {
		if !cfg.Enabled {
			continue
		}
		algo, ok := algorithms[cfg.ID]
		if !ok {
			return nil, fmt.Errorf("unknown scoring algorithm %q", cfg.ID)
		}
		sub := algo(in, cfg, profile)
		breakdown.PerAlgorithm[cfg.ID] = sub
		breakdown.Total += sub * cfg.Weight
	}

	breakdown.Normalized = breakdown.Total
	if profile.Normalize {
		span := profile.NormalizeMax - profile.NormalizeMin
		if span > 0 {
			breakdown.Normalized = clamp((breakdown.Total - profile.NormalizeMin) / span * subScoreMax)
		}
	}

	return breakdown, nil
}

// AlgorithmIDs lists the registered algorithms in stable order.
func AlgorithmIDs() []AlgorithmID {
	ids := make([]AlgorithmID, 0, len(algorithms))
	for id := range algorithms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
