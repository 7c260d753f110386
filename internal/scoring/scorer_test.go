package scoring

import (
	"reflect"
	"testing"
	"time"

	"order-router/internal/money"
	"order-router/internal/routing"
)

func scoringInput(totalCents int64, promisedIn time.Duration, waited time.Duration) *Input {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := &routing.OrderSnapshot{
		ID:    "order-1",
		Total: money.FromUnits(totalCents),
		Items: []routing.ItemSnapshot{
			{Name: "Margherita", Quantity: 2, Category: "pizza", PrepSeconds: 600},
		},
		Customer:  routing.CustomerSnapshot{VIP: true, LoyaltyTier: 2},
		CreatedAt: now.Add(-waited),
	}
	if promisedIn != 0 {
		snap.PromisedAt = now.Add(promisedIn)
	}
	return &Input{Snapshot: snap, EnqueuedAt: now.Add(-waited), Now: now}
}

func TestScore_Deterministic(t *testing.T) {
	scorer := NewScorer()
	profile := DefaultProfile()
	in := scoringInput(15000, 20*time.Minute, 12*time.Minute)

	first, err := scorer.Score(in, profile)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	second, err := scorer.Score(in, profile)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	if first.Total != second.Total || first.Normalized != second.Normalized {
		t.Errorf("scoring is not pure: %v vs %v", first, second)
	}
	if !reflect.DeepEqual(first.PerAlgorithm, second.PerAlgorithm) {
		t.Errorf("per-algorithm breakdown differs: %v vs %v", first.PerAlgorithm, second.PerAlgorithm)
	}
}

func TestScore_BreakdownCoversEnabledAlgorithms(t *testing.T) {
	scorer := NewScorer()
	profile := DefaultProfile()
	in := scoringInput(15000, 20*time.Minute, 12*time.Minute)

	breakdown, err := scorer.Score(in, profile)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	if len(breakdown.PerAlgorithm) != len(profile.Algorithms) {
		t.Errorf("breakdown has %d entries, want %d", len(breakdown.PerAlgorithm), len(profile.Algorithms))
	}
	for id, sub := range breakdown.PerAlgorithm {
		if sub < 0 || sub > 100 {
			t.Errorf("algorithm %s produced %v, outside [0,100]", id, sub)
		}
	}
}

func TestScore_DisabledAlgorithmExcluded(t *testing.T) {
	scorer := NewScorer()
	profile := &Profile{
		ID: "p",
		Algorithms: []AlgorithmConfig{
			{ID: AlgoVIPTier, Weight: 1, Enabled: true},
			{ID: AlgoOrderValue, Weight: 1, Enabled: false},
		},
	}
	in := scoringInput(100000, 0, 0)

	breakdown, err := scorer.Score(in, profile)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if _, present := breakdown.PerAlgorithm[AlgoOrderValue]; present {
		t.Error("disabled algorithm must not contribute")
	}
	// VIP + tier 2 => 70, weight 1.
	if breakdown.Total != 70 {
		t.Errorf("total = %v, want 70", breakdown.Total)
	}
}

func TestDeliveryUrgency_MonotonicAndSaturating(t *testing.T) {
	cfg := AlgorithmConfig{ID: AlgoDeliveryUrgency, Threshold: 10, Enabled: true}
	profile := DefaultProfile()

	prev := -1.0
	for _, minutes := range []time.Duration{90, 60, 40, 20, 11} {
		in := scoringInput(5000, minutes*time.Minute, 0)
		score := scoreDeliveryUrgency(in, cfg, profile)
		if score < prev {
			t.Errorf("urgency decreased as promised time approached: %v after %v", score, prev)
		}
		prev = score
	}

	// Inside the critical window and overdue both saturate.
	for _, minutes := range []time.Duration{10, 5, 0, -15} {
		in := scoringInput(5000, minutes*time.Minute, 0)
		if score := scoreDeliveryUrgency(in, cfg, profile); score != 100 {
			t.Errorf("urgency at %v minutes = %v, want 100", minutes, score)
		}
	}

	// No promised time means no urgency signal.
	in := scoringInput(5000, 0, 0)
	if score := scoreDeliveryUrgency(in, cfg, profile); score != 0 {
		t.Errorf("urgency without promised time = %v, want 0", score)
	}
}

func TestWaitTime_FairnessPressure(t *testing.T) {
	cfg := AlgorithmConfig{ID: AlgoWaitTime, Threshold: 45, Enabled: true}
	profile := DefaultProfile()

	fresh := scoreWaitTime(scoringInput(5000, 0, 0), cfg, profile)
	waiting := scoreWaitTime(scoringInput(5000, 0, 20*time.Minute), cfg, profile)
	starved := scoreWaitTime(scoringInput(5000, 0, 2*time.Hour), cfg, profile)

	if fresh != 0 {
		t.Errorf("fresh order wait score = %v, want 0", fresh)
	}
	if waiting <= fresh || starved <= waiting {
		t.Errorf("wait score not increasing: %v, %v, %v", fresh, waiting, starved)
	}
	if starved != 100 {
		t.Errorf("wait score past saturation = %v, want 100", starved)
	}
}

func TestOrderValue_Clamped(t *testing.T) {
	profile := DefaultProfile() // clamp 10..300
	cfg := AlgorithmConfig{ID: AlgoOrderValue, Enabled: true}

	if score := scoreOrderValue(scoringInput(500, 0, 0), cfg, profile); score != 0 {
		t.Errorf("below-min value score = %v, want 0", score)
	}
	if score := scoreOrderValue(scoringInput(100000, 0, 0), cfg, profile); score != 100 {
		t.Errorf("above-max value score = %v, want 100", score)
	}
	mid := scoreOrderValue(scoringInput(15500, 0, 0), cfg, profile) // $155 = midpoint
	if mid <= 0 || mid >= 100 {
		t.Errorf("midpoint value score = %v, want interior", mid)
	}
}

func TestProfileValidate(t *testing.T) {
	if err := DefaultProfile().Validate(); err != nil {
		t.Errorf("default profile invalid: %v", err)
	}

	bad := &Profile{ID: "x", Algorithms: []AlgorithmConfig{{ID: "mystery", Weight: 1, Enabled: true}}}
	if err := bad.Validate(); err == nil {
		t.Error("unknown algorithm should fail validation")
	}

	negative := &Profile{ID: "x", Algorithms: []AlgorithmConfig{{ID: AlgoVIPTier, Weight: -1, Enabled: true}}}
	if err := negative.Validate(); err == nil {
		t.Error("negative weight should fail validation")
	}

	emptyRange := &Profile{
		ID:         "x",
		Algorithms: []AlgorithmConfig{{ID: AlgoVIPTier, Weight: 1, Enabled: true}},
		Normalize:  true,
	}
	if err := emptyRange.Validate(); err == nil {
		t.Error("empty normalize range should fail validation")
	}
}

func TestApplicabilityWindow(t *testing.T) {
	noon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var nilWindow *ApplicabilityWindow
	if !nilWindow.AppliesTo("kitchen", noon) {
		t.Error("nil window applies everywhere")
	}

	w := &ApplicabilityWindow{QueueTypes: []string{"delivery"}, StartHour: 11, EndHour: 14}
	if w.AppliesTo("kitchen", noon) {
		t.Error("wrong queue type should not apply")
	}
	if !w.AppliesTo("delivery", noon) {
		t.Error("matching queue type in window should apply")
	}
	if w.AppliesTo("delivery", noon.Add(6*time.Hour)) {
		t.Error("outside hour range should not apply")
	}
}

func TestScore_Normalization(t *testing.T) {
	scorer := NewScorer()
	profile := &Profile{
		ID:           "norm",
		Algorithms:   []AlgorithmConfig{{ID: AlgoVIPTier, Weight: 1, Enabled: true}},
		Normalize:    true,
		NormalizeMin: 0,
		NormalizeMax: 200,
	}
	in := scoringInput(5000, 0, 0) // VIP tier 2 => 70

	breakdown, err := scorer.Score(in, profile)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if breakdown.Total != 70 {
		t.Errorf("total = %v, want 70", breakdown.Total)
	}
	if breakdown.Normalized != 35 {
		t.Errorf("normalized = %v, want 35", breakdown.Normalized)
	}
}
