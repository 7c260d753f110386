// Package team selects a concrete staff member from a team for an
// order, applying a configured load-balancing strategy under
// capability constraints. An empty eligible set is reported as
// ErrNoAssignableMember and callers fall through to fallback routing;
// it is never a fatal routing failure.
package team

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"order-router/internal/routing"
)

// Strategy names the member-selection algorithms.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastLoad  Strategy = "least_loaded"
	StrategySkillBased Strategy = "skill_based"
	StrategyWeighted   Strategy = "weighted"
)

var (
	// ErrNoAssignableMember is returned when a team has no active member
	// able to take the order. Treat as "fall through to fallback".
	ErrNoAssignableMember = errors.New("no assignable team member")

	// ErrUnknownStrategy is returned for an unconfigured strategy name.
	ErrUnknownStrategy = errors.New("unknown load balancing strategy")
)

// Member is one staff member as reported by the staff collaborator.
type Member struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	IsActive     bool     `json:"is_active"`
	Capabilities []string `json:"capabilities,omitempty"`
	Weight       int      `json:"weight"`
	ActiveOrders int      `json:"active_orders"`
}

// Team is a roster with its balancing configuration. Skill-based teams
// filter members by RequiredCapability first, then apply Secondary.
type Team struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Strategy           Strategy `json:"strategy"`
	Secondary          Strategy `json:"secondary,omitempty"`
	RequiredCapability string   `json:"required_capability,omitempty"`
	Members            []Member `json:"members"`
}

// Balancer assigns orders to team members. Round-robin cursors and the
// weighted RNG live here, keyed by team id, so assignment state
// survives across calls. Safe for concurrent use.
type Balancer struct {
	cursors map[string]int
	rng     *rand.Rand
	mu      sync.Mutex
}

// NewBalancer creates a balancer. The seed fixes the weighted
// strategy's stochastic choices; production wiring seeds from startup
// time, tests pass a constant.
func NewBalancer(seed int64) *Balancer {
	return &Balancer{
		cursors: make(map[string]int),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Assign picks a staff id for the order. Only active members
// participate; skill-based teams additionally require the configured
// capability. The order snapshot is available to strategies that
// discriminate by order attributes.
func (b *Balancer) Assign(team *Team, snap *routing.OrderSnapshot) (string, error) {
	if team == nil {
		return "", ErrNoAssignableMember
	}

	eligible := make([]Member, 0, len(team.Members))
	for _, m := range team.Members {
		if !m.IsActive {
			continue
		}
		eligible = append(eligible, m)
	}

	strategy := team.Strategy
	if strategy == StrategySkillBased {
		eligible = filterByCapability(eligible, team.RequiredCapability)
		strategy = team.Secondary
		if strategy == "" || strategy == StrategySkillBased {
			strategy = StrategyRoundRobin
		}
	}

	if len(eligible) == 0 {
		return "", fmt.Errorf("team %s: %w", team.ID, ErrNoAssignableMember)
	}

	// Stable member order so cursor arithmetic and tie-breaks are
	// deterministic regardless of roster ordering.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	switch strategy {
	case StrategyRoundRobin, "":
		return b.selectRoundRobin(team.ID, eligible), nil
	case StrategyLeastLoad:
		return selectLeastLoaded(eligible), nil
	case StrategyWeighted:
		return b.selectWeighted(eligible), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

func filterByCapability(members []Member, capability string) []Member {
	if capability == "" {
		return members
	}
	filtered := make([]Member, 0, len(members))
	for _, m := range members {
		for _, c := range m.Capabilities {
			if c == capability {
				filtered = append(filtered, m)
				break
			}
		}
	}
	return filtered
}

// selectRoundRobin rotates a per-team cursor over the eligible set.
func (b *Balancer) selectRoundRobin(teamID string, eligible []Member) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	index := b.cursors[teamID] % len(eligible)
	b.cursors[teamID] = (index + 1) % len(eligible)
	return eligible[index].ID
}

// selectLeastLoaded picks the minimum active-order count; the sort
// above makes the lower member id win ties.
func selectLeastLoaded(eligible []Member) string {
	best := eligible[0]
	for _, m := range eligible[1:] {
		if m.ActiveOrders < best.ActiveOrders {
			best = m
		}
	}
	return best.ID
}

// selectWeighted draws proportionally to member weight. Members with
// non-positive weight count as weight 1.
func (b *Balancer) selectWeighted(eligible []Member) string {
	total := 0
	for _, m := range eligible {
		total += normalizeWeight(m.Weight)
	}

	b.mu.Lock()
	draw := b.rng.Intn(total)
	b.mu.Unlock()

	running := 0
	for _, m := range eligible {
		running += normalizeWeight(m.Weight)
		if draw < running {
			return m.ID
		}
	}
	return eligible[len(eligible)-1].ID
}

func normalizeWeight(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}
