package routing

import (
	"context"
	"sort"
	"sync"

	"order-router/internal/common/logging"
)

// Engine evaluates routing rules against order snapshots. It is
// thread-safe; the rule set is swapped atomically on configuration
// change. The engine performs no I/O during evaluation — side effects
// requested by a matched rule ride on the decision as an ordered
// action list for the caller to execute.
type Engine struct {
	rules     []*Rule
	evaluator *ConditionEvaluator
	fallback  *FallbackRouter
	logger    logging.Logger
	mu        sync.RWMutex
}

// NewEngine creates a rule engine with the given fallback router.
func NewEngine(fallback *FallbackRouter, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Engine{
		rules:     make([]*Rule, 0),
		evaluator: NewConditionEvaluator(),
		fallback:  fallback,
		logger:    logger,
	}
}

// ReplaceRules swaps the rule set. Called by the configuration
// collaborator whenever rules change; invalid rules are rejected as a
// batch so the active set never holds a rule the evaluator cannot parse.
func (e *Engine) ReplaceRules(rules []*Rule) error {
	for _, rule := range rules {
		if err := validateRule(rule); err != nil {
			return err
		}
	}

	copied := make([]*Rule, len(rules))
	copy(copied, rules)

	e.mu.Lock()
	e.rules = copied
	e.mu.Unlock()
	return nil
}

// Rules returns a snapshot copy of the configured rule set.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]*Rule, len(e.rules))
	copy(rules, e.rules)
	return rules
}

// Evaluate routes one order snapshot. Active rules within their
// schedule window are tried in (priority desc, id asc) order; the
// first rule whose condition tree holds wins and evaluation stops. A
// rule that fails to evaluate is skipped with a warning — one bad rule
// never blocks routing. When nothing matches, or the caller's deadline
// expires mid-evaluation, the fallback decision is returned. Evaluate
// never returns an error past its boundary.
func (e *Engine) Evaluate(ctx context.Context, snap *OrderSnapshot, ec *EvalContext) *Decision {
	e.mu.RLock()
	rules := make([]*Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	eligible := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Status != RuleActive {
			continue
		}
		if !rule.Schedule.Contains(ec.Now) {
			continue
		}
		eligible = append(eligible, rule)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ID < eligible[j].ID
	})

	for _, rule := range eligible {
		if ctx.Err() != nil {
			e.logger.Warn("routing evaluation deadline expired, using fallback",
				logging.String("order_id", snap.ID))
			return e.fallback.Decide()
		}

		matched, err := e.evaluator.Evaluate(rule.Root, snap, ec)
		if err != nil {
			e.logger.Warn("skipping broken rule",
				logging.Int64("rule_id", rule.ID),
				logging.String("rule_name", rule.Name),
				logging.String("order_id", snap.ID),
				logging.Err(err))
			continue
		}
		if !matched {
			continue
		}

		ruleID := rule.ID
		decision := &Decision{
			MatchedRuleID: &ruleID,
			TargetType:    rule.Target,
			TargetID:      rule.TargetID,
			Actions:       append([]Action(nil), rule.Actions...),
		}

		if conflict := conflictAt(eligible, rule.Priority); conflict != nil {
			decision.Conflict = conflict
			e.logger.Warn("priority conflict among active rules",
				logging.Int("priority", conflict.Priority),
				logging.Int64("winning_rule_id", rule.ID))
		}

		return decision
	}

	return e.fallback.Decide()
}

// Fallback returns the fallback decision without evaluating any rule.
// Used by callers whose post-decision steps fail, e.g. an unassignable
// team target.
func (e *Engine) Fallback() *Decision {
	return e.fallback.Decide()
}

// conflictAt reports the set of eligible rules sharing the given
// priority, or nil when the priority is unique.
func conflictAt(eligible []*Rule, priority int) *ConflictInfo {
	var ids []int64
	for _, r := range eligible {
		if r.Priority == priority {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) < 2 {
		return nil
	}
	return &ConflictInfo{Priority: priority, RuleIDs: ids}
}

// ConflictReport lists every pair of active rules sharing a priority
// value. Querying the report never alters decisions.
func (e *Engine) ConflictReport() []ConflictPair {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byPriority := make(map[int][]int64)
	for _, rule := range e.rules {
		if rule.Status != RuleActive {
			continue
		}
		byPriority[rule.Priority] = append(byPriority[rule.Priority], rule.ID)
	}

	var pairs []ConflictPair
	for priority, ids := range byPriority {
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				pairs = append(pairs, ConflictPair{Priority: priority, RuleA: ids[i], RuleB: ids[j]})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Priority != pairs[j].Priority {
			return pairs[i].Priority > pairs[j].Priority
		}
		if pairs[i].RuleA != pairs[j].RuleA {
			return pairs[i].RuleA < pairs[j].RuleA
		}
		return pairs[i].RuleB < pairs[j].RuleB
	})
	return pairs
}

func validateRule(rule *Rule) error {
	if rule == nil {
		return ErrInvalidRule
	}
	if rule.Name == "" {
		return ErrInvalidRule
	}
	switch rule.Target {
	case TargetStation, TargetStaff, TargetTeam, TargetQueue:
	default:
		return ErrInvalidRule
	}
	if rule.TargetID == "" {
		return ErrInvalidRule
	}
	return ValidateNode(rule.Root)
}
