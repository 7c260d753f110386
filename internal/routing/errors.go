package routing

import "errors"

var (
	// ErrRuleNotFound is returned when a routing rule is not found
	ErrRuleNotFound = errors.New("routing rule not found")

	// ErrInvalidRule is returned when a routing rule is invalid
	ErrInvalidRule = errors.New("invalid routing rule")

	// ErrInvalidCondition is returned when a rule condition is invalid
	ErrInvalidCondition = errors.New("invalid rule condition")

	// ErrUnsupportedOperator is returned when an unsupported operator is used
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrNoRuleMatched is returned internally when no active rule matched;
	// callers of Evaluate never see it because fallback routing absorbs it
	ErrNoRuleMatched = errors.New("no routing rule matched")
)
