package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies an application error. The routing/queue/split
// taxonomy mirrors the behaviour contract: only invalid_transition and
// split_mismatch abort their enclosing operation; everything else is
// contained and logged where it occurs.
type ErrorType string

const (
	// ErrTypeRuleEvaluation marks a malformed condition or missing field
	// during rule evaluation. The rule is skipped, the order still routes.
	ErrTypeRuleEvaluation ErrorType = "rule_evaluation"
	// ErrTypeNoAssignableTarget marks a team or station with no eligible
	// member. Callers fall through to fallback routing.
	ErrTypeNoAssignableTarget ErrorType = "no_assignable_target"
	// ErrTypePriorityConflict marks same-priority active rules. Reported,
	// never blocking; decisions stay deterministic.
	ErrTypePriorityConflict ErrorType = "priority_conflict"
	// ErrTypeInvalidTransition marks a rejected queue status change.
	ErrTypeInvalidTransition ErrorType = "invalid_transition"
	// ErrTypeSplitMismatch marks split/merge amounts that fail to
	// reconcile to the minor currency unit. The transaction aborts.
	ErrTypeSplitMismatch ErrorType = "split_mismatch"
	// ErrTypeSplitConflict marks a concurrent split attempt that lost the
	// per-parent lock race with overlapping targets.
	ErrTypeSplitConflict ErrorType = "split_conflict"

	// ErrTypeValidation marks rejected input on the admin surface.
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeNotFound marks a missing record.
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeTimeout marks a collaborator lookup that exceeded its bound.
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeConfig marks configuration errors.
	ErrTypeConfig ErrorType = "config"
	// ErrTypeInternal marks unexpected internal failures.
	ErrTypeInternal ErrorType = "internal"
)

// Storage sentinels. They live here rather than in the storage package
// so domain packages consumed by storage can still match on them with
// errors.Is; storage re-exports them under its own names.
var (
	ErrRecordNotFound = errors.New("storage: record not found")
	ErrDuplicateKey   = errors.New("storage: duplicate key")
)

// AppError is a structured application error carrying a type, an
// optional cause and free-form context for logging.
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}
	if len(e.Context) > 0 {
		ctx := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			ctx = append(ctx, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(ctx, ", ")))
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error { return e.Cause }

// WithContext attaches a key/value pair for diagnostics.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// RuleEvaluationError wraps a per-rule evaluation failure.
func RuleEvaluationError(ruleID string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeRuleEvaluation,
		Message: fmt.Sprintf("rule %s failed to evaluate", ruleID),
		Cause:   cause,
	}
}

// NoAssignableTargetError reports an empty eligible-member set.
func NoAssignableTargetError(targetKind, targetID string) *AppError {
	return &AppError{
		Type:    ErrTypeNoAssignableTarget,
		Message: fmt.Sprintf("%s %s has no assignable member", targetKind, targetID),
	}
}

// InvalidTransitionError reports a rejected queue status change.
func InvalidTransitionError(from, to string) *AppError {
	return &AppError{
		Type:    ErrTypeInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

// SplitMismatchError reports split amounts that do not reconcile.
func SplitMismatchError(msg string) *AppError {
	return &AppError{Type: ErrTypeSplitMismatch, Message: msg}
}

// SplitConflictError reports a lost per-parent lock race.
func SplitConflictError(parentOrderID string) *AppError {
	return &AppError{
		Type:    ErrTypeSplitConflict,
		Message: fmt.Sprintf("concurrent split in progress for order %s", parentOrderID),
	}
}

// ValidationError reports rejected input.
func ValidationError(msg string) *AppError {
	return &AppError{Type: ErrTypeValidation, Message: msg}
}

// NotFoundError reports a missing record.
func NotFoundError(resource string) *AppError {
	return &AppError{Type: ErrTypeNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

// TimeoutError reports a collaborator call that exceeded its deadline.
func TimeoutError(operation string) *AppError {
	return &AppError{Type: ErrTypeTimeout, Message: fmt.Sprintf("timeout during %s", operation)}
}

// ConfigError reports invalid configuration.
func ConfigError(msg string) *AppError {
	return &AppError{Type: ErrTypeConfig, Message: msg}
}

// InternalError reports an unexpected failure.
func InternalError(msg string, cause error) *AppError {
	return &AppError{Type: ErrTypeInternal, Message: msg, Cause: cause}
}

// IsType reports whether err (or anything it wraps) is an AppError of
// the given type.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// GetType returns the error type, defaulting to internal for foreign errors.
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ErrTypeInternal
	}
	return appErr.Type
}
