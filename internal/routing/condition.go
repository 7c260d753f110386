package routing

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion identifies the field lookup table below. Bump when
// adding or renaming resolvable paths so stored rules can be audited
// against the schema they were written for.
const SchemaVersion = 1

// fieldResolver extracts one addressable value from the snapshot and
// evaluation context. Resolution goes through this fixed table, never
// through reflection over arbitrary paths.
type fieldResolver func(snap *OrderSnapshot, ec *EvalContext) (interface{}, error)

var fieldSchema = map[string]fieldResolver{
	"order.id": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		return s.ID, nil
	},
	"order.total": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		// Exposed in major units for rule literals like "order.total > 100".
		return float64(s.Total.Units) / 100, nil
	},
	"order.type": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		return s.Type, nil
	},
	"order.item_count": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		count := 0
		for _, item := range s.Items {
			count += item.Quantity
		}
		return float64(count), nil
	},
	"order.line_count": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		return float64(len(s.Items)), nil
	},
	"order.item_categories": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		categories := make([]string, 0, len(s.Items))
		for _, item := range s.Items {
			categories = append(categories, item.Category)
		}
		return categories, nil
	},
	"order.minutes_until_promised": func(s *OrderSnapshot, ec *EvalContext) (interface{}, error) {
		if s.PromisedAt.IsZero() {
			return nil, fmt.Errorf("order has no promised time")
		}
		return s.PromisedAt.Sub(ec.Now).Minutes(), nil
	},
	"order.age_minutes": func(s *OrderSnapshot, ec *EvalContext) (interface{}, error) {
		return ec.Now.Sub(s.CreatedAt).Minutes(), nil
	},
	"customer.id": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		return s.Customer.ID, nil
	},
	"customer.vip": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		return s.Customer.VIP, nil
	},
	"customer.loyalty_tier": func(s *OrderSnapshot, _ *EvalContext) (interface{}, error) {
		return float64(s.Customer.LoyaltyTier), nil
	},
}

// resolveField looks up a schema path. "context.<key>" paths resolve
// against the evaluation context attributes.
func resolveField(field string, snap *OrderSnapshot, ec *EvalContext) (interface{}, bool, error) {
	if key, ok := strings.CutPrefix(field, "context."); ok {
		value, exists := ec.Attributes[key]
		return value, exists, nil
	}
	resolver, ok := fieldSchema[field]
	if !ok {
		return nil, false, fmt.Errorf("unknown field path %q (schema v%d)", field, SchemaVersion)
	}
	value, err := resolver(snap, ec)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// SupportedOperators lists the comparison operators of the condition grammar.
func SupportedOperators() []string {
	return []string{"eq", "ne", "gt", "gte", "lt", "lte", "contains", "in", "exists", "between"}
}

// SupportedFields lists the resolvable schema paths, context.* excluded.
func SupportedFields() []string {
	fields := make([]string, 0, len(fieldSchema))
	for f := range fieldSchema {
		fields = append(fields, f)
	}
	return fields
}

// ConditionEvaluator evaluates a condition tree against an order
// snapshot. It is stateless and safe for concurrent use.
type ConditionEvaluator struct{}

// NewConditionEvaluator returns a condition evaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{}
}

// Evaluate walks the tree. Leaves inside an "and" group must all hold;
// children of an "or" group need one match. An empty group matches
// nothing under "or" and everything under "and".
func (e *ConditionEvaluator) Evaluate(node Node, snap *OrderSnapshot, ec *EvalContext) (bool, error) {
	switch n := node.(type) {
	case Leaf:
		return e.evaluateLeaf(n, snap, ec)
	case *Leaf:
		return e.evaluateLeaf(*n, snap, ec)
	case Group:
		return e.evaluateGroup(n, snap, ec)
	case *Group:
		return e.evaluateGroup(*n, snap, ec)
	default:
		return false, fmt.Errorf("unknown condition node type %T", node)
	}
}

func (e *ConditionEvaluator) evaluateGroup(g Group, snap *OrderSnapshot, ec *EvalContext) (bool, error) {
	switch g.Combinator {
	case CombinatorOr:
		for _, child := range g.Children {
			ok, err := e.Evaluate(child, snap, ec)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case CombinatorAnd, "":
		for _, child := range g.Children {
			ok, err := e.Evaluate(child, snap, ec)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown combinator %q", g.Combinator)
	}
}

func (e *ConditionEvaluator) evaluateLeaf(leaf Leaf, snap *OrderSnapshot, ec *EvalContext) (bool, error) {
	value, exists, err := resolveField(leaf.Field, snap, ec)
	if err != nil {
		return false, err
	}

	if leaf.Operator == "exists" {
		return exists && value != nil, nil
	}
	if !exists {
		return false, nil
	}

	switch leaf.Operator {
	case "eq":
		return compareEqual(value, leaf.Value)
	case "ne":
		equal, err := compareEqual(value, leaf.Value)
		return !equal, err
	case "gt", "gte", "lt", "lte":
		return compareNumeric(value, leaf.Operator, leaf.Value)
	case "contains":
		return evaluateContains(value, leaf.Value)
	case "in":
		return evaluateIn(value, leaf.Value)
	case "between":
		return evaluateBetween(value, leaf.Value)
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, leaf.Operator)
	}
}

func compareEqual(value, literal interface{}) (bool, error) {
	// Prefer numeric comparison when both sides convert cleanly, so
	// "3" and 3.0 and int 3 all agree.
	vn, vErr := toFloat64(value)
	ln, lErr := toFloat64(literal)
	if vErr == nil && lErr == nil {
		return vn == ln, nil
	}
	if vb, ok := value.(bool); ok {
		lb, ok := literal.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare bool against %T", literal)
		}
		return vb == lb, nil
	}
	return toString(value) == toString(literal), nil
}

func compareNumeric(value interface{}, operator string, literal interface{}) (bool, error) {
	vn, err := toFloat64(value)
	if err != nil {
		return false, fmt.Errorf("numeric operator %s on non-numeric field value: %w", operator, err)
	}
	ln, err := toFloat64(literal)
	if err != nil {
		return false, fmt.Errorf("numeric operator %s requires numeric literal: %w", operator, err)
	}

	switch operator {
	case "gt":
		return vn > ln, nil
	case "gte":
		return vn >= ln, nil
	case "lt":
		return vn < ln, nil
	case "lte":
		return vn <= ln, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, operator)
	}
}

func evaluateContains(value, literal interface{}) (bool, error) {
	needle := toString(literal)
	switch v := value.(type) {
	case string:
		return strings.Contains(v, needle), nil
	case []string:
		for _, item := range v {
			if item == needle {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("contains requires a string or list field, got %T", value)
	}
}

func evaluateIn(value, literal interface{}) (bool, error) {
	candidates, err := toStringList(literal)
	if err != nil {
		return false, fmt.Errorf("'in' operator: %w", err)
	}
	needle := toString(value)
	for _, c := range candidates {
		if needle == c {
			return true, nil
		}
	}
	return false, nil
}

func evaluateBetween(value, literal interface{}) (bool, error) {
	bounds, ok := literal.([]interface{})
	if !ok || len(bounds) != 2 {
		return false, fmt.Errorf("'between' requires a two-element bounds list")
	}
	vn, err := toFloat64(value)
	if err != nil {
		return false, fmt.Errorf("'between' on non-numeric field value: %w", err)
	}
	lo, err := toFloat64(bounds[0])
	if err != nil {
		return false, err
	}
	hi, err := toFloat64(bounds[1])
	if err != nil {
		return false, err
	}
	return vn >= lo && vn <= hi, nil
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

func toString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func toStringList(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		list := make([]string, len(v))
		for i, item := range v {
			list[i] = toString(item)
		}
		return list, nil
	case string:
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", value)
	}
}

// ValidateNode checks a condition tree against the schema and operator
// set without evaluating it. Used by the admin surface before a rule is
// accepted.
func ValidateNode(node Node) error {
	switch n := node.(type) {
	case Leaf:
		if n.Field == "" {
			return fmt.Errorf("%w: leaf has no field", ErrInvalidCondition)
		}
		if !strings.HasPrefix(n.Field, "context.") {
			if _, ok := fieldSchema[n.Field]; !ok {
				return fmt.Errorf("%w: unknown field %q", ErrInvalidCondition, n.Field)
			}
		}
		supported := false
		for _, op := range SupportedOperators() {
			if n.Operator == op {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("%w: %s", ErrUnsupportedOperator, n.Operator)
		}
		return nil
	case *Leaf:
		return ValidateNode(*n)
	case Group:
		if n.Combinator != CombinatorAnd && n.Combinator != CombinatorOr && n.Combinator != "" {
			return fmt.Errorf("%w: unknown combinator %q", ErrInvalidCondition, n.Combinator)
		}
		for _, child := range n.Children {
			if err := ValidateNode(child); err != nil {
				return err
			}
		}
		return nil
	case *Group:
		return ValidateNode(*n)
	default:
		return fmt.Errorf("%w: unknown node type %T", ErrInvalidCondition, node)
	}
}
