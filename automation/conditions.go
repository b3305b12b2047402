package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ComparisonMode selects how condition literals are compared with record values
type ComparisonMode string

const (
	// CompareLoose treats numbers, numeric strings and booleans as equal when
	// they denote the same number ("3" equals 3, true equals 1).
	CompareLoose ComparisonMode = "loose"
	// CompareStrict only equates values of the same kind. Numeric values of
	// different Go types still compare numerically.
	CompareStrict ComparisonMode = "strict"
)

// ParseComparisonMode parses a configured comparison mode; "" means loose
func ParseComparisonMode(s string) (ComparisonMode, error) {
	switch ComparisonMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompareLoose:
		return CompareLoose, nil
	case CompareStrict:
		return CompareStrict, nil
	default:
		return "", fmt.Errorf("unknown comparison mode %q (use loose or strict)", s)
	}
}

// expressionCostLimit bounds the work a single CEL condition may do
const expressionCostLimit = 1000000

// operand is everything an operator needs to decide one condition
type operand struct {
	condition Condition
	value     any
	event     *ChangeEvent
}

type operatorFunc func(op operand) (bool, error)

// ConditionEvaluator decides whether a rule's conditions hold for an event.
// It is safe for concurrent use; compiled CEL programs are cached by source.
type ConditionEvaluator struct {
	mode      ComparisonMode
	operators map[Operator]operatorFunc
	env       *cel.Env
	programs  map[string]cel.Program
	mu        sync.RWMutex
}

// NewConditionEvaluator creates an evaluator with every supported operator
func NewConditionEvaluator(mode ComparisonMode) (*ConditionEvaluator, error) {
	if mode == "" {
		mode = CompareLoose
	}

	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("previous", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ce := &ConditionEvaluator{
		mode:     mode,
		env:      env,
		programs: make(map[string]cel.Program),
	}

	ce.operators = map[Operator]operatorFunc{
		OpEquals:      ce.opEquals,
		OpNotEquals:   ce.opNotEquals,
		OpGreaterThan: ce.opGreaterThan,
		OpLessThan:    ce.opLessThan,
		OpContains:    ce.opContains,
		OpIn:          ce.opIn,
		OpChanged:     ce.opChanged,
		OpExpression:  ce.opExpression,
	}

	return ce, nil
}

// Mode returns the comparison mode in effect
func (ce *ConditionEvaluator) Mode() ComparisonMode {
	return ce.mode
}

// Supports reports whether op is a known operator
func (ce *ConditionEvaluator) Supports(op Operator) bool {
	_, ok := ce.operators[op]
	return ok
}

// Evaluate reports whether every condition holds for the event's record.
// An empty list holds. Evaluation stops at the first false condition.
// Conditions that cannot be decided (unknown operator, broken expression)
// count as false and are returned as problems so callers can surface them.
func (ce *ConditionEvaluator) Evaluate(conditions []Condition, event *ChangeEvent) (bool, []error) {
	var problems []error
	for _, condition := range conditions {
		ok, err := ce.evaluateCondition(condition, event)
		if err != nil {
			problems = append(problems, err)
		}
		if !ok {
			return false, problems
		}
	}
	return true, problems
}

func (ce *ConditionEvaluator) evaluateCondition(condition Condition, event *ChangeEvent) (bool, error) {
	opFunc, exists := ce.operators[condition.Operator]
	if !exists {
		return false, &EvaluationError{
			Field:    condition.Field,
			Operator: condition.Operator,
			Message:  "unsupported operator",
		}
	}

	result, err := opFunc(operand{
		condition: condition,
		value:     event.Record[condition.Field],
		event:     event,
	})
	if err != nil {
		var evalErr *EvaluationError
		if errors.As(err, &evalErr) {
			return false, err
		}
		return false, &EvaluationError{
			Field:    condition.Field,
			Operator: condition.Operator,
			Message:  "operator execution failed",
			Err:      err,
		}
	}

	return result, nil
}

// CompileExpression compiles and caches a CEL condition expression.
// The expression sees the changed record as `record` and the prior state
// as `previous` (empty for created entities).
func (ce *ConditionEvaluator) CompileExpression(expression string) (cel.Program, error) {
	ce.mu.RLock()
	prog, ok := ce.programs[expression]
	ce.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := ce.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := ce.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	ce.mu.Lock()
	ce.programs[expression] = prog
	ce.mu.Unlock()

	return prog, nil
}

// Operator implementations

func (ce *ConditionEvaluator) opEquals(op operand) (bool, error) {
	return ce.equal(op.value, op.condition.Value), nil
}

func (ce *ConditionEvaluator) opNotEquals(op operand) (bool, error) {
	return !ce.equal(op.value, op.condition.Value), nil
}

func (ce *ConditionEvaluator) opGreaterThan(op operand) (bool, error) {
	cmp, ok := ce.compare(op.value, op.condition.Value)
	return ok && cmp > 0, nil
}

func (ce *ConditionEvaluator) opLessThan(op operand) (bool, error) {
	cmp, ok := ce.compare(op.value, op.condition.Value)
	return ok && cmp < 0, nil
}

func (ce *ConditionEvaluator) opContains(op operand) (bool, error) {
	switch field := op.value.(type) {
	case string:
		needle, ok := op.condition.Value.(string)
		if !ok {
			if ce.mode == CompareStrict || op.condition.Value == nil {
				return false, nil
			}
			needle = scalarString(op.condition.Value)
		}
		return strings.Contains(field, needle), nil
	case []any:
		for _, elem := range field {
			if ce.equal(elem, op.condition.Value) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

func (ce *ConditionEvaluator) opIn(op operand) (bool, error) {
	candidates, ok := op.condition.Value.([]any)
	if !ok {
		return false, &EvaluationError{
			Field:    op.condition.Field,
			Operator: op.condition.Operator,
			Message:  "value must be an array",
		}
	}
	for _, candidate := range candidates {
		if ce.equal(op.value, candidate) {
			return true, nil
		}
	}
	return false, nil
}

func (ce *ConditionEvaluator) opChanged(op operand) (bool, error) {
	if op.event.PreviousRecord == nil {
		return false, nil
	}
	previous := op.event.PreviousRecord[op.condition.Field]
	if ce.equal(op.value, previous) {
		return false, nil
	}
	if op.condition.Value == nil {
		return true, nil
	}
	return ce.equal(op.value, op.condition.Value), nil
}

func (ce *ConditionEvaluator) opExpression(op operand) (bool, error) {
	expression, ok := op.condition.Value.(string)
	if !ok || strings.TrimSpace(expression) == "" {
		return false, &EvaluationError{
			Field:    op.condition.Field,
			Operator: op.condition.Operator,
			Message:  "value must be a CEL expression string",
		}
	}

	prog, err := ce.CompileExpression(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prog.Eval(map[string]any{
		"record":   celRecord(op.event.Record),
		"previous": celRecord(op.event.PreviousRecord),
	})
	if err != nil {
		return false, err
	}

	// Non-boolean results never satisfy a condition
	matched, _ := out.Value().(bool)
	return matched, nil
}

// celRecord copies a record for CEL, turning json.Number into int64 or
// double. A nil record becomes an empty map.
func celRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = celValue(v)
	}
	return out
}

func celValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		return celRecord(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = celValue(elem)
		}
		return out
	default:
		return v
	}
}

// Value comparison helpers

func (ce *ConditionEvaluator) equal(a, b any) bool {
	if ce.mode == CompareStrict {
		return strictEqual(a, b)
	}
	return looseEqual(a, b)
}

// compare orders two values. ok is false when they are not comparable.
func (ce *ConditionEvaluator) compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}

	var an, bn float64
	var aNum, bNum bool
	if ce.mode == CompareStrict {
		an, aNum = toFloat64(a)
		bn, bNum = toFloat64(b)
	} else {
		an, aNum = looseNumber(a)
		bn, bNum = looseNumber(b)
		// two strings always order lexically
		if _, aStr := a.(string); aStr {
			if _, bStr := b.(string); bStr {
				aNum, bNum = false, false
			}
		}
	}
	if aNum && bNum {
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ai, bi, ok := integerPair(a, b); ok {
		return ai == bi
	}
	an, aNum := toFloat64(a)
	bn, bNum := toFloat64(b)
	if aNum || bNum {
		return aNum && bNum && an == bn
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// looseEqual follows the abstract equality rules of the task UI's scripting
// runtime for primitives: booleans become 0/1, strings holding numbers compare
// numerically with numbers, null only equals null.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ab, ok := a.(bool); ok {
		a = boolNumber(ab)
	}
	if bb, ok := b.(bool); ok {
		b = boolNumber(bb)
	}

	if ai, bi, ok := integerPair(a, b); ok {
		return ai == bi
	}
	an, aNum := toFloat64(a)
	bn, bNum := toFloat64(b)
	switch {
	case aNum && bNum:
		return an == bn
	case aNum:
		if s, ok := b.(string); ok {
			n, ok := parseLooseNumber(s)
			return ok && n == an
		}
		return false
	case bNum:
		if s, ok := a.(string); ok {
			n, ok := parseLooseNumber(s)
			return ok && n == bn
		}
		return false
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	return reflect.DeepEqual(a, b)
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// looseNumber coerces numbers, numeric strings and booleans to float64
func looseNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case bool:
		return boolNumber(val), true
	case string:
		return parseLooseNumber(val)
	default:
		return toFloat64(val)
	}
}

func parseLooseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "inf", "infinity", "nan":
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// integerPair reports both values as int64 when both are integers, so keys
// beyond float64 precision compare exactly
func integerPair(a, b any) (int64, int64, bool) {
	ai, aok := exactInteger(a)
	bi, bok := exactInteger(b)
	return ai, bi, aok && bok
}

func exactInteger(v any) (int64, bool) {
	switch val := v.(type) {
	case json.Number:
		i, err := val.Int64()
		return i, err == nil
	case int:
		return int64(val), true
	case int64:
		return val, true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		n, err := val.Float64()
		return n, err == nil
	default:
		return 0, false
	}
}
