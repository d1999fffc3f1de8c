package model

import (
	"fmt"
)

// Operator is the comparison applied by an alert condition
type Operator string

const (
	OpGreaterThan Operator = ">"
	OpLessThan    Operator = "<"
	OpEqual       Operator = "="
	OpNotEqual    Operator = "≠"
	OpBetween     Operator = "between"
)

// ParseOperator normalizes user input, accepting "!=" for OpNotEqual
func ParseOperator(s string) (Operator, error) {
	switch s {
	case ">":
		return OpGreaterThan, nil
	case "<":
		return OpLessThan, nil
	case "=", "==":
		return OpEqual, nil
	case "≠", "!=":
		return OpNotEqual, nil
	case "between":
		return OpBetween, nil
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrEvaluation, s)
	}
}

// Valid reports whether o is a supported operator
func (o Operator) Valid() bool {
	_, err := ParseOperator(string(o))
	return err == nil
}

// Evaluate applies the condition to value.
// Malformed conditions return ErrEvaluation rather than false.
func (c Condition) Evaluate(value float64) (bool, error) {
	op, err := ParseOperator(string(c.Operator))
	if err != nil {
		return false, err
	}

	switch op {
	case OpGreaterThan:
		return value > c.Value, nil
	case OpLessThan:
		return value < c.Value, nil
	case OpEqual:
		return value == c.Value, nil
	case OpNotEqual:
		return value != c.Value, nil
	case OpBetween:
		if len(c.Range) != 2 {
			return false, fmt.Errorf("%w: between needs [low, high], got %d values", ErrEvaluation, len(c.Range))
		}
		low, high := c.Range[0], c.Range[1]
		if low > high {
			return false, fmt.Errorf("%w: between bounds inverted (%v > %v)", ErrEvaluation, low, high)
		}
		return value >= low && value <= high, nil
	}

	return false, fmt.Errorf("%w: unhandled operator %q", ErrEvaluation, op)
}

// Threshold renders the condition's comparison value for messages
func (c Condition) Threshold() string {
	if c.Operator == OpBetween && len(c.Range) == 2 {
		return fmt.Sprintf("[%v, %v]", c.Range[0], c.Range[1])
	}
	return fmt.Sprintf("%v", c.Value)
}
