// Package condition evaluates the predicates held by condition nodes.
package condition

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/template"
)

var (
	ErrEmptyPredicate     = errors.New("predicate is empty")
	ErrAmbiguousPredicate = errors.New("predicate mixes comparison, expression and combinators")
	ErrUnknownOperator    = errors.New("unknown operator")
)

// Evaluate reports whether predicate holds for the execution context.
// Anything that cannot be evaluated counts as false.
func Evaluate(predicate models.Predicate, executionCtx *models.ExecutionContext) bool {
	ok, _ := Check(predicate, executionCtx)

	return ok
}

// Check is Evaluate with the reason a predicate could not be evaluated.
// Missing fields and type mismatches are false without an error.
func Check(predicate models.Predicate, executionCtx *models.ExecutionContext) (bool, error) {
	err := checkShape(predicate)
	if err != nil {
		return false, err
	}

	if executionCtx == nil {
		executionCtx = &models.ExecutionContext{}
	}

	return check(predicate, executionCtx.Data())
}

// Validate checks a predicate statically: shape, operators, regular expressions and templates.
func Validate(predicate models.Predicate) error {
	err := checkShape(predicate)
	if err != nil {
		return err
	}

	switch {
	case predicate.Expression != "":
		return template.Validate(predicate.Expression)
	case predicate.Not != nil:
		return Validate(*predicate.Not)
	case len(predicate.All) > 0 || len(predicate.Any) > 0:
		for _, child := range slices.Concat(predicate.All, predicate.Any) {
			err = Validate(child)
			if err != nil {
				return err
			}
		}

		return nil
	default:
		op, _ := lookupOperator(predicate.Operator)
		if op == opMatches {
			_, err = compilePattern(predicate.Value)
		}

		return err
	}
}

func checkShape(predicate models.Predicate) error {
	forms := 0

	if predicate.Field != "" || predicate.Operator != "" {
		forms++
	}

	if predicate.Expression != "" {
		forms++
	}

	if len(predicate.All) > 0 || len(predicate.Any) > 0 || predicate.Not != nil {
		forms++
	}

	if forms == 0 {
		return ErrEmptyPredicate
	}

	if forms > 1 {
		return ErrAmbiguousPredicate
	}

	if predicate.Field != "" || predicate.Operator != "" {
		if predicate.Field == "" {
			return errors.New("comparison has no field")
		}

		if _, ok := lookupOperator(predicate.Operator); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownOperator, predicate.Operator)
		}
	}

	return nil
}

func check(predicate models.Predicate, data map[string]any) (bool, error) {
	switch {
	case predicate.Expression != "":
		return checkExpression(predicate.Expression, data)
	case predicate.Not != nil:
		ok, err := check(*predicate.Not, data)
		if err != nil {
			return false, err
		}

		return !ok, nil
	case len(predicate.All) > 0:
		for _, child := range predicate.All {
			ok, err := check(child, data)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	case len(predicate.Any) > 0:
		for _, child := range predicate.Any {
			ok, err := check(child, data)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	default:
		op, ok := lookupOperator(predicate.Operator)
		if !ok {
			return false, fmt.Errorf("%w: %q", ErrUnknownOperator, predicate.Operator)
		}

		actual, found := Resolve(predicate.Field, data)

		return compare(op, actual, found, predicate.Value)
	}
}

func checkExpression(expression string, data map[string]any) (bool, error) {
	result, err := template.RenderPure(expression, data)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case string:
		return false, fmt.Errorf("expression rendered %q, not a boolean", v)
	default:
		return false, fmt.Errorf("expression rendered %v, not a boolean", v)
	}
}

// Resolve looks up a dotted path. Paths rooted at "trigger", "steps" or "run"
// are read from the execution data; any other path is read from the trigger payload.
// Those root names take precedence over payload keys of the same name, so a
// payload field called "steps" must be addressed as "trigger.steps".
func Resolve(path string, data map[string]any) (any, bool) {
	segments := strings.Split(path, ".")

	var current any = data
	if _, rooted := data[segments[0]]; !rooted {
		current = data["trigger"]
	}

	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = value
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}
