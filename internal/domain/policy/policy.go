package policy

import (
	"errors"
	"fmt"

	"github.com/Knetic/govaluate"

	"github.com/constituent/constituent/internal/domain/action"
)

var ErrUnknownActionType = errors.New("unknown action type")

// Classifier maps action types to governance tiers. The base tier comes
// from a static table fixed at construction; escalation rules may raise
// (never lower) the tier based on the proposed params.
type Classifier struct {
	levels      map[string]action.Level
	escalations map[string][]escalation
}

type escalation struct {
	expr  *govaluate.EvaluableExpression
	level action.Level
}

// NewClassifier builds a classifier over a static type→tier table.
func NewClassifier(levels map[string]action.Level) *Classifier {
	table := make(map[string]action.Level, len(levels))
	for t, l := range levels {
		table[t] = l
	}
	return &Classifier{
		levels:      table,
		escalations: make(map[string][]escalation),
	}
}

// AddEscalation registers a boolean expression over action params that
// raises the tier of the given action type when it evaluates to true,
// e.g. AddEscalation("financial_trade", "amount > 250", LevelHumanOnly).
// The expression is compiled here so malformed policy fails at startup.
func (c *Classifier) AddEscalation(actionType, expression string, level action.Level) error {
	if _, ok := c.levels[actionType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return fmt.Errorf("invalid escalation expression %q: %w", expression, err)
	}
	c.escalations[actionType] = append(c.escalations[actionType], escalation{expr: expr, level: level})
	return nil
}

// Classify returns the governance tier for a proposed action. The result
// is deterministic: the same type and params always yield the same tier.
func (c *Classifier) Classify(actionType string, params action.Params) (action.Level, error) {
	base, ok := c.levels[actionType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
	}
	level := base
	for _, esc := range c.escalations[actionType] {
		matched, err := evaluate(esc.expr, params)
		if err != nil {
			// A rule that cannot be evaluated against these params does
			// not match; the compile-time check keeps this rare.
			continue
		}
		if matched && rank(esc.level) > rank(level) {
			level = esc.level
		}
	}
	return level, nil
}

// Known reports whether the classifier has a base tier for the type.
func (c *Classifier) Known(actionType string) bool {
	_, ok := c.levels[actionType]
	return ok
}

func evaluate(expr *govaluate.EvaluableExpression, params action.Params) (bool, error) {
	env := make(map[string]interface{}, len(params))
	for k, v := range params {
		env[k] = v
	}
	result, err := expr.Evaluate(env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, errors.New("escalation expression did not evaluate to boolean")
	}
	return b, nil
}

func rank(l action.Level) int {
	switch l {
	case action.LevelAutonomous:
		return 1
	case action.LevelCoDecision:
		return 2
	case action.LevelHumanOnly:
		return 3
	}
	return 0
}
