package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constituent/constituent/internal/domain/action"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(map[string]action.Level{
		"like_post":       action.LevelAutonomous,
		"publish_post":    action.LevelCoDecision,
		"financial_trade": action.LevelCoDecision,
		"token_burn":      action.LevelHumanOnly,
	})
}

func TestClassifier_Classify(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name       string
		actionType string
		expected   action.Level
	}{
		{name: "autonomous", actionType: "like_post", expected: action.LevelAutonomous},
		{name: "co-decision", actionType: "publish_post", expected: action.LevelCoDecision},
		{name: "human-only", actionType: "token_burn", expected: action.LevelHumanOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := c.Classify(tt.actionType, action.Params{})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestClassifier_UnknownType(t *testing.T) {
	c := newTestClassifier(t)

	_, err := c.Classify("launch_rocket", action.Params{})
	assert.ErrorIs(t, err, ErrUnknownActionType)
	assert.False(t, c.Known("launch_rocket"))
	assert.True(t, c.Known("like_post"))
}

func TestClassifier_Deterministic(t *testing.T) {
	c := newTestClassifier(t)
	params := action.Params{"amount": 100.0}

	first, err := c.Classify("financial_trade", params)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		level, err := c.Classify("financial_trade", params)
		require.NoError(t, err)
		assert.Equal(t, first, level)
	}
}

func TestClassifier_Escalation(t *testing.T) {
	c := newTestClassifier(t)
	require.NoError(t, c.AddEscalation("financial_trade", "amount > 250", action.LevelHumanOnly))
	require.NoError(t, c.AddEscalation("like_post", "suspicious == true", action.LevelCoDecision))

	t.Run("below threshold keeps base tier", func(t *testing.T) {
		level, err := c.Classify("financial_trade", action.Params{"amount": 100.0})
		require.NoError(t, err)
		assert.Equal(t, action.LevelCoDecision, level)
	})

	t.Run("above threshold escalates", func(t *testing.T) {
		level, err := c.Classify("financial_trade", action.Params{"amount": 500.0})
		require.NoError(t, err)
		assert.Equal(t, action.LevelHumanOnly, level)
	})

	t.Run("boolean escalation", func(t *testing.T) {
		level, err := c.Classify("like_post", action.Params{"suspicious": true})
		require.NoError(t, err)
		assert.Equal(t, action.LevelCoDecision, level)
	})

	t.Run("matching rule never lowers the tier", func(t *testing.T) {
		require.NoError(t, c.AddEscalation("token_burn", "amount > 0", action.LevelAutonomous))
		level, err := c.Classify("token_burn", action.Params{"amount": 1.0})
		require.NoError(t, err)
		assert.Equal(t, action.LevelHumanOnly, level)
	})

	t.Run("rule referencing absent param is skipped", func(t *testing.T) {
		level, err := c.Classify("financial_trade", action.Params{})
		require.NoError(t, err)
		assert.Equal(t, action.LevelCoDecision, level)
	})
}

func TestClassifier_AddEscalation_Errors(t *testing.T) {
	c := newTestClassifier(t)

	t.Run("unknown action type", func(t *testing.T) {
		err := c.AddEscalation("launch_rocket", "amount > 250", action.LevelHumanOnly)
		assert.ErrorIs(t, err, ErrUnknownActionType)
	})

	t.Run("malformed expression fails at registration", func(t *testing.T) {
		err := c.AddEscalation("financial_trade", "amount >>> 250", action.LevelHumanOnly)
		assert.Error(t, err)
	})
}
