package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanRegistry(t *testing.T) {
	registry := NewPlanRegistry(map[string]*PlanConfig{
		"github": {Cards: []PlanCardConfig{{CardType: "full_report"}}},
	})

	assert.True(t, registry.Has("github"))
	assert.False(t, registry.Has("scholar"))
	assert.Equal(t, 1, registry.Len())
	assert.ElementsMatch(t, []string{"github"}, registry.Sources())

	plan, err := registry.Get("github")
	require.NoError(t, err)
	assert.Len(t, plan.Cards, 1)

	_, err = registry.Get("scholar")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestMergePlansUserReplacesWholesale(t *testing.T) {
	builtin := map[string]PlanConfig{
		"github": {Cards: []PlanCardConfig{
			{CardType: "resource.github.profile"},
			{CardType: "full_report"},
		}},
		"scholar": {Cards: []PlanCardConfig{
			{CardType: "full_report"},
		}},
	}
	user := map[string]PlanConfig{
		"github": {Cards: []PlanCardConfig{
			{CardType: "full_report"},
		}},
	}

	merged := mergePlans(builtin, user)

	// User github plan replaces the built-in one entirely.
	require.Contains(t, merged, "github")
	assert.Len(t, merged["github"].Cards, 1)

	// Untouched sources keep the built-in plan.
	require.Contains(t, merged, "scholar")
	assert.Len(t, merged["scholar"].Cards, 1)
}

func TestMergePlansNewSource(t *testing.T) {
	builtin := map[string]PlanConfig{
		"github": {Cards: []PlanCardConfig{{CardType: "full_report"}}},
	}
	user := map[string]PlanConfig{
		"mastodon": {Cards: []PlanCardConfig{{CardType: "full_report"}}},
	}

	merged := mergePlans(builtin, user)

	assert.Len(t, merged, 2)
	assert.Contains(t, merged, "mastodon")
}
