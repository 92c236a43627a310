package config

import "sync"

// BuiltinConfig holds all built-in configuration data: the per-source
// card plans plus system defaults. User YAML overrides entries by key.
type BuiltinConfig struct {
	Plans map[string]PlanConfig
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration.
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Plans: map[string]PlanConfig{
			"github":   builtinGitHubPlan(),
			"scholar":  builtinScholarPlan(),
			"linkedin": builtinLinkedInPlan(),
		},
	}
}

// builtinGitHubPlan is the GitHub analysis DAG. The profile resource
// lands first and seeds a preview prefill; the heavy data fetch feeds
// the LLM enrichment and every user-facing card.
func builtinGitHubPlan() PlanConfig {
	return PlanConfig{
		Cards: []PlanCardConfig{
			{
				CardType:         "resource.github.profile",
				ConcurrencyGroup: "scrape:github",
				BudgetMS:         10_000,
				Idempotent:       true,
			},
			{
				CardType:  "resource.github.preview",
				DependsOn: []string{"resource.github.profile"},
			},
			{
				CardType:         "resource.github.data",
				DependsOn:        []string{"resource.github.profile"},
				ConcurrencyGroup: "scrape:github",
				BudgetMS:         25_000,
				Idempotent:       true,
			},
			{
				CardType:         "resource.github.enrich",
				DependsOn:        []string{"resource.github.data"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "github.enrich"},
			},
			{
				CardType:  "profile",
				DependsOn: []string{"resource.github.profile"},
			},
			{
				CardType:  "activity",
				DependsOn: []string{"resource.github.data"},
			},
			{
				CardType:         "repos",
				DependsOn:        []string{"resource.github.data"},
				OptionalDeps:     []string{"resource.github.enrich"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "best_pr"},
				BudgetMS:         20_000,
			},
			{
				CardType:         "role_model",
				DependsOn:        []string{"resource.github.data"},
				OptionalDeps:     []string{"resource.github.enrich"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "role_model"},
				Streaming: &StreamingSpecConfig{
					Field:  "text",
					Format: "markdown",
					Route:  "linear",
				},
			},
			{
				CardType:         "roast",
				DependsOn:        []string{"resource.github.profile", "resource.github.data"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "roast"},
				Streaming: &StreamingSpecConfig{
					Field:  "text",
					Format: "markdown",
					Route:  "linear",
				},
			},
			{
				CardType:         "summary",
				DependsOn:        []string{"resource.github.data"},
				OptionalDeps:     []string{"resource.github.enrich"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "summary"},
				Streaming: &StreamingSpecConfig{
					Field:    "text",
					Format:   "markdown",
					Sections: []string{"overview", "strengths", "risks"},
					Route:    "marker",
				},
			},
			{
				CardType: "full_report",
				OptionalDeps: []string{
					"profile", "activity", "repos", "role_model", "roast", "summary",
				},
			},
		},
		Refinements: []PlanCardConfig{
			{
				CardType:         "resource.github.best_pr",
				Priority:         1,
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "best_pr", "refines": "repos"},
			},
		},
	}
}

// builtinScholarPlan is the Google Scholar analysis DAG. Resolution
// runs first so ambiguous names fail before any heavy paging.
func builtinScholarPlan() PlanConfig {
	return PlanConfig{
		Cards: []PlanCardConfig{
			{
				CardType:         "resource.scholar.resolve",
				ConcurrencyGroup: "scrape:scholar",
				BudgetMS:         8_000,
				Idempotent:       true,
			},
			{
				CardType:         "resource.scholar.page0",
				DependsOn:        []string{"resource.scholar.resolve"},
				ConcurrencyGroup: "scrape:scholar",
				Idempotent:       true,
			},
			{
				CardType:         "resource.scholar.pages",
				DependsOn:        []string{"resource.scholar.page0"},
				ConcurrencyGroup: "scrape:scholar",
				BudgetMS:         45_000,
				Idempotent:       true,
			},
			{
				CardType:         "resource.scholar.enrich",
				DependsOn:        []string{"resource.scholar.pages"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "scholar.enrich"},
			},
			{
				CardType:  "profile",
				DependsOn: []string{"resource.scholar.page0"},
			},
			{
				CardType:  "publications",
				DependsOn: []string{"resource.scholar.pages"},
			},
			{
				CardType:         "topics",
				DependsOn:        []string{"resource.scholar.pages"},
				OptionalDeps:     []string{"resource.scholar.enrich"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "topics"},
			},
			{
				CardType:         "summary",
				DependsOn:        []string{"resource.scholar.page0"},
				OptionalDeps:     []string{"resource.scholar.pages", "resource.scholar.enrich"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "summary"},
				Streaming: &StreamingSpecConfig{
					Field:    "text",
					Format:   "markdown",
					Sections: []string{"overview", "impact", "trajectory"},
					Route:    "marker",
				},
			},
			{
				CardType: "full_report",
				OptionalDeps: []string{
					"profile", "publications", "topics", "summary",
				},
			},
		},
	}
}

// builtinLinkedInPlan is the LinkedIn analysis DAG. The fast preview
// and the slow raw-profile scrape share one serialized scrape slot, so
// the preview's prefill reaches clients long before the full profile.
func builtinLinkedInPlan() PlanConfig {
	return PlanConfig{
		Cards: []PlanCardConfig{
			{
				CardType:         "resource.linkedin.preview",
				ConcurrencyGroup: "scrape:linkedin",
				BudgetMS:         5_000,
			},
			{
				CardType:         "resource.linkedin.raw_profile",
				ConcurrencyGroup: "scrape:linkedin",
				BudgetMS:         60_000,
			},
			{
				CardType:         "resource.linkedin.enrich",
				DependsOn:        []string{"resource.linkedin.raw_profile"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "linkedin.enrich"},
			},
			{
				CardType:  "profile",
				DependsOn: []string{"resource.linkedin.raw_profile"},
			},
			{
				CardType:  "experience",
				DependsOn: []string{"resource.linkedin.raw_profile"},
			},
			{
				CardType:     "skills",
				DependsOn:    []string{"resource.linkedin.raw_profile"},
				OptionalDeps: []string{"resource.linkedin.enrich"},
			},
			{
				CardType:         "summary",
				DependsOn:        []string{"resource.linkedin.raw_profile"},
				OptionalDeps:     []string{"resource.linkedin.enrich"},
				ConcurrencyGroup: "llm",
				Input:            map[string]any{"task": "summary"},
				Streaming: &StreamingSpecConfig{
					Field:    "text",
					Format:   "markdown",
					Sections: []string{"overview", "highlights"},
					Route:    "marker",
				},
			},
			{
				CardType: "full_report",
				OptionalDeps: []string{
					"profile", "experience", "skills", "summary",
				},
			},
		},
	}
}
