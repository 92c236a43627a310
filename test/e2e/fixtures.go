package e2e

import (
	"github.com/mosaiclabs/mosaic/pkg/fetch"
)

// Canned upstream payloads and model scripts shared by the scenarios.
// Shapes mirror what the real adapters return, trimmed to the fields
// the cards read.

func githubProfilePayload() map[string]any {
	return map[string]any{
		"profile": map[string]any{
			"login":        "octocat",
			"name":         "The Octocat",
			"avatar_url":   "https://avatars.test/octocat.png",
			"bio":          "Building octo things",
			"company":      "GitHub",
			"location":     "San Francisco",
			"followers":    4100,
			"following":    9,
			"public_repos": 8,
			"created_at":   "2011-01-25T18:44:36Z",
		},
		"public_repos": 8,
	}
}

func githubDataPayload() map[string]any {
	return map[string]any{
		"repos": []any{
			map[string]any{
				"name": "octoview", "description": "Terminal UI for pull requests",
				"language": "Go", "stargazers_count": 980, "forks_count": 41,
				"topics": []any{"cli", "git"},
			},
			map[string]any{
				"name": "hello-world", "language": "Ruby",
				"stargazers_count": 12, "forks_count": 3,
			},
			map[string]any{
				"name": "forked-lib", "language": "C",
				"stargazers_count": 5000, "fork": true,
			},
		},
		"repo_count":    3,
		"event_counts":  map[string]any{"PushEvent": 21, "PullRequestEvent": 9},
		"recent_events": []any{map[string]any{"type": "PushEvent", "repo": map[string]any{"name": "octocat/octoview"}, "created_at": "2025-08-20T10:00:00Z"}},
	}
}

// scriptGitHubSource queues the two github resource fetches, with the
// profile fetch seeding the user-facing profile card the way the real
// adapter does.
func (app *TestApp) scriptGitHubSource() {
	app.GitHub.Script("resource.github.profile", &fetch.ScriptedResult{
		Payload: githubProfilePayload(),
		Prefill: map[string]map[string]any{
			"profile": {
				"handle": "octocat", "name": "The Octocat",
				"avatar": "https://avatars.test/octocat.png", "bio": "Building octo things",
			},
		},
	})
	app.GitHub.ScriptPayload("resource.github.data", githubDataPayload())
}

// scriptGitHubModel queues every model call of the github plan. The
// enrichment carries a pull-request pick, so the repos card completes
// without its own best_pr call.
func (app *TestApp) scriptGitHubModel() {
	app.LLM.ScriptText("github.enrich", `{"specialties": ["developer tooling"], "seniority_signal": "staff",`+
		` "notable_projects": [{"name": "octoview", "why": "most starred original work"}],`+
		` "most_valuable_pull_request": {"repo": "octoview", "title": "Add diff view", "reason": "core feature"}}`)
	app.LLM.ScriptText("role_model", "You ship developer tools in public, in the spirit of early Hashimoto.")
	app.LLM.ScriptText("roast", "Eight repositories, one README between them. Ends well though.")
	app.LLM.ScriptText("summary",
		"<!--section:overview-->\nTool builder with reach.\n",
		"<!--section:strengths-->\nGo and CLIs.\n",
		"<!--section:risks-->\nBus factor of one.\n")
}

func scholarPage0Payload() map[string]any {
	return map[string]any{
		"scholar_id": "A1b2C3d4",
		"author": map[string]any{
			"name":        "Ada Sample",
			"affiliation": "Example University",
			"cited_by":    542,
		},
		"total": 4,
		"publications": []any{
			map[string]any{"title": "Sparse Attention at Scale", "venue": "NeurIPS", "year": 2021, "cited_by": 300},
			map[string]any{"title": "Curriculum Distillation", "venue": "ICML", "year": 2020, "cited_by": 150},
		},
	}
}

func scholarPagesPayload() map[string]any {
	return map[string]any{
		"publications": []any{
			map[string]any{"title": "Robust Pruning", "venue": "NeurIPS", "year": 2019, "cited_by": 80},
			map[string]any{"title": "A Survey of Early Exits", "venue": "JMLR", "year": 2018, "cited_by": 12},
		},
		"complete": true,
	}
}

// scriptScholarPages queues the paging fetches that follow a resolved
// scholar id. Resolution itself is scripted per test, since that is
// what the resolve scenarios vary.
func (app *TestApp) scriptScholarPages() {
	app.Scholar.ScriptPayload("resource.scholar.page0", scholarPage0Payload())
	app.Scholar.ScriptPayload("resource.scholar.pages", scholarPagesPayload())
}

// scriptScholarModel queues the scholar model calls. The enrichment
// already labels topics, so the topics card reuses them without its
// own call.
func (app *TestApp) scriptScholarModel() {
	app.LLM.ScriptText("scholar.enrich",
		`{"topics": [{"name": "efficient inference", "publications": 3}],`+
			` "trajectory": "rising", "key_collaborators": ["B. Example"]}`)
	app.LLM.ScriptText("summary",
		"<!--section:overview-->\nFour publications, one thread: smaller models.\n",
		"<!--section:impact-->\nCited where it counts.\n",
		"<!--section:trajectory-->\nSteady output since 2018.\n")
}

func linkedinRawProfilePayload() map[string]any {
	return map[string]any{
		"profile": map[string]any{
			"slug":     "ada-sample",
			"name":     "Ada Sample",
			"headline": "Staff Engineer",
			"about":    "Distributed systems, mostly the unglamorous parts.",
			"avatar":   "https://img.test/ada.png",
			"location": "Berlin",
			"positions": []any{
				map[string]any{"title": "Staff Engineer", "company": "Example Corp", "start": "2022", "end": ""},
				map[string]any{"title": "Senior Engineer", "company": "Prior Inc", "start": "2018", "end": "2022"},
			},
			"skills": []any{"Go", "Postgres", "Kubernetes"},
		},
	}
}

// scriptLinkedInSource queues the preview and raw-profile scrapes, the
// preview seeding the profile card early.
func (app *TestApp) scriptLinkedInSource() {
	app.LinkedIn.Script("resource.linkedin.preview", &fetch.ScriptedResult{
		Payload: map[string]any{
			"preview": map[string]any{"name": "Ada Sample", "headline": "Staff Engineer"},
			"slug":    "ada-sample",
		},
		PrefillDegraded: map[string]map[string]any{
			"profile": {"slug": "ada-sample", "name": "Ada Sample", "headline": "Staff Engineer"},
		},
	})
	app.LinkedIn.ScriptPayload("resource.linkedin.raw_profile", linkedinRawProfilePayload())
}

// scriptLinkedInModel queues the linkedin model calls.
func (app *TestApp) scriptLinkedInModel() {
	app.LLM.ScriptText("linkedin.enrich",
		`{"top_skills": ["Go", "Postgres"], "career_arc": "individual contributor, deepening"}`)
	app.LLM.ScriptText("summary",
		"<!--section:overview-->\nAn IC who stayed an IC on purpose.\n",
		"<!--section:highlights-->\nFour years running the same system, uptime to show for it.\n")
}
