package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

func TestRepoSummaries(t *testing.T) {
	repos := repoSummaries([]any{
		map[string]any{
			"name": "octoview", "description": "Terminal UI",
			"language": "Go", "stargazers_count": float64(980), "forks_count": float64(41),
			"topics": []any{"cli", "git", 7},
		},
		map[string]any{"name": "forked-lib", "fork": true, "archived": true},
		"not an object",
	})

	require.Len(t, repos, 3)
	assert.Equal(t, repoSummary{
		Name: "octoview", Description: "Terminal UI", Language: "Go",
		Stars: 980, Forks: 41, Topics: []string{"cli", "git"},
	}, repos[0])
	assert.True(t, repos[1].Fork)
	assert.True(t, repos[1].Archived)
	assert.Equal(t, repoSummary{Topics: []string{}}, repos[2])
}

func TestTopReposFiltersAndRanks(t *testing.T) {
	repos := []repoSummary{
		{Name: "small", Stars: 3},
		{Name: "fork", Stars: 9000, Fork: true},
		{Name: "retired", Stars: 500, Archived: true},
		{Name: "flagship", Stars: 700, Language: "Go"},
		{Name: "tied-a", Stars: 50},
		{Name: "tied-b", Stars: 50},
	}

	rows := topRepos(repos)
	require.Len(t, rows, 4)
	assert.Equal(t, "flagship", rows[0]["name"])
	// Ties keep listing order.
	assert.Equal(t, "tied-a", rows[1]["name"])
	assert.Equal(t, "tied-b", rows[2]["name"])
	assert.Equal(t, "small", rows[3]["name"])

	many := make([]repoSummary, 0, topRepoCount+3)
	for i := 0; i < topRepoCount+3; i++ {
		many = append(many, repoSummary{Name: "r", Stars: i})
	}
	assert.Len(t, topRepos(many), topRepoCount)
}

func TestLanguageHistogramSkipsForksAndUnknown(t *testing.T) {
	counts := languageHistogram([]repoSummary{
		{Language: "Go"},
		{Language: "Go"},
		{Language: "Go", Fork: true},
		{Language: ""},
		{Language: "Rust"},
	})
	assert.Equal(t, map[string]int{"Go": 2, "Rust": 1}, counts)
}

func TestHeuristicBestPR(t *testing.T) {
	pick := heuristicBestPR([]repoSummary{
		{Name: "fork", Stars: 9000, Fork: true},
		{Name: "octoview", Stars: 980},
		{Name: "minor", Stars: 12},
	})
	assert.Equal(t, map[string]any{
		"repo":      "octoview",
		"reason":    "most starred original repository (980 stars)",
		"heuristic": true,
	}, pick)

	assert.Equal(t, map[string]any{"heuristic": true}, heuristicBestPR(nil))
	assert.Equal(t, map[string]any{"heuristic": true},
		heuristicBestPR([]repoSummary{{Name: "fork", Fork: true}}))
}

func TestHIndex(t *testing.T) {
	pubs := func(cites ...int) []any {
		out := make([]any, 0, len(cites))
		for _, c := range cites {
			out = append(out, map[string]any{"cited_by": c})
		}
		return out
	}

	assert.Equal(t, 0, hIndex(nil))
	assert.Equal(t, 1, hIndex(pubs(25)))
	assert.Equal(t, 3, hIndex(pubs(3, 0, 6, 1, 5)))
	assert.Equal(t, 4, hIndex(pubs(10, 8, 5, 4, 3)))
	// Uncited papers never lift the index.
	assert.Equal(t, 0, hIndex(pubs(0, 0, 0)))
}

func TestHeuristicTopics(t *testing.T) {
	pubs := []any{
		map[string]any{"venue": "NeurIPS"},
		map[string]any{"venue": "NeurIPS"},
		map[string]any{"venue": "ICML"},
		map[string]any{"venue": "ACL"},
		map[string]any{"venue": "ICML"},
		map[string]any{"venue": ""},
		map[string]any{"title": "no venue"},
	}

	topics := heuristicTopics(pubs)
	require.Len(t, topics, 3)
	assert.Equal(t, map[string]any{"name": "NeurIPS", "publications": 2}, topics[0])
	// Equal counts order by name.
	assert.Equal(t, "ICML", topics[1]["name"])
	assert.Equal(t, "ACL", topics[2]["name"])

	var crowded []any
	for _, v := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		crowded = append(crowded, map[string]any{"venue": v})
	}
	assert.Len(t, heuristicTopics(crowded), 5)
}

func TestTotalCitations(t *testing.T) {
	assert.Equal(t, 0, totalCitations(nil))
	assert.Equal(t, 52, totalCitations([]any{
		map[string]any{"cited_by": 40},
		map[string]any{"cited_by": float64(12)},
		map[string]any{"title": "uncounted"},
	}))
}

func TestFallbackSummaryCoversEverySection(t *testing.T) {
	pctx := &promptContext{
		source: "github",
		arts: map[string]map[string]any{
			"resource.github.profile": githubProfilePayload(),
			"resource.github.data":    githubDataPayload(),
		},
	}
	spec := &models.StreamingSpec{
		Field: "text", Format: "markdown", Route: "marker",
		Sections: []string{"overview", "strengths", "risks"},
	}

	text := fallbackSummary(spec, pctx)
	for _, section := range spec.Sections {
		assert.Contains(t, text, "<!--section:"+section+"-->\n")
	}
	assert.Contains(t, text, "The Octocat (octocat): 8 public repositories, 4100 followers.")
	assert.Contains(t, text, "Go")
	assert.Contains(t, text, "Automated analysis was unavailable")

	// Sectionless linear specs still produce text.
	bare := fallbackSummary(&models.StreamingSpec{Field: "text", Format: "markdown", Route: "linear"}, pctx)
	assert.NotContains(t, bare, "<!--section:")
	assert.Contains(t, bare, "The Octocat")
}

func TestSubjectLinePerSource(t *testing.T) {
	github := &promptContext{source: "github", arts: map[string]map[string]any{
		"resource.github.profile": githubProfilePayload(),
	}}
	assert.Equal(t, "The Octocat (octocat): 8 public repositories, 4100 followers.", github.subjectLine())

	scholar := &promptContext{source: "scholar", arts: map[string]map[string]any{
		"resource.scholar.page0": {"author": map[string]any{"name": "Ada Lovelace", "affiliation": "Analytical Engines"}},
	}}
	assert.Equal(t, "Ada Lovelace, Analytical Engines.", scholar.subjectLine())

	linkedin := &promptContext{source: "linkedin", arts: map[string]map[string]any{
		"resource.linkedin.raw_profile": {"profile": map[string]any{"name": "Sam Doe", "headline": "Platform engineer"}},
	}}
	assert.Equal(t, "Sam Doe: Platform engineer.", linkedin.subjectLine())

	empty := &promptContext{source: "github", arts: map[string]map[string]any{}}
	assert.Equal(t, "GitHub profile report.", empty.subjectLine())
}

func TestFallbackRoleModelNamesDominantLanguage(t *testing.T) {
	pctx := &promptContext{
		source: "github",
		arts: map[string]map[string]any{
			"resource.github.profile": githubProfilePayload(),
			"resource.github.data":    githubDataPayload(),
		},
	}
	text := fallbackRoleModel(pctx)
	assert.True(t, strings.HasPrefix(text, "The Octocat (octocat)"))
	assert.Contains(t, text, "Go")

	bare := fallbackRoleModel(&promptContext{source: "github", arts: map[string]map[string]any{}})
	assert.Contains(t, bare, "skipped")
}

func TestClipJSONTruncatesLargeArtifacts(t *testing.T) {
	big := map[string]any{"blob": strings.Repeat("x", clipChars*2)}
	clipped := clipJSON(big)
	assert.LessOrEqual(t, len(clipped), clipChars+len(" ... (truncated)"))
	assert.True(t, strings.HasSuffix(clipped, "(truncated)"))

	assert.Equal(t, `{"a":1}`, clipJSON(map[string]any{"a": 1}))
}
