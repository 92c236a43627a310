package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// topRepoCount caps the repo table on the repos card.
const topRepoCount = 8

func (e *Executor) githubProfileData(ctx context.Context, run *Run) map[string]any {
	profile := asMap(run.Artifact(ctx, "resource.github.profile")["profile"])
	return map[string]any{
		"handle":       str(profile, "login"),
		"name":         str(profile, "name"),
		"avatar":       str(profile, "avatar_url"),
		"bio":          str(profile, "bio"),
		"company":      str(profile, "company"),
		"location":     str(profile, "location"),
		"blog":         str(profile, "blog"),
		"followers":    intOf(profile, "followers"),
		"following":    intOf(profile, "following"),
		"public_repos": intOf(profile, "public_repos"),
		"member_since": str(profile, "created_at"),
	}
}

// activityCard summarizes the public event sample from the data fetch.
func (e *Executor) activityCard(ctx context.Context, run *Run) (*Result, error) {
	data := run.Artifact(ctx, "resource.github.data")

	recent := make([]map[string]any, 0, 10)
	var activeRepos []string
	seen := map[string]bool{}
	for _, raw := range asSlice(data["recent_events"]) {
		ev := asMap(raw)
		repo := str(asMap(ev["repo"]), "name")
		recent = append(recent, map[string]any{
			"type": str(ev, "type"),
			"repo": repo,
			"at":   str(ev, "created_at"),
		})
		if repo != "" && !seen[repo] {
			seen[repo] = true
			activeRepos = append(activeRepos, repo)
		}
	}

	out := map[string]any{
		"recent":       recent,
		"active_repos": activeRepos,
	}
	if counts := asMap(data["event_counts"]); counts != nil {
		out["event_counts"] = counts
	}
	return &Result{Output: &models.CardOutput{Data: out}}, nil
}

// reposCard ranks the repo listing and attaches the most valuable PR
// pick. The pick prefers the enrichment artifact, then a direct model
// call, and degrades to a star heuristic with a deferred background
// refinement when the budget is already spent.
func (e *Executor) reposCard(ctx context.Context, run *Run) (*Result, error) {
	data := run.Artifact(ctx, "resource.github.data")
	repos := repoSummaries(data["repos"])

	out := map[string]any{
		"top_repos":   topRepos(repos),
		"languages":   languageHistogram(repos),
		"total_stars": totalStars(repos),
		"repo_count":  intOf(data, "repo_count"),
	}
	if boolOf(data, "truncated") {
		out["listing_truncated"] = true
	}

	if pick := asMap(run.Artifact(ctx, "resource.github.enrich")["most_valuable_pull_request"]); pick != nil {
		out["best_pr"] = pick
		return &Result{Output: &models.CardOutput{Data: out}}, nil
	}

	if !run.BudgetShort(minLLMBudget) {
		run.Progress(ctx, models.StepAnalyzing, "selecting the most valuable pull request", nil)
		pick, usage, err := e.bestPR(ctx, run)
		if err == nil {
			out["best_pr"] = pick
			run.Progress(ctx, models.TimingStep("llm"), "", timingData(run, usage))
			return &Result{Output: &models.CardOutput{Data: out}}, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		warnDegraded(run, "Best PR selection failed", err)
		out["best_pr"] = heuristicBestPR(repos)
		// A timed-out pick is still worth having; a malformed one is not.
		if models.KindOf(err) == models.ErrKindTimeout {
			e.enqueueRefinement(ctx, run)
		}
		return &Result{Output: &models.CardOutput{Data: out}, Meta: degradedMeta()}, nil
	}

	// Budget gone: ship the heuristic now, let the background card
	// refine it after the report is already on screen.
	run.Progress(ctx, models.StepDegraded, "deferring pull request analysis", nil)
	out["best_pr"] = heuristicBestPR(repos)
	e.enqueueRefinement(ctx, run)
	return &Result{Output: &models.CardOutput{Data: out}, Meta: degradedMeta()}, nil
}

// repoSummary is the normalized repo row user cards work with.
type repoSummary struct {
	Name        string
	Description string
	Language    string
	Stars       int
	Forks       int
	Topics      []string
	Fork        bool
	Archived    bool
}

func repoSummaries(v any) []repoSummary {
	raw := asSlice(v)
	out := make([]repoSummary, 0, len(raw))
	for _, item := range raw {
		m := asMap(item)
		out = append(out, repoSummary{
			Name:        str(m, "name"),
			Description: str(m, "description"),
			Language:    str(m, "language"),
			Stars:       intOf(m, "stargazers_count"),
			Forks:       intOf(m, "forks_count"),
			Topics:      stringsOf(m["topics"]),
			Fork:        boolOf(m, "fork"),
			Archived:    boolOf(m, "archived"),
		})
	}
	return out
}

// topRepos returns the highest-starred original repos as output rows.
func topRepos(repos []repoSummary) []map[string]any {
	own := make([]repoSummary, 0, len(repos))
	for _, r := range repos {
		if !r.Fork && !r.Archived {
			own = append(own, r)
		}
	}
	sort.SliceStable(own, func(i, j int) bool { return own[i].Stars > own[j].Stars })
	if len(own) > topRepoCount {
		own = own[:topRepoCount]
	}

	rows := make([]map[string]any, 0, len(own))
	for _, r := range own {
		rows = append(rows, map[string]any{
			"name":        r.Name,
			"description": r.Description,
			"language":    r.Language,
			"stars":       r.Stars,
			"forks":       r.Forks,
			"topics":      r.Topics,
		})
	}
	return rows
}

func languageHistogram(repos []repoSummary) map[string]int {
	counts := map[string]int{}
	for _, r := range repos {
		if r.Language != "" && !r.Fork {
			counts[r.Language]++
		}
	}
	return counts
}

func totalStars(repos []repoSummary) int {
	total := 0
	for _, r := range repos {
		total += r.Stars
	}
	return total
}

// heuristicBestPR stands in for the model pick: the most starred
// original repository, framed as the flagship contribution.
func heuristicBestPR(repos []repoSummary) map[string]any {
	var best *repoSummary
	for i, r := range repos {
		if r.Fork || r.Archived {
			continue
		}
		if best == nil || r.Stars > best.Stars {
			best = &repos[i]
		}
	}
	if best == nil {
		return map[string]any{"heuristic": true}
	}
	return map[string]any{
		"repo":      best.Name,
		"reason":    fmt.Sprintf("most starred original repository (%d stars)", best.Stars),
		"heuristic": true,
	}
}
