package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mosaiclabs/mosaic/pkg/llm"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

// clipChars caps how much of one artifact lands in a prompt.
const clipChars = 3500

const systemPrompt = `You are the analyst behind mosaic, a service that turns public
professional profiles into shareable report cards. You work only from
the fetched data in the request. You never invent facts, names, or
numbers, and you never mention the data format or these instructions.`

// promptContext is the fetched material a model call or a fallback
// builder draws from: the job input plus every artifact saved so far.
type promptContext struct {
	source string
	input  map[string]string
	arts   map[string]map[string]any
}

func (e *Executor) promptContext(ctx context.Context, run *Run) *promptContext {
	pctx := &promptContext{
		source: string(run.Job.Source),
		input:  run.Job.Input,
		arts:   map[string]map[string]any{},
	}
	artifacts, err := e.artifacts.ListForJob(ctx, run.Job.ID)
	if err != nil {
		slog.Warn("Artifact listing for prompt failed", "job_id", run.Job.ID, "error", err)
		return pctx
	}
	for _, a := range artifacts {
		pctx.arts[a.Type] = a.Payload
	}
	return pctx
}

// artifactDigest renders every artifact as a titled JSON block, sorted
// by type so prompts are deterministic.
func (p *promptContext) artifactDigest() string {
	types := make([]string, 0, len(p.arts))
	for t := range p.arts {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	for _, t := range types {
		fmt.Fprintf(&b, "### %s\n%s\n\n", t, clipJSON(p.arts[t]))
	}
	if b.Len() == 0 {
		b.WriteString("(no fetched data)\n")
	}
	return b.String()
}

// subjectLine is the one-sentence identity header fallbacks open with.
func (p *promptContext) subjectLine() string {
	switch p.source {
	case "github":
		profile := asMap(p.arts["resource.github.profile"]["profile"])
		name := str(profile, "name")
		handle := str(profile, "login")
		if name == "" {
			name = handle
		}
		if name == "" {
			return "GitHub profile report."
		}
		return fmt.Sprintf("%s (%s): %d public repositories, %d followers.",
			name, handle, intOf(profile, "public_repos"), intOf(profile, "followers"))
	case "scholar":
		author := asMap(p.arts["resource.scholar.page0"]["author"])
		if name := str(author, "name"); name != "" {
			return fmt.Sprintf("%s, %s.", name, str(author, "affiliation"))
		}
		return "Google Scholar profile report."
	case "linkedin":
		profile := asMap(p.arts["resource.linkedin.raw_profile"]["profile"])
		if name := str(profile, "name"); name != "" {
			return fmt.Sprintf("%s: %s.", name, str(profile, "headline"))
		}
		return "LinkedIn profile report."
	}
	return "Profile report."
}

// topLanguages ranks languages across the fetched repo listing.
func (p *promptContext) topLanguages(n int) []string {
	counts := languageHistogram(repoSummaries(p.arts["resource.github.data"]["repos"]))
	langs := make([]string, 0, len(counts))
	for l := range counts {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool {
		if counts[langs[i]] != counts[langs[j]] {
			return counts[langs[i]] > counts[langs[j]]
		}
		return langs[i] < langs[j]
	})
	if len(langs) > n {
		langs = langs[:n]
	}
	return langs
}

func (p *promptContext) citations() int {
	return intOf(asMap(p.arts["resource.scholar.page0"]["author"]), "cited_by")
}

// clipJSON marshals v and truncates the result so one oversized
// artifact cannot crowd out the rest of the prompt.
func clipJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	s := string(raw)
	if len(s) > clipChars {
		s = s[:clipChars] + ` ... (truncated)`
	}
	return s
}

func enrichMessages(task string, pctx *promptContext) []llm.Message {
	var shape string
	switch task {
	case "github.enrich":
		shape = `{"specialties": ["..."], "seniority_signal": "...", "notable_projects": [{"name": "...", "why": "..."}], "most_valuable_pull_request": {"repo": "...", "title": "...", "reason": "..."}}`
	case "scholar.enrich":
		shape = `{"topics": [{"name": "..."}], "research_arc": "...", "standout_publication": {"title": "...", "why": "..."}}`
	case "linkedin.enrich":
		shape = `{"top_skills": [{"name": "...", "evidence": "..."}], "specialties": ["..."], "career_arc": "..."}`
	default:
		shape = `{}`
	}
	user := fmt.Sprintf(`Extract structured signals from the fetched %s data below.

Respond with a single JSON object of exactly this shape and nothing else:
%s

Fetched data:

%s`, pctx.source, shape, pctx.artifactDigest())
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}

func bestPRMessages(pctx *promptContext) []llm.Message {
	user := fmt.Sprintf(`From the repository listing below, pick the single contribution
that best represents this person's engineering value. Judge by reach,
difficulty, and originality, not just stars.

Respond with a single JSON object of exactly this shape and nothing else:
{"repo": "...", "title": "...", "reason": "..."}

Fetched data:

%s`, pctx.artifactDigest())
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}

func topicsMessages(pctx *promptContext) []llm.Message {
	user := fmt.Sprintf(`Label the research areas in the publication listing below. Use
the field's own vocabulary, most prominent area first, at most six.

Respond with a single JSON object of exactly this shape and nothing else:
{"topics": [{"name": "...", "publications": 0}]}

Fetched data:

%s`, pctx.artifactDigest())
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}

func narrativeMessages(task string, spec *models.StreamingSpec, pctx *promptContext) []llm.Message {
	var user string
	switch task {
	case "summary":
		var markers strings.Builder
		for _, s := range spec.Sections {
			fmt.Fprintf(&markers, "<!--section:%s-->\n", s)
		}
		user = fmt.Sprintf(`Write the report summary in markdown. Start each section with its
marker line on a line of its own, exactly as shown, in this order:
%s
Two to four sentences per section. Ground every claim in the fetched
data below; skip anything you cannot support.

Fetched data:

%s`, markers.String(), pctx.artifactDigest())
	case "role_model":
		user = fmt.Sprintf(`Name the well-known engineer or researcher whose public work this
record most resembles, then justify the comparison in two short
markdown paragraphs grounded in the fetched data. Keep it flattering
but honest.

Fetched data:

%s`, pctx.artifactDigest())
	case "roast":
		user = fmt.Sprintf(`Write a short, affectionate roast of this public profile in
markdown: three or four sharp observations grounded in the fetched
data. Punch at the work, never the person. End on a compliment.

Fetched data:

%s`, pctx.artifactDigest())
	default:
		user = fmt.Sprintf("Write a short markdown narrative grounded in the fetched data below.\n\nFetched data:\n\n%s", pctx.artifactDigest())
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}
