package pipeline

import (
	"context"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

func (e *Executor) linkedinProfileData(ctx context.Context, run *Run) map[string]any {
	profile := asMap(run.Artifact(ctx, "resource.linkedin.raw_profile")["profile"])
	out := map[string]any{
		"slug":     str(profile, "slug"),
		"name":     str(profile, "name"),
		"headline": str(profile, "headline"),
		"about":    str(profile, "about"),
		"avatar":   str(profile, "avatar"),
		"location": str(profile, "location"),
	}
	if positions := asSlice(profile["positions"]); len(positions) > 0 {
		current := asMap(positions[0])
		out["current_position"] = map[string]any{
			"title":   str(current, "title"),
			"company": str(current, "company"),
		}
	}
	return out
}

// experienceCard lists the scraped position history newest first, the
// order the scrape already delivers.
func (e *Executor) experienceCard(ctx context.Context, run *Run) (*Result, error) {
	profile := asMap(run.Artifact(ctx, "resource.linkedin.raw_profile")["profile"])

	positions := make([]map[string]any, 0)
	for _, raw := range asSlice(profile["positions"]) {
		p := asMap(raw)
		positions = append(positions, map[string]any{
			"title":    str(p, "title"),
			"company":  str(p, "company"),
			"location": str(p, "location"),
			"start":    str(p, "start"),
			"end":      str(p, "end"),
			"summary":  str(p, "summary"),
		})
	}
	out := map[string]any{
		"positions": positions,
		"count":     len(positions),
	}
	return &Result{Output: &models.CardOutput{Data: out}}, nil
}

// skillsCard carries the raw skill list, decorated with the ranked
// picks when the enrichment artifact landed in time.
func (e *Executor) skillsCard(ctx context.Context, run *Run) (*Result, error) {
	profile := asMap(run.Artifact(ctx, "resource.linkedin.raw_profile")["profile"])
	skills := stringsOf(profile["skills"])

	out := map[string]any{
		"skills": skills,
		"count":  len(skills),
	}
	if top := asSlice(run.Artifact(ctx, "resource.linkedin.enrich")["top_skills"]); len(top) > 0 {
		out["top_skills"] = top
	}
	return &Result{Output: &models.CardOutput{Data: out}}, nil
}
