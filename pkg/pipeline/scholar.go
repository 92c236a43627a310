package pipeline

import (
	"context"
	"sort"

	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/llm"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

// appendBatchSize is how many publications ride one card.append event.
const appendBatchSize = 25

func (e *Executor) scholarProfileData(ctx context.Context, run *Run) map[string]any {
	page0 := run.Artifact(ctx, "resource.scholar.page0")
	author := asMap(page0["author"])
	return map[string]any{
		"scholar_id":        str(page0, "scholar_id"),
		"name":              str(author, "name"),
		"affiliation":       str(author, "affiliation"),
		"cited_by":          intOf(author, "cited_by"),
		"publication_count": intOf(page0, "total"),
	}
}

// publicationsCard joins the first page with the paged remainder and
// streams the combined listing out in card.append batches before the
// completion carries the whole list.
func (e *Executor) publicationsCard(ctx context.Context, run *Run) (*Result, error) {
	page0 := run.Artifact(ctx, "resource.scholar.page0")
	pages := run.Artifact(ctx, "resource.scholar.pages")

	pubs := append(asSlice(page0["publications"]), asSlice(pages["publications"])...)
	complete := boolOf(pages, "complete")

	for start := 0; start < len(pubs); start += appendBatchSize {
		end := start + appendBatchSize
		if end > len(pubs) {
			end = len(pubs)
		}
		lastBatch := end == len(pubs)
		ev := events.NewCardAppend(run.Card, events.CardAppendPayload{
			Path:     "publications",
			Items:    pubs[start:end],
			DedupKey: "title",
			Partial:  !lastBatch || !complete,
		})
		if err := e.publisher.Publish(ctx, ev); err != nil {
			return nil, err
		}
	}

	out := map[string]any{
		"publications":    pubs,
		"count":           len(pubs),
		"total":           intOf(page0, "total"),
		"total_citations": totalCitations(pubs),
		"h_index":         hIndex(pubs),
		"complete":        complete,
	}
	return &Result{Output: &models.CardOutput{Data: out}}, nil
}

// topicsCard labels the research areas. The enrichment artifact wins
// when it already carries topics; otherwise one model call, then a
// venue-frequency heuristic.
func (e *Executor) topicsCard(ctx context.Context, run *Run) (*Result, error) {
	if topics := asSlice(run.Artifact(ctx, "resource.scholar.enrich")["topics"]); len(topics) > 0 {
		return &Result{Output: &models.CardOutput{Data: map[string]any{"topics": topics}}}, nil
	}

	if !run.BudgetShort(minLLMBudget) {
		run.Progress(ctx, models.StepAnalyzing, "labeling research areas", nil)
		var labeled struct {
			Topics []map[string]any `json:"topics"`
		}
		usage, err := llm.GenerateJSON(ctx, e.llm, &llm.GenerateInput{
			Task:     run.Task(),
			Messages: topicsMessages(e.promptContext(ctx, run)),
		}, &labeled)
		if err == nil && len(labeled.Topics) > 0 {
			run.Progress(ctx, models.TimingStep("llm"), "", timingData(run, usage))
			return &Result{Output: &models.CardOutput{Data: map[string]any{"topics": labeled.Topics}}}, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		warnDegraded(run, "Topic labeling failed", err)
	}

	pubs := append(
		asSlice(run.Artifact(ctx, "resource.scholar.page0")["publications"]),
		asSlice(run.Artifact(ctx, "resource.scholar.pages")["publications"])...)
	return &Result{
		Output: &models.CardOutput{Data: map[string]any{"topics": heuristicTopics(pubs)}},
		Meta:   degradedMeta(),
	}, nil
}

func totalCitations(pubs []any) int {
	total := 0
	for _, raw := range pubs {
		total += intOf(asMap(raw), "cited_by")
	}
	return total
}

// hIndex is the largest h with at least h publications cited h times.
func hIndex(pubs []any) int {
	cites := make([]int, 0, len(pubs))
	for _, raw := range pubs {
		cites = append(cites, intOf(asMap(raw), "cited_by"))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(cites)))
	h := 0
	for i, c := range cites {
		if c >= i+1 {
			h = i + 1
		}
	}
	return h
}

// heuristicTopics approximates research areas by venue frequency.
func heuristicTopics(pubs []any) []map[string]any {
	counts := map[string]int{}
	for _, raw := range pubs {
		if venue := str(asMap(raw), "venue"); venue != "" {
			counts[venue]++
		}
	}
	venues := make([]string, 0, len(counts))
	for v := range counts {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool {
		if counts[venues[i]] != counts[venues[j]] {
			return counts[venues[i]] > counts[venues[j]]
		}
		return venues[i] < venues[j]
	})
	if len(venues) > 5 {
		venues = venues[:5]
	}

	topics := make([]map[string]any, 0, len(venues))
	for _, v := range venues {
		topics = append(topics, map[string]any{"name": v, "publications": counts[v]})
	}
	return topics
}
