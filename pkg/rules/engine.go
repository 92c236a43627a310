// Package rules expands per-source card plans into the concrete
// descriptors a job is created with. Plans come from config (built-in
// plus user overrides) and are validated at startup; the engine
// selects, filters, and converts. Expansion is deterministic for the
// same (source, requested cards).
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

var (
	// ErrCardNotRequestable means a requested card is missing from the
	// plan or is an internal resource node.
	ErrCardNotRequestable = errors.New("card not requestable")

	// ErrNoRefinement means the plan defines no deferred refinement for
	// the given card.
	ErrNoRefinement = errors.New("no refinement configured")
)

// Engine turns source plans into card descriptors.
type Engine struct {
	plans *config.PlanRegistry
}

// NewEngine creates a rules engine over the given plan registry.
func NewEngine(plans *config.PlanRegistry) *Engine {
	return &Engine{plans: plans}
}

// Sources returns the source names the engine can plan for.
func (e *Engine) Sources() []string {
	return e.plans.Sources()
}

// Plan expands the plan for source into ordered card descriptors.
//
// An empty requestedCards selects the full plan. Otherwise only the
// requested user-facing cards are kept, plus full_report and the
// transitive dependency closure of the requested set. Dependency edges
// of kept cards are trimmed to the kept set, which in practice only
// affects full_report: its aggregation edges are ordering hints over
// whatever cards exist, not data requirements.
//
// input is the job's subject input (handle, profile id). It seeds each
// descriptor's Input map so handlers see their subject parameters
// without a job lookup; static plan input wins on key collision.
func (e *Engine) Plan(source string, requestedCards []string, input map[string]string) ([]models.CardDescriptor, error) {
	plan, err := e.plans.Get(source)
	if err != nil {
		return nil, err
	}

	byType := make(map[string]config.PlanCardConfig, len(plan.Cards))
	for _, card := range plan.Cards {
		byType[card.CardType] = card
	}

	keep, err := keepSet(source, plan, byType, requestedCards)
	if err != nil {
		return nil, err
	}

	out := make([]models.CardDescriptor, 0, len(keep))
	for _, card := range plan.Cards {
		if !keep[card.CardType] {
			continue
		}
		desc := descriptorFrom(card, input)
		if len(requestedCards) > 0 {
			desc.DependsOn = trimDeps(desc.DependsOn, keep)
		}
		out = append(out, desc)
	}
	return out, nil
}

// Describe returns the plan descriptor for one card type, searching
// refinements too. Budget and streaming specs are not persisted on
// card rows; the executor resolves them here at run time.
func (e *Engine) Describe(source, cardType string) (*models.CardDescriptor, error) {
	plan, err := e.plans.Get(source)
	if err != nil {
		return nil, err
	}
	for _, card := range plan.Cards {
		if card.CardType == cardType {
			desc := descriptorFrom(card, nil)
			return &desc, nil
		}
	}
	for _, card := range plan.Refinements {
		if card.CardType == cardType {
			desc := descriptorFrom(card, nil)
			return &desc, nil
		}
	}
	return nil, fmt.Errorf("card %q is not in the %s plan", cardType, source)
}

// RefinementFor returns the deferred refinement descriptor that
// refines cardType, or ErrNoRefinement. input follows the same merge
// rule as Plan.
func (e *Engine) RefinementFor(source, cardType string, input map[string]string) (*models.CardDescriptor, error) {
	plan, err := e.plans.Get(source)
	if err != nil {
		return nil, err
	}

	for _, card := range plan.Refinements {
		refines, _ := card.Input["refines"].(string)
		if refines != cardType {
			continue
		}
		desc := descriptorFrom(card, input)
		return &desc, nil
	}
	return nil, fmt.Errorf("%w: %s (source %s)", ErrNoRefinement, cardType, source)
}

// keepSet resolves requestedCards to the set of card types the
// expanded plan keeps.
func keepSet(source string, plan *config.PlanConfig, byType map[string]config.PlanCardConfig, requestedCards []string) (map[string]bool, error) {
	keep := make(map[string]bool, len(plan.Cards))
	if len(requestedCards) == 0 {
		for t := range byType {
			keep[t] = true
		}
		return keep, nil
	}

	for _, t := range requestedCards {
		if _, ok := byType[t]; !ok {
			return nil, fmt.Errorf("%w: %q is not in the %s plan", ErrCardNotRequestable, t, source)
		}
		if strings.HasPrefix(t, models.ResourceCardPrefix) {
			return nil, fmt.Errorf("%w: %q is an internal resource card", ErrCardNotRequestable, t)
		}
		keep[t] = true
	}
	keep[models.FullReportCardType] = true

	// Transitive dependency closure. full_report is excluded as a walk
	// root; walking its aggregation edges would reinstate the full plan.
	var walk func(t string)
	walk = func(t string) {
		card := byType[t]
		for _, dep := range card.DependsOn {
			if !keep[dep] {
				keep[dep] = true
				walk(dep)
			}
		}
		for _, dep := range card.OptionalDeps {
			if !keep[dep] {
				keep[dep] = true
				walk(dep)
			}
		}
	}
	for _, t := range requestedCards {
		if t != models.FullReportCardType {
			walk(t)
		}
	}
	return keep, nil
}

// BuildCards converts descriptors into card rows for jobID, in plan
// order. Streaming and budget stay in the plan; everything else lands
// on the row.
func BuildCards(jobID string, descs []models.CardDescriptor) []*models.Card {
	cards := make([]*models.Card, 0, len(descs))
	for _, desc := range descs {
		cards = append(cards, &models.Card{
			ID:               uuid.NewString(),
			JobID:            jobID,
			CardType:         desc.CardType,
			DependsOn:        desc.DependsOn,
			Priority:         desc.Priority,
			ConcurrencyGroup: desc.ConcurrencyGroup,
			Input:            desc.Input,
		})
	}
	return cards
}

func trimDeps(deps []models.CardDep, keep map[string]bool) []models.CardDep {
	out := deps[:0]
	for _, dep := range deps {
		if keep[dep.CardType] {
			out = append(out, dep)
		}
	}
	return out
}

// descriptorFrom converts a plan card into a descriptor, overlaying
// the job input under the card's static input.
func descriptorFrom(card config.PlanCardConfig, input map[string]string) models.CardDescriptor {
	desc := models.CardDescriptor{
		CardType:         card.CardType,
		Priority:         card.Priority,
		ConcurrencyGroup: card.ConcurrencyGroup,
		BudgetMS:         card.BudgetMS,
	}
	for _, dep := range card.DependsOn {
		desc.DependsOn = append(desc.DependsOn, models.Dep(dep))
	}
	for _, dep := range card.OptionalDeps {
		desc.DependsOn = append(desc.DependsOn, models.OptionalDep(dep))
	}
	if len(card.Input) > 0 || len(input) > 0 || card.Idempotent {
		desc.Input = make(map[string]any, len(card.Input)+len(input)+1)
		for k, v := range input {
			desc.Input[k] = v
		}
		for k, v := range card.Input {
			desc.Input[k] = v
		}
		if card.Idempotent {
			desc.Input["idempotent"] = true
		}
	}
	if card.Streaming != nil {
		desc.Streaming = &models.StreamingSpec{
			Field:    card.Streaming.Field,
			Format:   card.Streaming.Format,
			Sections: append([]string(nil), card.Streaming.Sections...),
			Route:    card.Streaming.Route,
		}
	}
	return desc
}
