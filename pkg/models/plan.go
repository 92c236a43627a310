package models

// CardDep is one dependency edge of a planned card. Required deps must
// complete successfully before the card becomes ready; optional deps
// unblock the card once they reach any terminal state.
type CardDep struct {
	CardType string `json:"card_type" yaml:"card_type"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Dep builds a required dependency edge.
func Dep(cardType string) CardDep {
	return CardDep{CardType: cardType}
}

// OptionalDep builds an optional dependency edge.
func OptionalDep(cardType string) CardDep {
	return CardDep{CardType: cardType, Optional: true}
}

// Delta routing modes for streamed card output.
const (
	RouteLinear = "linear"
	RouteMarker = "marker"
)

// StreamingSpec declares how streamed LLM text for a card is converted
// into card.delta events.
type StreamingSpec struct {
	Field    string   `json:"field" yaml:"field"`
	Format   string   `json:"format" yaml:"format"`
	Sections []string `json:"sections,omitempty" yaml:"sections,omitempty"`
	Route    string   `json:"route" yaml:"route"`
}

// CardDescriptor describes one planned card before persistence. Plans
// are deterministic per (source, requested_cards); descriptors for
// deferred refinement cards are produced the same way at runtime.
type CardDescriptor struct {
	CardType         string         `json:"card_type" yaml:"card_type"`
	DependsOn        []CardDep      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Priority         int            `json:"priority" yaml:"priority"`
	ConcurrencyGroup string         `json:"concurrency_group,omitempty" yaml:"concurrency_group,omitempty"`
	Input            map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Streaming        *StreamingSpec `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	BudgetMS         int            `json:"budget_ms,omitempty" yaml:"budget_ms,omitempty"`
}
