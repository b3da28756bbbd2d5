package upstream

// Variant selects how a model's upstream events are interpreted
type Variant string

const (
	VariantPlain           Variant = "plain"
	VariantPlainNoThinking Variant = "plain-no-thinking"
	VariantSearch          Variant = "search"
	VariantReasoning       Variant = "reasoning"
	VariantTaggedReasoning Variant = "tagged-reasoning"
	VariantDeepSearch      Variant = "deepsearch"
	VariantImageGen        Variant = "imagegen"
)

// Model describes one externally visible model name
type Model struct {
	ID       string
	Upstream string
	Variant  Variant

	// SingleTurn models only see the final user message
	SingleTurn       bool
	DeepsearchPreset string
	IsReasoning      bool
	Search           bool
	ImageGen         bool
}

var catalog = []Model{
	{ID: "grok-3", Upstream: "grok-3", Variant: VariantPlain},
	{ID: "grok-3-search", Upstream: "grok-3", Variant: VariantSearch, SingleTurn: true, Search: true},
	{ID: "grok-3-imageGen", Upstream: "grok-3", Variant: VariantImageGen, SingleTurn: true, ImageGen: true},
	{ID: "grok-3-deepsearch", Upstream: "grok-3", Variant: VariantDeepSearch, DeepsearchPreset: "default"},
	{ID: "grok-3-deepersearch", Upstream: "grok-3", Variant: VariantDeepSearch, DeepsearchPreset: "deeper"},
	{ID: "grok-3-reasoning", Upstream: "grok-3", Variant: VariantReasoning, IsReasoning: true},
	{ID: "grok-4", Upstream: "grok-4", Variant: VariantPlainNoThinking},
	{ID: "grok-4-reasoning", Upstream: "grok-4", Variant: VariantTaggedReasoning},
	{ID: "grok-4-imageGen", Upstream: "grok-4", Variant: VariantImageGen, SingleTurn: true, ImageGen: true},
	{ID: "grok-4-deepsearch", Upstream: "grok-4", Variant: VariantDeepSearch, Search: true},
}

// Lookup finds a model by its public id
func Lookup(id string) (Model, bool) {
	for _, m := range catalog {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Models returns every supported model in listing order
func Models() []Model {
	return append([]Model(nil), catalog...)
}
