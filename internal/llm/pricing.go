package llm

// ModelPrice is USD per million tokens for one model.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// PriceTable maps model names to prices. Unknown models fall back to the
// default entry so cost stays an estimate rather than zero.
type PriceTable struct {
	prices       map[string]ModelPrice
	defaultPrice ModelPrice
}

// defaultPrices covers the models the pipeline ships with; deployments
// override them from configuration.
var defaultPrices = map[string]ModelPrice{
	"claude-sonnet-4-20250514": {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-haiku-3-5":         {InputPerMTok: 0.8, OutputPerMTok: 4.0},
}

// NewPriceTable builds a table from configured overrides layered onto the
// built-in defaults.
func NewPriceTable(overrides map[string]ModelPrice) *PriceTable {
	prices := make(map[string]ModelPrice, len(defaultPrices)+len(overrides))
	for m, p := range defaultPrices {
		prices[m] = p
	}
	for m, p := range overrides {
		prices[m] = p
	}
	return &PriceTable{
		prices:       prices,
		defaultPrice: prices["claude-sonnet-4-20250514"],
	}
}

// Cost returns the estimated USD cost for a call. Deterministic in its
// inputs: tokens in, tokens out, table entry.
func (t *PriceTable) Cost(model string, inputTokens, outputTokens int64) float64 {
	price, ok := t.prices[model]
	if !ok {
		price = t.defaultPrice
	}
	return float64(inputTokens)/1_000_000*price.InputPerMTok +
		float64(outputTokens)/1_000_000*price.OutputPerMTok
}
