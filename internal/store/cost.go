package store

import "strings"

// modelPrice is a USD price pair per 1e6 tokens.
type modelPrice struct {
	input  float64
	output float64
}

// priceTable maps model-name substrings to prices. Unknown models fall back
// to the opus tier: safer to over-estimate.
var priceTable = []struct {
	match string
	price modelPrice
}{
	{"haiku", modelPrice{input: 0.80, output: 4.0}},
	{"sonnet", modelPrice{input: 3.0, output: 15.0}},
	{"opus", modelPrice{input: 15.0, output: 75.0}},
}

var fallbackPrice = modelPrice{input: 15.0, output: 75.0}

// PriceFor returns the per-million-token input and output prices for a
// model, matching case-insensitively on model-family name.
func PriceFor(model string) (inputPrice, outputPrice float64) {
	lower := strings.ToLower(model)
	for _, entry := range priceTable {
		if strings.Contains(lower, entry.match) {
			return entry.price.input, entry.price.output
		}
	}
	return fallbackPrice.input, fallbackPrice.output
}

// EstimateCost returns the USD cost of a token count against a model.
func EstimateCost(inputTokens, outputTokens int64, model string) float64 {
	inputPrice, outputPrice := PriceFor(model)
	return float64(inputTokens)/1_000_000*inputPrice + float64(outputTokens)/1_000_000*outputPrice
}
