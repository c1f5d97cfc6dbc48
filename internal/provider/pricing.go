package provider

// modelPricing holds USD rates per million tokens.
type modelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing covers the common hosted models. Unknown models fall back
// to the per-provider default so cost tracking never silently reports zero.
var defaultPricing = map[string]modelPricing{
	// Anthropic
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-opus-4":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},

	// OpenAI
	"gpt-4o":      {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":     {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"o3-mini":     {InputPerMTok: 1.10, OutputPerMTok: 4.40},

	// Google
	"gemini-2.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gemini-2.5-flash": {InputPerMTok: 0.30, OutputPerMTok: 2.50},
}

// fallbackPricing is the conservative default for models without an entry.
var fallbackPricing = modelPricing{InputPerMTok: 3.00, OutputPerMTok: 15.00}

// costFor computes the USD cost for a usage on a model.
func costFor(pricing map[string]modelPricing, model string, tokensIn, tokensOut int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = fallbackPricing
	}
	return float64(tokensIn)/1e6*p.InputPerMTok + float64(tokensOut)/1e6*p.OutputPerMTok
}
