package pricing

// ModelPricing contains per-model pricing information.
type ModelPricing struct {
	Model            string  `yaml:"model"`
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Table holds YAML-loaded pricing data for one provider.
type Table struct {
	Provider string         `yaml:"provider"`
	Currency string         `yaml:"currency,omitempty"`
	Updated  string         `yaml:"updated"`
	Models   []ModelPricing `yaml:"models"`
}

// Estimator prices a completed call. The ok result distinguishes an
// unpriced model from a genuinely free one; callers record absent cost
// with the default currency when ok is false.
type Estimator interface {
	// Estimate returns the cost for the given model and token counts.
	Estimate(model string, promptTokens, completionTokens int64) (amount float64, currency string, ok bool)

	// DefaultCurrency returns the currency recorded when pricing is unknown.
	DefaultCurrency() string
}
