package pricing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arclight-ai/llmmeter/pkg/model"
)

// LoadTable reads a YAML pricing file for one provider.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}
	return ParseTable(data, path)
}

// ParseTable parses YAML pricing data from raw bytes.
func ParseTable(data []byte, source string) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse pricing file %s: %w", source, err)
	}
	if t.Provider == "" {
		return nil, fmt.Errorf("pricing file %s: missing provider name", source)
	}
	if len(t.Models) == 0 {
		return nil, fmt.Errorf("pricing file %s: no models defined", source)
	}
	if t.Currency == "" {
		t.Currency = model.DefaultCostCurrency
	}
	return &t, nil
}

// Registry aggregates pricing tables across providers and implements
// Estimator over the union of their models.
type Registry struct {
	tables []*Table
	models map[string]modelPrice
}

type modelPrice struct {
	pricing  ModelPricing
	currency string
}

// NewRegistry creates an empty pricing registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]modelPrice)}
}

// Add registers a provider table. Later tables do not override models
// already priced by an earlier one.
func (r *Registry) Add(t *Table) {
	r.tables = append(r.tables, t)
	for _, m := range t.Models {
		if _, exists := r.models[m.Model]; !exists {
			r.models[m.Model] = modelPrice{pricing: m, currency: t.Currency}
		}
	}
}

// LoadDir loads every *.yaml pricing table in dir into the registry.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read pricing dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		t, err := LoadTable(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		r.Add(t)
	}
	return nil
}

// Providers returns the names of all loaded tables.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.tables))
	for _, t := range r.tables {
		names = append(names, t.Provider)
	}
	return names
}

// Estimate prices a call from the loaded tables. Models use flat
// per-million-token input and output rates.
func (r *Registry) Estimate(modelName string, promptTokens, completionTokens int64) (float64, string, bool) {
	mp, ok := r.models[modelName]
	if !ok {
		return 0, r.DefaultCurrency(), false
	}
	amount := float64(promptTokens)*mp.pricing.InputPerMillion/1_000_000 +
		float64(completionTokens)*mp.pricing.OutputPerMillion/1_000_000
	return amount, mp.currency, true
}

// DefaultCurrency returns the currency used for unpriced models.
func (r *Registry) DefaultCurrency() string {
	return model.DefaultCostCurrency
}
