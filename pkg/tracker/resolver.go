package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/storage"
)

// ErrNoConfig is returned when resolution finds no usable provider
// configuration under the active policy.
var ErrNoConfig = errors.New("no usable provider configuration")

// Policy selects what happens when the store has no matching
// configuration. It is chosen once at deployment, not per call.
type Policy string

const (
	// PolicyStrict errors out when the store has no match.
	PolicyStrict Policy = "strict"

	// PolicyFallback consults externally supplied provider defaults
	// (environment-style settings) when the store has no match.
	PolicyFallback Policy = "fallback"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyStrict, PolicyFallback:
		return Policy(s), nil
	case "":
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("unknown resolution policy %q (use strict or fallback)", s)
}

// Resolver picks the effective provider configuration for a call. It is
// read-only and re-reads store state on every resolution so that
// administrative changes take effect immediately.
type Resolver struct {
	store    storage.Storage
	policy   Policy
	fallback *model.ProviderConfig
}

// NewResolver creates a resolver. fallback supplies the provider defaults
// consulted under PolicyFallback; it may be nil, in which case fallback
// behaves like strict.
func NewResolver(store storage.Storage, policy Policy, fallback *model.ProviderConfig) *Resolver {
	return &Resolver{store: store, policy: policy, fallback: fallback}
}

// Resolve returns the effective configuration. Precedence, highest first:
// an explicitly named record (inactive or missing is a hard error), the
// user's active configuration, then the global scope's active
// configuration (default-flagged first, else earliest created).
func (r *Resolver) Resolve(ctx context.Context, explicitID, userID string) (*model.ProviderConfig, error) {
	if explicitID != "" {
		cfg, err := r.store.GetConfig(ctx, explicitID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("explicit config %s not found: %w", explicitID, ErrNoConfig)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve explicit config: %w", err)
		}
		if !cfg.IsActive {
			return nil, fmt.Errorf("explicit config %s is inactive: %w", explicitID, ErrNoConfig)
		}
		return cfg, nil
	}

	if userID != "" {
		configs, err := r.store.ActiveConfigs(ctx, model.ScopeUser, userID)
		if err != nil {
			return nil, fmt.Errorf("resolve user config: %w", err)
		}
		if len(configs) > 0 {
			return &configs[0], nil
		}
	}

	configs, err := r.store.ActiveConfigs(ctx, model.ScopeGlobal, "")
	if err != nil {
		return nil, fmt.Errorf("resolve global config: %w", err)
	}
	if len(configs) > 0 {
		return &configs[0], nil
	}

	if r.policy == PolicyFallback && r.fallback != nil {
		return r.fallback, nil
	}
	return nil, ErrNoConfig
}
