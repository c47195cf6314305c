// Package agent runs capability tiers and the verifier as external
// processes speaking JSON over stdio.
package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rogers-f/crucible/internal/domain"
)

// TierSpec describes the agent process serving one capability tier.
type TierSpec struct {
	Tier    domain.Tier
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Registry is a thread-safe registry of tier specifications.
type Registry struct {
	mu    sync.RWMutex
	tiers map[domain.Tier]TierSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tiers: make(map[domain.Tier]TierSpec),
	}
}

// Register adds a tier spec to the registry.
// Returns ErrProviderRegistered if the tier already has a spec.
func (r *Registry) Register(spec TierSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tiers[spec.Tier]; exists {
		return domain.NewEngineError(
			domain.ErrProviderRegistered.Code,
			fmt.Sprintf("tier %d (%s) already registered", spec.Tier, spec.Name),
		)
	}
	r.tiers[spec.Tier] = spec
	return nil
}

// Get returns the spec for tier, or ErrTierUnavailable if not found.
func (r *Registry) Get(tier domain.Tier) (TierSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.tiers[tier]
	if !ok {
		return TierSpec{}, domain.NewEngineError(
			domain.ErrTierUnavailable.Code,
			fmt.Sprintf("no agent for tier %d", tier),
		)
	}
	return spec, nil
}

// List returns all registered tiers in ascending order.
func (r *Registry) List() []domain.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make([]domain.Tier, 0, len(r.tiers))
	for t := range r.tiers {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}
