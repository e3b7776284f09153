package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"aicf/core/types"
)

// Policy governs which providers may register and which regions are denied
// work. An empty allowlist admits everyone.
type Policy struct {
	mu            sync.RWMutex
	allow         map[types.ProviderID]struct{}
	deny          map[types.ProviderID]struct{}
	deniedRegions map[string]struct{}
}

// PolicyFile is the on-disk YAML shape for registry policy.
type PolicyFile struct {
	Allow         []string `yaml:"allow"`
	Deny          []string `yaml:"deny"`
	DeniedRegions []string `yaml:"deniedRegions"`
}

// NewPolicy returns an open policy admitting every provider and region.
func NewPolicy() *Policy {
	return &Policy{
		allow:         make(map[types.ProviderID]struct{}),
		deny:          make(map[types.ProviderID]struct{}),
		deniedRegions: make(map[string]struct{}),
	}
}

// LoadPolicy reads a YAML policy file from disk.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read policy %s: %w", path, err)
	}
	var file PolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("registry: decode policy %s: %w", path, err)
	}
	policy := NewPolicy()
	for _, id := range file.Allow {
		if parsed, err := types.ParseProviderID(id); err == nil {
			policy.allow[parsed] = struct{}{}
		}
	}
	for _, id := range file.Deny {
		if parsed, err := types.ParseProviderID(id); err == nil {
			policy.deny[parsed] = struct{}{}
		}
	}
	for _, region := range file.DeniedRegions {
		normalized := strings.ToLower(strings.TrimSpace(region))
		if normalized != "" {
			policy.deniedRegions[normalized] = struct{}{}
		}
	}
	return policy, nil
}

// Allows reports whether the provider passes the allow/deny lists.
func (p *Policy) Allows(id types.ProviderID) bool {
	if p == nil {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, denied := p.deny[id]; denied {
		return false
	}
	if len(p.allow) == 0 {
		return true
	}
	_, ok := p.allow[id]
	return ok
}

// RegionDenied reports whether the region is barred from receiving work.
func (p *Policy) RegionDenied(region string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, denied := p.deniedRegions[strings.ToLower(strings.TrimSpace(region))]
	return denied
}

// Deny adds a provider to the deny list at runtime.
func (p *Policy) Deny(id types.ProviderID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deny[id] = struct{}{}
}

// Allow adds a provider to the allowlist at runtime.
func (p *Policy) Allow(id types.ProviderID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allow[id] = struct{}{}
}
