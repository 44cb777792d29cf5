package kclist

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// Policy decides whether a module may be loaded. Implementations are
// opaque to the pipeline; only the report emitter consults them.
type Policy interface {
	IsLoadPermitted(identifier string) bool
}

// PolicyFunc adapts a function to [Policy].
type PolicyFunc func(identifier string) bool

func (f PolicyFunc) IsLoadPermitted(identifier string) bool {
	return f(identifier)
}

// AllowAll permits every module.
var AllowAll Policy = PolicyFunc(func(string) bool { return true })

// ListPolicy permits modules by glob patterns matched with [path.Match].
// Deny patterns win over allow patterns; an empty allow list permits
// everything not denied.
type ListPolicy struct {
	Allow []string `yaml:"allow" mapstructure:"allow"`
	Deny  []string `yaml:"deny" mapstructure:"deny"`
}

// Validate reports the first malformed pattern.
func (p *ListPolicy) Validate() error {
	for _, list := range [][]string{p.Allow, p.Deny} {
		for _, pat := range list {
			if _, err := path.Match(pat, ""); err != nil {
				return fmt.Errorf("policy pattern %q: %w", pat, err)
			}
		}
	}
	return nil
}

func (p *ListPolicy) IsLoadPermitted(identifier string) bool {
	if matchAny(p.Deny, identifier) {
		return false
	}
	return len(p.Allow) == 0 || matchAny(p.Allow, identifier)
}

func matchAny(patterns []string, s string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, s); ok {
			return true
		}
	}
	return false
}

// LoadPolicy reads a [ListPolicy] from a YAML file.
func LoadPolicy(file string) (*ListPolicy, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	var p ListPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("load policy %q: %w", file, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("load policy %q: %w", file, err)
	}
	return &p, nil
}
