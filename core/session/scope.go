package session

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Scope restricts what a session may touch. Allowed holds glob patterns over
// entity keys; an empty list admits every key. ReadOnly carves a read-only
// subset out of the allowed set.
type Scope struct {
	Allowed     []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	ReadOnly    []string `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	AllowCreate bool     `json:"allow_create" yaml:"allow_create"`
	AllowDelete bool     `json:"allow_delete" yaml:"allow_delete"`
}

type compiledScope struct {
	spec     Scope
	allowed  []glob.Glob
	readOnly []glob.Glob
}

func compileScope(spec Scope) (*compiledScope, error) {
	cs := &compiledScope{spec: spec}

	for _, pattern := range spec.Allowed {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("scope pattern %q: %w", pattern, err)
		}
		cs.allowed = append(cs.allowed, g)
	}

	for _, pattern := range spec.ReadOnly {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("read-only scope pattern %q: %w", pattern, err)
		}
		cs.readOnly = append(cs.readOnly, g)
	}

	return cs, nil
}

func (cs *compiledScope) readable(key string) bool {
	return len(cs.allowed) == 0 || matchAny(cs.allowed, key)
}

func (cs *compiledScope) writable(key string) bool {
	return cs.readable(key) && !matchAny(cs.readOnly, key)
}

func matchAny(globs []glob.Glob, key string) bool {
	for _, g := range globs {
		if g.Match(key) {
			return true
		}
	}
	return false
}
