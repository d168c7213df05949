package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Registry is the immutable set of providers active in this process.
type Registry struct {
	byName map[string]Provider
	names  []string
}

// NewRegistry registers provs. Names are matched case-insensitively and must
// be unique.
func NewRegistry(provs ...Provider) (*Registry, error) {
	r := &Registry{byName: make(map[string]Provider, len(provs))}
	for _, p := range provs {
		if p == nil {
			return nil, fmt.Errorf("providers: nil provider")
		}
		name := strings.ToLower(p.Name())
		if name == "" {
			return nil, fmt.Errorf("providers: provider with empty name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("providers: duplicate provider %q", name)
		}
		r.byName[name] = p
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	if p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p, nil
	}
	if name == "" {
		return nil, apierr.New(apierr.KindUnsupportedProvider, "provider not specified")
	}
	return nil, apierr.Newf(apierr.KindUnsupportedProvider, "unsupported provider %q", name)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of registered providers.
func (r *Registry) Len() int { return len(r.byName) }
