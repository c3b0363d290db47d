// Package personality holds the static table of personality profiles
// (system prompt, model, temperature, endpoint) that conversations
// choose between.
package personality

import (
	"errors"
	"sort"

	"github.com/nugget/hearth/internal/config"
)

// ErrUnknown is returned by Lookup for a name not in the registry.
var ErrUnknown = errors.New("unknown personality")

// Profile is one immutable personality profile.
type Profile struct {
	Name        string
	Prompt      string
	Model       string
	Temperature float64
	Endpoint    string
}

// Registry maps profile names to profiles. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	profiles    map[string]Profile
	defaultName string
}

// NewRegistry builds a registry from configured profiles. defaultName
// must name one of them; config.Validate enforces this.
func NewRegistry(profiles []config.PersonalityConfig, defaultName string) *Registry {
	r := &Registry{
		profiles:    make(map[string]Profile, len(profiles)),
		defaultName: defaultName,
	}
	for _, p := range profiles {
		r.profiles[p.Name] = Profile{
			Name:        p.Name,
			Prompt:      p.Prompt,
			Model:       p.Model,
			Temperature: p.Temperature,
			Endpoint:    p.Endpoint,
		}
	}
	return r
}

// Lookup returns the named profile or ErrUnknown.
func (r *Registry) Lookup(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, ErrUnknown
	}
	return p, nil
}

// Resolve returns the named profile, falling back to the default when
// the name is empty or unknown. It never fails.
func (r *Registry) Resolve(name string) Profile {
	if p, ok := r.profiles[name]; ok {
		return p
	}
	return r.profiles[r.defaultName]
}

// Default returns the default profile.
func (r *Registry) Default() Profile {
	return r.profiles[r.defaultName]
}

// DefaultName returns the name of the default profile.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Names returns all profile names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
