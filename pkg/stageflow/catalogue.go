package stageflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Catalogue holds the flows known to a process: the built-in flows plus
// any loaded from definition files.
type Catalogue struct {
	flows map[string]*Flow
}

// NewCatalogue returns a catalogue of the built-in flows.
func NewCatalogue() (*Catalogue, error) {
	c := &Catalogue{flows: make(map[string]*Flow)}
	for _, name := range BuiltinNames() {
		f, err := Builtin(name)
		if err != nil {
			return nil, err
		}
		c.flows[name] = f
	}
	return c, nil
}

// Add registers a flow. Names are unique; a definition cannot shadow a
// built-in flow.
func (c *Catalogue) Add(f *Flow) error {
	if f == nil {
		return fmt.Errorf("flow is required")
	}
	if _, ok := c.flows[f.Name()]; ok {
		return &ConfigurationError{Flow: f.Name(), Reason: "flow name already registered"}
	}
	c.flows[f.Name()] = f
	return nil
}

// LoadDefinitions adds the flows of every definition file matching the
// patterns. Patterns use doublestar syntax (e.g. flows/**/*.yaml). A
// literal path that matches nothing is an error.
func (c *Catalogue) LoadDefinitions(patterns ...string) error {
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return fmt.Errorf("flow definitions %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			if !strings.ContainsAny(pattern, "*?[{") {
				return fmt.Errorf("flow definition not found: %s", pattern)
			}
			continue
		}
		sort.Strings(matches)
		for _, path := range matches {
			f, err := LoadDefinition(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := c.Add(f); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return nil
}

// Get returns the named flow.
func (c *Catalogue) Get(name string) (*Flow, error) {
	f, ok := c.flows[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownFlow, name, strings.Join(c.Names(), ", "))
	}
	return f, nil
}

// Names lists flow names in sorted order.
func (c *Catalogue) Names() []string {
	names := make([]string, 0, len(c.flows))
	for name := range c.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
