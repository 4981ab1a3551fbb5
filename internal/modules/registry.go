// Package modules is the explicit butler module registry. Modules are
// enumerated at compile time — no runtime package walking — and ordered at
// startup with Kahn's algorithm so every module initialises after its
// dependencies. Cycles fail loudly.
package modules

import (
	"fmt"
	"sort"
)

// ToolDef names one MCP tool a module contributes.
type ToolDef struct {
	Name        string
	Description string
}

// Module declares one butler capability.
type Module struct {
	Name           string
	Description    string
	Dependencies   []string
	MigrationChain string
	Tools          []ToolDef
}

// Registry holds registered module declarations.
type Registry struct {
	modules map[string]Module
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: map[string]Module{}}
}

// Register adds a module declaration. Duplicate names error.
func (r *Registry) Register(m Module) error {
	if m.Name == "" {
		return fmt.Errorf("module name must not be empty")
	}
	if _, exists := r.modules[m.Name]; exists {
		return fmt.Errorf("module %q already registered", m.Name)
	}
	r.modules[m.Name] = m
	return nil
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// Names lists registered module names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the requested modules in dependency order (Kahn's
// algorithm, in-degree counting). Unknown modules and dependency cycles
// are hard errors — a butler must not start half-wired.
func (r *Registry) Resolve(requested []string) ([]Module, error) {
	// Close over transitive dependencies first.
	selected := map[string]Module{}
	var visit func(name string) error
	visit = func(name string) error {
		if _, done := selected[name]; done {
			return nil
		}
		m, ok := r.modules[name]
		if !ok {
			return fmt.Errorf("unknown module %q (registered: %v)", name, r.Names())
		}
		selected[name] = m
		for _, dep := range m.Dependencies {
			if err := visit(dep); err != nil {
				return fmt.Errorf("module %q: %w", name, err)
			}
		}
		return nil
	}
	for _, name := range requested {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	// Kahn: in-degree per selected module, dependencies as edges.
	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for name, m := range selected {
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}
		for _, dep := range m.Dependencies {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	ordered := make([]Module, 0, len(selected))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, selected[name])

		next := dependents[name]
		sort.Strings(next)
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(ordered) != len(selected) {
		var stuck []string
		for name, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("module dependency cycle involving %v", stuck)
	}
	return ordered, nil
}

// DefaultRegistry returns the registry pre-populated with the built-in
// modules every roster can draw from.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, m := range []Module{
		{
			Name:           "mailbox",
			Description:    "Inter-butler mail stored in the butler's schema",
			MigrationChain: "core",
			Tools:          []ToolDef{{Name: "mailbox_post", Description: "Append mail to this butler's mailbox"}},
		},
		{
			Name:           "schedule",
			Description:    "Cron-driven scheduled tasks",
			MigrationChain: "core",
			Tools: []ToolDef{
				{Name: "schedule_create", Description: "Create a runtime scheduled task"},
				{Name: "schedule_update", Description: "Update a scheduled task"},
				{Name: "schedule_delete", Description: "Delete a runtime scheduled task"},
				{Name: "schedule_trigger", Description: "Run a scheduled task immediately"},
				{Name: "schedule_toggle", Description: "Enable or disable a scheduled task"},
			},
		},
		{
			Name:           "state",
			Description:    "Versioned JSONB key-value state",
			MigrationChain: "core",
		},
		{
			Name:           "triage",
			Description:    "Deterministic pre-LLM triage for inbound events",
			Dependencies:   []string{"state"},
			MigrationChain: "switchboard",
		},
		{
			Name:           "routing",
			Description:    "Butler registry and route fan-out",
			Dependencies:   []string{"triage"},
			MigrationChain: "switchboard",
		},
		{
			Name:           "delivery",
			Description:    "Outbound delivery engine with dead-lettering",
			MigrationChain: "messenger",
		},
	} {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}
