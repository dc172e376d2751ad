package etl

import (
	"fmt"
	"sort"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
)

// Factory constructs a plugin instance from its validated parameters. The
// instance name usually comes from the pipeline task.
type Factory func(name string, params *Params) (Plugin, error)

type registration struct {
	factory Factory
	version string
}

// Registry maps plugin names to factories and offers introspection for
// the console and runner CLIs.
type Registry struct {
	plugins utils.CMap[string, registration]
}

func NewRegistry() *Registry { return &Registry{} }

// DefaultRegistry is the process-wide registry pipeline managers fall
// back on.
var DefaultRegistry = NewRegistry()

// Register binds a factory under a plugin name, replacing any previous
// registration of the same name.
func (r *Registry) Register(name, version string, factory Factory) {
	r.plugins.Store(name, registration{factory: factory, version: version})
}

// Get resolves a plugin name to its factory.
func (r *Registry) Get(name string) (Factory, error) {
	reg, ok := r.plugins.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", niagads_errors.ErrPluginUnknown, name)
	}
	return reg.factory, nil
}

// Version reports the registered code version for a plugin, or "" when
// the plugin is unknown.
func (r *Registry) Version(name string) string {
	reg, _ := r.plugins.Load(name)
	return reg.version
}

// List returns the registered plugin names, sorted.
func (r *Registry) List() []string {
	var names []string
	r.plugins.Range(func(name string, _ registration) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// PluginInfo is the introspection record Describe assembles from a probe
// instance built with default parameters.
type PluginInfo struct {
	Name           string
	Version        string
	Description    string
	Operation      Operation
	Strategy       LoadStrategy
	AffectedTables []string
}

// Describe builds the introspection record for a registered plugin. It
// constructs a probe instance with default parameters; factories that
// require parameters should tolerate the probe.
func (r *Registry) Describe(name string) (PluginInfo, error) {
	reg, ok := r.plugins.Load(name)
	if !ok {
		return PluginInfo{}, fmt.Errorf("%w: %s", niagads_errors.ErrPluginUnknown, name)
	}
	probe, err := reg.factory(name, NewParams())
	if err != nil {
		return PluginInfo{}, fmt.Errorf("etl: describe %s: %w", name, err)
	}
	return PluginInfo{
		Name:           name,
		Version:        reg.version,
		Description:    probe.Description(),
		Operation:      probe.Operation(),
		Strategy:       probe.Strategy(),
		AffectedTables: probe.AffectedTables(),
	}, nil
}
