package macro

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/parley/pkg/chat"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Registry holds macro definitions keyed by alias or qualified name
type Registry struct {
	defs    map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

func schemaKey(defKey, tool string) string {
	return defKey + "#" + tool
}

// Register inserts a definition under its key, replacing any previous one
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid macro definition: %w", err)
	}

	schemas := make(map[string]*gojsonschema.Schema, len(def.Tools))
	for _, tool := range def.Tools {
		if len(tool.Parameters) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Parameters))
		if err != nil {
			return fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		schemas[tool.Name] = schema
	}

	key := def.Key()
	d := def

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.defs[key]; ok {
		for _, tool := range old.Tools {
			delete(r.schemas, schemaKey(key, tool.Name))
		}
	}
	r.defs[key] = &d
	for name, schema := range schemas {
		r.schemas[schemaKey(key, name)] = schema
	}

	log.Debug().Str("macro", key).Int("tools", len(def.Tools)).Msg("Macro registered")

	return nil
}

// RegisterBatch registers every definition, continuing past failures
func (r *Registry) RegisterBatch(defs []Definition) error {
	var errs []error
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Unregister removes the definition stored under key
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.defs[key]; ok {
		for _, tool := range def.Tools {
			delete(r.schemas, schemaKey(key, tool.Name))
		}
		delete(r.defs, key)
	}
}

// Len returns the number of registered definitions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Get returns the definition stored under key
func (r *Registry) Get(key string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[key]
}

// ResolveByAlias returns the definition whose alias equals alias
func (r *Registry) ResolveByAlias(alias string) *Definition {
	if alias == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.defs[alias]; ok && def.Alias == alias {
		return def
	}
	return nil
}

// Lookup finds a definition by namespace and name. An empty version picks
// the highest registered one.
func (r *Registry) Lookup(namespace, name, version string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Definition
	for _, def := range r.defs {
		if def.NameSpace != namespace || def.Name != name {
			continue
		}
		if version != "" && !sameVersion(def.Version, version) {
			continue
		}
		candidates = append(candidates, def)
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, def := range candidates[1:] {
		if compareVersions(def.Version, best.Version) > 0 ||
			(compareVersions(def.Version, best.Version) == 0 && def.Key() < best.Key()) {
			best = def
		}
	}
	return best
}

// ResolveTool finds the definition a model tool call refers to. The name is
// tried as an alias first, then as a declared tool name. When visible is
// non-empty only those macros are considered.
func (r *Registry) ResolveTool(name string, visible []chat.MacroSpec) (*Definition, chat.ToolSpec, bool) {
	allowed := func(def *Definition) bool {
		if len(visible) == 0 {
			return true
		}
		for _, spec := range visible {
			if spec.Key() == def.Key() {
				return true
			}
		}
		return false
	}

	if def := r.ResolveByAlias(name); def != nil && allowed(def) {
		tool, ok := def.Tool(name)
		if !ok {
			tool = chat.ToolSpec{Name: name, Description: def.QualifiedName()}
		}
		return def, tool, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.defs))
	for key := range r.defs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		def := r.defs[key]
		if !allowed(def) {
			continue
		}
		if tool, ok := def.Tool(name); ok {
			return def, tool, true
		}
	}
	return nil, chat.ToolSpec{}, false
}

// ValidateArguments checks model-supplied params against the tool schema
func (r *Registry) ValidateArguments(def *Definition, tool string, params map[string]interface{}) error {
	if def == nil {
		return nil
	}

	r.mu.RLock()
	schema := r.schemas[schemaKey(def.Key(), tool)]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

// Specs returns the serializable part of every definition, sorted by key
func (r *Registry) Specs() []chat.MacroSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]chat.MacroSpec, 0, len(r.defs))
	for _, def := range r.defs {
		specs = append(specs, def.MacroSpec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Key() < specs[j].Key() })
	return specs
}

// Tools returns every declared tool, deduplicated by name
func (r *Registry) Tools() []chat.ToolSpec {
	return chat.ToolsOf(r.Specs())
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("macro name cannot be empty")
	}
	if def.Component == nil && def.RunAt != chat.RunAtServer {
		return fmt.Errorf("client macro %s has no component", def.Name)
	}
	seen := make(map[string]bool, len(def.Tools))
	for _, tool := range def.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool name cannot be empty")
		}
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool %s", tool.Name)
		}
		seen[tool.Name] = true
	}
	return nil
}

func sameVersion(a, b string) bool {
	if a == b {
		return true
	}
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return false
	}
	return va.Equal(vb)
}

// compareVersions orders semantic versions; unparsable ones compare lexically
// and sort below any valid version.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
