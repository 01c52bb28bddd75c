package chat

import "fmt"

// RunAt tells where a macro executes
type RunAt string

const (
	RunAtClient RunAt = "client"
	RunAtServer RunAt = "server"
)

// ToolSpec is the model-facing schema of a macro tool
type ToolSpec struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Icon        string                 `json:"icon,omitempty" yaml:"icon,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Safe        bool                   `json:"safe,omitempty" yaml:"safe,omitempty"` // may run without a prompt in SAFE_AUTO mode
}

// MacroSpec is the serializable description of a macro definition
type MacroSpec struct {
	NameSpace string     `json:"nameSpace" yaml:"namespace"`
	Name      string     `json:"name" yaml:"name"`
	Version   string     `json:"version" yaml:"version"`
	Alias     string     `json:"alias,omitempty" yaml:"alias,omitempty"`
	Roles     []string   `json:"roles,omitempty" yaml:"roles,omitempty"`
	RunAt     RunAt      `json:"runat" yaml:"runat"`
	Tools     []ToolSpec `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// QualifiedName returns namespace.name@version
func (m MacroSpec) QualifiedName() string {
	name := m.Name
	if m.NameSpace != "" {
		name = m.NameSpace + "." + m.Name
	}
	if m.Version != "" {
		name += "@" + m.Version
	}
	return name
}

// Key returns the lookup key: the alias when set, else the qualified name
func (m MacroSpec) Key() string {
	if m.Alias != "" {
		return m.Alias
	}
	return m.QualifiedName()
}

// DeclaresTool reports whether the macro exposes a tool with the given name
func (m MacroSpec) DeclaresTool(name string) bool {
	for _, t := range m.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Tool returns the named tool declaration
func (m MacroSpec) Tool(name string) (ToolSpec, bool) {
	for _, t := range m.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}

// AllowsRole reports whether a user with the given role may run the macro
func (m MacroSpec) AllowsRole(role string) bool {
	if len(m.Roles) == 0 || IsElevated(role) {
		return true
	}
	for _, r := range m.Roles {
		if r == role || r == "*" {
			return true
		}
	}
	return false
}

func (m MacroSpec) String() string {
	return fmt.Sprintf("macro(%s)", m.Key())
}

// DedupeTools drops tools whose name was already seen; first occurrence wins.
func DedupeTools(tools []ToolSpec) []ToolSpec {
	if tools == nil {
		return nil
	}
	seen := make(map[string]bool, len(tools))
	out := make([]ToolSpec, 0, len(tools))
	for _, t := range tools {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out
}

// DedupeMacros drops macros whose key was already seen; first occurrence wins.
func DedupeMacros(macros []MacroSpec) []MacroSpec {
	if macros == nil {
		return nil
	}
	seen := make(map[string]bool, len(macros))
	out := make([]MacroSpec, 0, len(macros))
	for _, m := range macros {
		key := m.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// ToolsOf flattens the tool declarations of the given macros, deduplicated
func ToolsOf(macros []MacroSpec) []ToolSpec {
	var tools []ToolSpec
	for _, m := range macros {
		tools = append(tools, m.Tools...)
	}
	return DedupeTools(tools)
}
