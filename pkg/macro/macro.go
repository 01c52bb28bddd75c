package macro

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/parley/pkg/chat"
)

// Host is what a running macro may reach in the hosting session
type Host interface {
	UserRole() string
	Registry() *Registry
	SetToolApprovalMode(ctx context.Context, mode chat.ApprovalMode) error
}

// Func is the signature every macro component implements. A nil message
// means the macro produced nothing to show.
type Func func(ctx context.Context, args Args, state chat.State, host Host) (*chat.Message, error)

// Definition is a registered macro: its serializable spec plus the callable
type Definition struct {
	chat.MacroSpec
	Component Func
}

// Args carries the arguments of one invocation. Text invocations fill
// Positional, model tool calls fill Named.
type Args struct {
	Positional []string
	Named      map[string]interface{}
}

// String returns the named argument, else the positional one at index
func (a Args) String(name string, index int) string {
	if v, ok := a.Named[name]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	if index >= 0 && index < len(a.Positional) {
		return a.Positional[index]
	}
	return ""
}

// Text joins all positional arguments with spaces
func (a Args) Text() string {
	return strings.Join(a.Positional, " ")
}

// Empty reports whether no argument was given
func (a Args) Empty() bool {
	return len(a.Positional) == 0 && len(a.Named) == 0
}

// Call is a parsed text invocation bound to its definition
type Call struct {
	Definition *Definition
	Args       Args
	Text       string
}

// Invoke runs a definition's component for the host. Role checks happen
// here, and a panicking component is reported as an error.
func Invoke(ctx context.Context, def *Definition, args Args, state chat.State, host Host) (msg *chat.Message, err error) {
	if def == nil || def.Component == nil {
		return nil, fmt.Errorf("macro has no component")
	}

	role := ""
	if host != nil {
		role = host.UserRole()
	}
	if !def.AllowsRole(role) {
		return nil, fmt.Errorf("macro %s requires role %s", def.Key(), strings.Join(def.Roles, " or "))
	}

	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("macro %s panicked: %v", def.Key(), r)
		}
	}()

	return def.Component(ctx, args, state, host)
}
