package macro

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/parley/pkg/chat"
)

// CoreNamespace is the namespace of the built-in macros
const CoreNamespace = "core"

// BuiltinVersion is the version every built-in macro is registered under
const BuiltinVersion = "1.0.0"

// Builtins returns the default macros merged into a registry at startup
func Builtins() []Definition {
	return []Definition{
		{
			MacroSpec: chat.MacroSpec{
				NameSpace: CoreNamespace,
				Name:      "help",
				Version:   BuiltinVersion,
				Alias:     "help",
				RunAt:     chat.RunAtClient,
			},
			Component: helpMacro,
		},
		{
			MacroSpec: chat.MacroSpec{
				NameSpace: CoreNamespace,
				Name:      "echo",
				Version:   BuiltinVersion,
				Alias:     "echo",
				RunAt:     chat.RunAtClient,
				Tools: []chat.ToolSpec{{
					Name:        "echo",
					Description: "Repeat the given text back verbatim",
					Safe:        true,
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"text": map[string]interface{}{
								"type":        "string",
								"description": "Text to repeat",
							},
						},
						"required": []interface{}{"text"},
					},
				}},
			},
			Component: echoMacro,
		},
		{
			MacroSpec: chat.MacroSpec{
				NameSpace: CoreNamespace,
				Name:      "time",
				Version:   BuiltinVersion,
				Alias:     "now",
				RunAt:     chat.RunAtClient,
				Tools: []chat.ToolSpec{{
					Name:        "current_time",
					Description: "Get the current date and time",
					Icon:        "clock",
					Safe:        true,
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"timezone": map[string]interface{}{
								"type":        "string",
								"description": "IANA time zone name, e.g. Europe/Berlin",
							},
						},
					},
				}},
			},
			Component: timeMacro,
		},
		{
			MacroSpec: chat.MacroSpec{
				NameSpace: CoreNamespace,
				Name:      "add",
				Version:   BuiltinVersion,
				Alias:     "add",
				Roles:     []string{"admin"},
				RunAt:     chat.RunAtClient,
			},
			Component: addMacro,
		},
		{
			MacroSpec: chat.MacroSpec{
				NameSpace: CoreNamespace,
				Name:      "approval",
				Version:   BuiltinVersion,
				Alias:     "approval",
				RunAt:     chat.RunAtClient,
			},
			Component: approvalMacro,
		},
	}
}

func reply(content string) *chat.Message {
	msg := chat.NewMessage(chat.RoleAssistant, content)
	return &msg
}

func helpMacro(_ context.Context, _ Args, _ chat.State, host Host) (*chat.Message, error) {
	if host == nil || host.Registry() == nil {
		return nil, fmt.Errorf("no registry available")
	}

	var b strings.Builder
	b.WriteString("Available macros:\n")
	role := host.UserRole()
	for _, spec := range host.Registry().Specs() {
		if !spec.AllowsRole(role) {
			continue
		}
		fmt.Fprintf(&b, "- @%s", spec.Key())
		if spec.Alias != "" {
			fmt.Fprintf(&b, " (%s)", spec.QualifiedName())
		}
		if len(spec.Tools) > 0 {
			names := make([]string, 0, len(spec.Tools))
			for _, t := range spec.Tools {
				names = append(names, t.Name)
			}
			fmt.Fprintf(&b, " tools: %s", strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	return reply(strings.TrimRight(b.String(), "\n")), nil
}

func echoMacro(_ context.Context, args Args, _ chat.State, _ Host) (*chat.Message, error) {
	text := args.String("text", -1)
	if text == "" {
		text = args.Text()
	}
	if text == "" {
		return nil, nil
	}
	return reply(text), nil
}

func timeMacro(_ context.Context, args Args, _ chat.State, _ Host) (*chat.Message, error) {
	now := time.Now()
	if tz := args.String("timezone", 0); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown time zone %q", tz)
		}
		now = now.In(loc)
	}
	return reply(now.Format(time.RFC3339)), nil
}

// addMacro registers an existing macro under a new alias:
// @add(alias, namespace.name[@version])
func addMacro(_ context.Context, args Args, _ chat.State, host Host) (*chat.Message, error) {
	if len(args.Positional) != 2 {
		return nil, fmt.Errorf("usage: @add(alias, namespace.name[@version])")
	}
	if host == nil || host.Registry() == nil {
		return nil, fmt.Errorf("no registry available")
	}

	alias := strings.TrimPrefix(strings.TrimSpace(args.Positional[0]), Sigil)
	if alias == "" || strings.ContainsAny(alias, ".@() ") {
		return nil, fmt.Errorf("invalid alias %q", args.Positional[0])
	}

	reg := host.Registry()
	ref, _, err := ParseInvocation(Sigil + strings.TrimPrefix(strings.TrimSpace(args.Positional[1]), Sigil))
	if err != nil {
		return nil, fmt.Errorf("invalid macro reference: %w", err)
	}

	var target *Definition
	if ref.NameSpace == "" {
		target = reg.ResolveByAlias(ref.Name)
	} else {
		target = reg.Lookup(ref.NameSpace, ref.Name, ref.Version)
	}
	if target == nil {
		return nil, fmt.Errorf("macro %s not found", args.Positional[1])
	}

	def := *target
	def.Alias = alias
	def.Tools = append([]chat.ToolSpec(nil), target.Tools...)
	def.Roles = append([]string(nil), target.Roles...)
	if err := reg.Register(def); err != nil {
		return nil, err
	}

	return reply(fmt.Sprintf("Registered @%s for %s", alias, target.QualifiedName())), nil
}

func approvalMacro(ctx context.Context, args Args, state chat.State, host Host) (*chat.Message, error) {
	value := args.String("mode", 0)
	if value == "" {
		return reply(fmt.Sprintf("Tool approval mode is %s", state.ToolApprovalMode)), nil
	}
	mode, err := chat.ParseApprovalMode(value)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, fmt.Errorf("no session host available")
	}
	if err := host.SetToolApprovalMode(ctx, mode); err != nil {
		return nil, fmt.Errorf("failed to set approval mode: %w", err)
	}
	return reply(fmt.Sprintf("Tool approval mode set to %s", mode)), nil
}
