package toolexecutor

import (
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/macro"
)

// Resolver maps a tool name to the macro that serves it
type Resolver interface {
	ResolveTool(name string, visible []chat.MacroSpec) (*macro.Definition, chat.ToolSpec, bool)
}

// Batch is a tool-call list split by approval need
type Batch struct {
	Approval []Invocation
	Auto     []Invocation
}

// Partition resolves calls and splits them by mode. PROMPT sends every call
// to approval, AUTO none. SAFE_AUTO runs calls whose tool is marked Safe and
// sends the rest, unresolved ones included, to approval.
func Partition(mode chat.ApprovalMode, calls []chat.ToolCallRequest, resolver Resolver, visible []chat.MacroSpec) Batch {
	var b Batch

	for i, call := range calls {
		inv := Invocation{Call: call, Position: i}
		if resolver != nil {
			if def, tool, ok := resolver.ResolveTool(call.Function.Name, visible); ok {
				inv.Definition = def
				inv.Tool = tool
			}
		}

		switch mode {
		case chat.ApprovalAuto:
			b.Auto = append(b.Auto, inv)
		case chat.ApprovalSafeAuto:
			if inv.Resolved() && inv.Tool.Safe {
				b.Auto = append(b.Auto, inv)
			} else {
				b.Approval = append(b.Approval, inv)
			}
		default:
			b.Approval = append(b.Approval, inv)
		}
	}
	return b
}

// Len returns the number of calls in the batch
func (b Batch) Len() int {
	return len(b.Approval) + len(b.Auto)
}
