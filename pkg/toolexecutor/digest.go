package toolexecutor

import (
	"fmt"
	"strings"

	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/history"
)

// Digest renders tool outcomes as the text forwarded to the model:
//
//	Tool results:
//	Tool 1 (echo): hello
//	Errors:
//	- launch: unknown tool: launch
func Digest(results []chat.ToolResult, errs []chat.ToolError) string {
	var b strings.Builder
	b.WriteString(history.DigestMarker)
	for i, r := range results {
		fmt.Fprintf(&b, "\nTool %d (%s): %s", i+1, r.Name, r.Content)
	}
	if len(errs) > 0 {
		b.WriteString("\nErrors:")
		for _, e := range errs {
			fmt.Fprintf(&b, "\n- %s: %s", e.Name, e.Message)
		}
	}
	return b.String()
}
