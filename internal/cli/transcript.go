package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/history"
)

// transcript prints session changes to a terminal. Each message is printed
// once; tool outcomes attached later are printed as they arrive.
type transcript struct {
	mu       sync.Mutex
	out      io.Writer
	shown    map[string]int // message id -> tool outcomes printed
	streamed int            // bytes of the provisional reply printed so far

	// typing returns the provisional streamed reply, nil when none
	typing func() *chat.Message
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{
		out:   out,
		shown: make(map[string]int),
	}
}

// update renders st; it is the OnChange hook of both engines
func (t *transcript) update(st chat.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.typing != nil {
		if msg := t.typing(); msg != nil && len(msg.Content) > t.streamed {
			if t.streamed == 0 {
				fmt.Fprint(t.out, speaker(st.Persona))
			}
			fmt.Fprint(t.out, msg.Content[t.streamed:])
			t.streamed = len(msg.Content)
		}
	}

	for _, msg := range history.Visible(st.History) {
		t.render(st.Persona, msg)
	}
}

// reset forgets what was printed, so a loaded session is shown in full
func (t *transcript) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shown = make(map[string]int)
	t.streamed = 0
}

func (t *transcript) render(persona chat.Persona, msg chat.Message) {
	printed, seen := t.shown[msg.ID]
	if !seen {
		t.renderBody(persona, msg)
	}

	outcomes := len(msg.ToolResults) + len(msg.ToolErrors)
	if outcomes > printed {
		t.renderOutcomes(msg, printed)
	}
	t.shown[msg.ID] = outcomes
}

func (t *transcript) renderBody(persona chat.Persona, msg chat.Message) {
	switch msg.Role {
	case chat.RoleUser:
		// the user already sees what they typed
		if msg.Component != "" {
			fmt.Fprintf(t.out, "  [%s] %s\n", msg.Component, msg.Content)
		}
	case chat.RoleAssistant:
		if t.streamed > 0 {
			fmt.Fprintln(t.out)
			t.streamed = 0
		} else if msg.Content != "" {
			fmt.Fprintf(t.out, "%s%s\n", speaker(persona), msg.Content)
		}
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(t.out, "  -> %s %s\n", call.Function.Name, call.Function.Arguments)
		}
	case chat.RoleError:
		fmt.Fprintf(t.out, "error: %s\n", msg.Content)
	default:
		fmt.Fprintf(t.out, "%s: %s\n", msg.Role, msg.Content)
	}
}

// renderOutcomes prints results then errors, skipping the first skip
func (t *transcript) renderOutcomes(msg chat.Message, skip int) {
	i := 0
	for _, r := range msg.ToolResults {
		if i >= skip {
			fmt.Fprintf(t.out, "  ok %s: %s\n", r.Name, oneLine(r.Content))
		}
		i++
	}
	for _, e := range msg.ToolErrors {
		if i >= skip {
			fmt.Fprintf(t.out, "  !! %s: %s\n", e.Name, oneLine(e.Message))
		}
		i++
	}
}

func speaker(p chat.Persona) string {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return name + "> "
}

func oneLine(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
