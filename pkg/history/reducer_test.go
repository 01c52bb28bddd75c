package history

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/harun/parley/pkg/chat"
)

// TestReducer_Fold replays a session's event log and compares the final
// history field by field
func TestReducer_Fold(t *testing.T) {
	r := Reducer{SessionID: "s1"}

	user := chat.NewMessage(chat.RoleUser, "what time is it")
	call := pendingCall("c1")
	late := chat.NewMessage(chat.RoleAssistant, "from an old session")
	results := []chat.ToolResult{{ToolCallID: "c1", Name: "echo", Content: "noon"}}

	events := []Event{
		Appended("", user),
		Appended("s1", call),
		Appended("s1", call), // redelivered
		Appended("s0", late),
		ToolOutcome("s1", []string{"c1"}, results, nil),
		ToolOutcome("s1", []string{"c1"}, nil, nil),
	}

	var h []chat.Message
	changes := 0
	for _, evt := range events {
		var changed bool
		h, changed = r.Apply(h, evt)
		if changed {
			changes++
		}
	}

	wantCall := call
	wantCall.SessionID = "s1"
	wantCall.ToolResults = results
	wantUser := user
	wantUser.SessionID = "s1"
	want := []chat.Message{wantUser, wantCall}

	if changes != 3 {
		t.Errorf("changes = %d, want 3", changes)
	}
	if diff := cmp.Diff(want, h, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}
