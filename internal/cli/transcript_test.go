package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/history"
	"github.com/stretchr/testify/assert"
)

var bot = chat.Persona{ID: "assistant", Name: "Assistant"}

func TestTranscriptPrintsEachMessageOnce(t *testing.T) {
	var out bytes.Buffer
	view := newTranscript(&out)

	st := chat.State{Persona: bot, History: []chat.Message{
		chat.NewMessage(chat.RoleUser, "hi"),
		chat.NewMessage(chat.RoleAssistant, "hello"),
	}}
	view.update(st)
	view.update(st)

	assert.Equal(t, "Assistant> hello\n", out.String())
}

func TestTranscriptToolOutcomes(t *testing.T) {
	var out bytes.Buffer
	view := newTranscript(&out)

	reply := chat.NewMessage(chat.RoleAssistant, "")
	reply.ToolCalls = []chat.ToolCallRequest{
		chat.NewToolCall("c1", "echo", map[string]string{"text": "ping"}),
		chat.NewToolCall("c2", "fail", nil),
	}
	st := chat.State{Persona: bot, History: []chat.Message{reply}}
	view.update(st)
	assert.Equal(t, "  -> echo {\"text\":\"ping\"}\n  -> fail \n", out.String())

	out.Reset()
	st.History[0].ToolResults = []chat.ToolResult{{ToolCallID: "c1", Name: "echo", Content: "ping\n"}}
	view.update(st)
	assert.Equal(t, "  ok echo: ping\n", out.String())

	out.Reset()
	st.History[0].ToolErrors = []chat.ToolError{{ToolCallID: "c2", Name: "fail", Message: "denied"}}
	view.update(st)
	assert.Equal(t, "  !! fail: denied\n", out.String())
}

func TestTranscriptHidesInternalMessages(t *testing.T) {
	var out bytes.Buffer
	view := newTranscript(&out)

	view.update(chat.State{Persona: bot, History: []chat.Message{
		chat.NewMessage(chat.RoleSystem, "be nice"),
		chat.NewMessage(chat.RoleUser, history.DigestMarker+" echo: ping"),
		chat.NewMessage(chat.RoleError, "boom"),
	}})

	assert.Equal(t, "error: boom\n", out.String())
}

func TestTranscriptAttachments(t *testing.T) {
	var out bytes.Buffer
	view := newTranscript(&out)

	msg := chat.NewMessage(chat.RoleUser, "Attached notes.txt")
	msg.Component = "file"
	view.update(chat.State{Persona: bot, History: []chat.Message{msg}})

	assert.Equal(t, "  [file] Attached notes.txt\n", out.String())
}

func TestTranscriptStreaming(t *testing.T) {
	var out bytes.Buffer
	view := newTranscript(&out)

	var typing *chat.Message
	view.typing = func() *chat.Message { return typing }

	st := chat.State{Persona: bot}
	for _, partial := range []string{"Echo:", "Echo: hi", "Echo: hi there"} {
		msg := chat.NewMessage(chat.RoleAssistant, partial)
		typing = &msg
		view.update(st)
	}

	typing = nil
	st.History = []chat.Message{chat.NewMessage(chat.RoleAssistant, "Echo: hi there")}
	view.update(st)

	assert.Equal(t, "Assistant> Echo: hi there\n", out.String())
}

func TestTranscriptReset(t *testing.T) {
	var out bytes.Buffer
	view := newTranscript(&out)

	st := chat.State{Persona: bot, History: []chat.Message{chat.NewMessage(chat.RoleAssistant, "again")}}
	view.update(st)
	view.reset()
	view.update(st)

	assert.Equal(t, 2, strings.Count(out.String(), "again"))
}

func TestSpeakerAndOneLine(t *testing.T) {
	assert.Equal(t, "Assistant> ", speaker(bot))
	assert.Equal(t, "helper> ", speaker(chat.Persona{ID: "helper"}))

	assert.Equal(t, "a b", oneLine(" a\nb "))
	long := strings.Repeat("x", 250)
	assert.Equal(t, strings.Repeat("x", 200)+"...", oneLine(long))
}
