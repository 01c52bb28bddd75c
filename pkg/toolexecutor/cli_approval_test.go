package toolexecutor

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIApprovalHandler_RequestApproval(t *testing.T) {
	req := ApprovalRequest{
		Tool:      "echo",
		Macro:     "core.echo@1.0.0",
		Arguments: map[string]interface{}{"text": "hi"},
	}

	tests := []struct {
		name     string
		input    string
		approved bool
		reason   string
		output   string
	}{
		{name: "y approves", input: "y\n", approved: true, reason: "approved by user", output: "Approved"},
		{name: "yes approves", input: "YES\n", approved: true, reason: "approved by user", output: "Approved"},
		{name: "n denies", input: "n\n", reason: "denied by user", output: "Declined"},
		{name: "empty line denies", input: "\n", reason: "denied by user", output: "Declined"},
		{name: "garbage denies", input: "maybe\n", reason: "invalid input: maybe", output: "Invalid input"},
		{name: "eof denies", input: "", reason: "no input provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &bytes.Buffer{}
			handler := NewCLIApprovalHandler(strings.NewReader(tt.input), writer)

			resp, err := handler.RequestApproval(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.approved, resp.Approved)
			assert.Equal(t, tt.reason, resp.Reason)

			out := writer.String()
			assert.Contains(t, out, "Tool approval required")
			assert.Contains(t, out, "core.echo@1.0.0")
			assert.Contains(t, out, `{"text":"hi"}`)
			if tt.output != "" {
				assert.Contains(t, out, tt.output)
			}
		})
	}
}

func TestCLIApprovalHandler_SharedReader(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("y\nn\nnext line\n"))
	handler := NewCLIApprovalHandler(reader, &bytes.Buffer{})

	first, err := handler.RequestApproval(context.Background(), ApprovalRequest{Tool: "a"})
	require.NoError(t, err)
	second, err := handler.RequestApproval(context.Background(), ApprovalRequest{Tool: "b"})
	require.NoError(t, err)

	assert.True(t, first.Approved)
	assert.False(t, second.Approved)

	rest, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "next line\n", rest)
}
