package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/parley/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipeline(t *testing.T) {
	_, err := NewPipeline(nil)
	assert.Error(t, err)

	p, err := NewPipeline(testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDepth, p.MaxDepth())

	_, err = NewPipeline(testRegistry(t), WithMaxDepth(-1))
	assert.Error(t, err)
}

func TestPipeline_PromptBatchWithOneDecline(t *testing.T) {
	reg := testRegistry(t)
	handler := &MockApprovalHandler{
		Decide: func(req ApprovalRequest) ApprovalResponse {
			if req.ToolCallID == "c2" {
				return ApprovalResponse{Approved: false, Reason: "not today"}
			}
			return ApprovalResponse{Approved: true}
		},
	}
	p, err := NewPipeline(reg, WithApprovalHandler(handler))
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalPrompt, reg)
	msg := sess.pending(echoCall("c1", "one"), echoCall("c2", "two"), echoCall("c3", "three"))

	require.NoError(t, p.Run(context.Background(), sess, msg))

	merged := sess.message(msg.ID)
	require.Len(t, merged.ToolResults, 2)
	require.Len(t, merged.ToolErrors, 1)
	assert.Equal(t, "c2", merged.ToolErrors[0].ToolCallID)
	assert.Equal(t, "declined by user: not today", merged.ToolErrors[0].Message)
	assert.Equal(t, "one", merged.ToolResults[0].Content)
	assert.Equal(t, "three", merged.ToolResults[1].Content)

	require.Len(t, handler.Requests, 3, "every call was asked in order")
	assert.Equal(t, "c1", handler.Requests[0].ToolCallID)
	assert.Equal(t, "c3", handler.Requests[2].ToolCallID)

	require.Equal(t, 1, sess.forwardCount())
	assert.Equal(t, "Tool results:\nTool 1 (echo): one\nTool 2 (echo): three\nErrors:\n- echo: declined by user: not today", sess.forwards[0])
}

func TestPipeline_UnresolvedCallDoesNotBlockBatch(t *testing.T) {
	reg := testRegistry(t)
	handler := &MockApprovalHandler{AutoApprove: true}
	p, err := NewPipeline(reg, WithApprovalHandler(handler))
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalPrompt, reg)
	msg := sess.pending(chat.NewToolCall("c1", "launch_rockets", nil), echoCall("c2", "ok"))

	require.NoError(t, p.Run(context.Background(), sess, msg))

	merged := sess.message(msg.ID)
	require.Len(t, merged.ToolErrors, 1)
	assert.Equal(t, "unknown tool: launch_rockets", merged.ToolErrors[0].Message)
	assert.Len(t, merged.ToolResults, 1)
	assert.Len(t, handler.Requests, 1, "unresolved calls are never shown for approval")
}

func TestPipeline_AutoRunsConcurrently(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(slowTool(200*time.Millisecond)))
	p, err := NewPipeline(reg)
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalAuto, reg)
	msg := sess.pending(
		chat.NewToolCall("a", "slow", nil),
		chat.NewToolCall("b", "slow", nil),
		chat.NewToolCall("c", "slow", nil),
	)

	start := time.Now()
	require.NoError(t, p.Run(context.Background(), sess, msg))

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	merged := sess.message(msg.ID)
	require.Len(t, merged.ToolResults, 3)
	assert.Equal(t, "a", merged.ToolResults[0].ToolCallID, "results keep call order")
	assert.Equal(t, "c", merged.ToolResults[2].ToolCallID)
}

func TestPipeline_SafeAutoPromptsOnlyUnsafe(t *testing.T) {
	reg := testRegistry(t)
	handler := &MockApprovalHandler{Response: ApprovalResponse{Approved: false, Reason: "no"}}
	p, err := NewPipeline(reg, WithApprovalHandler(handler))
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalSafeAuto, reg)
	sess.role = "admin"
	msg := sess.pending(echoCall("c1", "safe"), chat.NewToolCall("c2", "add", map[string]interface{}{}))

	require.NoError(t, p.Run(context.Background(), sess, msg))

	require.Len(t, handler.Requests, 1)
	assert.Equal(t, "c2", handler.Requests[0].ToolCallID)
	merged := sess.message(msg.ID)
	assert.Len(t, merged.ToolResults, 1)
	assert.Len(t, merged.ToolErrors, 1)
}

func TestPipeline_StopsWhenNoResults(t *testing.T) {
	reg := testRegistry(t)
	p, err := NewPipeline(reg, WithApprovalHandler(DenyAllHandler{}))
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalPrompt, reg)
	msg := sess.pending(echoCall("c1", "x"))

	require.NoError(t, p.Run(context.Background(), sess, msg))

	assert.Equal(t, 0, sess.forwardCount())
	assert.Len(t, sess.message(msg.ID).ToolErrors, 1)
}

func TestPipeline_RecursionCeiling(t *testing.T) {
	reg := testRegistry(t)
	const maxDepth = 3
	p, err := NewPipeline(reg, WithMaxDepth(maxDepth))
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalAuto, reg)
	var calls int32
	sess.reply = func(n int, _ string) (*chat.Message, error) {
		atomic.AddInt32(&calls, 1)
		m := chat.NewMessage(chat.RoleAssistant, "")
		m.ToolCalls = []chat.ToolCallRequest{echoCall(fmt.Sprintf("r%d", n), "again")}
		return &m, nil
	}
	msg := sess.pending(echoCall("c0", "start"))

	require.NoError(t, p.Run(context.Background(), sess, msg))

	assert.Equal(t, int32(maxDepth+1), atomic.LoadInt32(&calls))
	errs := sess.allErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, CeilingToolName, errs[0].Name)
	assert.Equal(t, "maximum tool-call recursion depth (3) exceeded", errs[0].Message)
}

func TestPipeline_DefaultCeilingIsTen(t *testing.T) {
	reg := testRegistry(t)
	p, err := NewPipeline(reg)
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalAuto, reg)
	sess.reply = func(n int, _ string) (*chat.Message, error) {
		m := chat.NewMessage(chat.RoleAssistant, "")
		m.ToolCalls = []chat.ToolCallRequest{echoCall(fmt.Sprintf("r%d", n), "loop")}
		return &m, nil
	}
	msg := sess.pending(echoCall("c0", "start"))

	require.NoError(t, p.Run(context.Background(), sess, msg))

	assert.Equal(t, 11, sess.forwardCount(), "initial round plus ten recursive hops")
	errs := sess.allErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "(10)")
}

func TestPipeline_ForwardFailureIsFatal(t *testing.T) {
	reg := testRegistry(t)
	p, err := NewPipeline(reg)
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalAuto, reg)
	sess.reply = func(int, string) (*chat.Message, error) {
		return nil, errors.New("connection reset")
	}
	msg := sess.pending(echoCall("c1", "hi"))

	err = p.Run(context.Background(), sess, msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Len(t, sess.message(msg.ID).ToolResults, 1, "outcome is kept")
}

func TestPipeline_ModeChangeMidRun(t *testing.T) {
	reg := testRegistry(t)
	handler := &MockApprovalHandler{AutoApprove: true}
	p, err := NewPipeline(reg, WithApprovalHandler(handler))
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalPrompt, reg)
	sess.reply = func(n int, _ string) (*chat.Message, error) {
		m := chat.NewMessage(chat.RoleAssistant, "")
		if n == 1 {
			m.ToolCalls = []chat.ToolCallRequest{echoCall("second", "again")}
		} else {
			m.Content = "finished"
		}
		return &m, nil
	}
	msg := sess.pending(chat.NewToolCall("first", "approval", map[string]interface{}{"mode": "auto"}))

	require.NoError(t, p.Run(context.Background(), sess, msg))

	assert.Len(t, handler.Requests, 1, "the follow-up round runs under the new AUTO mode")
	assert.Equal(t, chat.ApprovalAuto, sess.State().ToolApprovalMode)
	assert.Equal(t, 2, sess.forwardCount())
}

func TestPipeline_NoToolCalls(t *testing.T) {
	p, err := NewPipeline(testRegistry(t))
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalAuto, p.registry)
	assert.NoError(t, p.Run(context.Background(), sess, chat.NewMessage(chat.RoleAssistant, "plain")))
	assert.Equal(t, 0, sess.forwardCount())
}

func TestPipeline_MalformedArgumentsAreNotOfferedForApproval(t *testing.T) {
	reg := testRegistry(t)
	handler := &MockApprovalHandler{AutoApprove: true}
	p, err := NewPipeline(reg, WithApprovalHandler(handler))
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalPrompt, reg)
	msg := sess.pending(
		chat.NewToolCall("c1", "echo", json.RawMessage(`{"text": `)),
		echoCall("c2", "fine"),
	)

	require.NoError(t, p.Run(context.Background(), sess, msg))

	merged := sess.message(msg.ID)
	require.Len(t, merged.ToolErrors, 1)
	assert.Equal(t, "c1", merged.ToolErrors[0].ToolCallID)
	assert.Contains(t, merged.ToolErrors[0].Message, "invalid arguments")
	require.Len(t, handler.Requests, 1)
	assert.Equal(t, "c2", handler.Requests[0].ToolCallID)
}

func TestPipeline_IgnoresCallsFromAnotherSession(t *testing.T) {
	reg := testRegistry(t)
	p, err := NewPipeline(reg)
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalAuto, reg)
	late := chat.NewMessage(chat.RoleAssistant, "")
	late.SessionID = "s0"
	late.ToolCalls = []chat.ToolCallRequest{echoCall("c1", "ping")}

	require.NoError(t, p.Run(context.Background(), sess, late))
	assert.Equal(t, 0, sess.forwardCount())
	assert.Empty(t, sess.allErrors())
	assert.Empty(t, sess.State().History)
}

func TestPipeline_StopsWhenSessionChangesBeforeForward(t *testing.T) {
	reg := testRegistry(t)
	p, err := NewPipeline(reg)
	require.NoError(t, err)

	sess := newFakeSession(chat.ApprovalAuto, reg)
	sess.reply = func(int, string) (*chat.Message, error) {
		return nil, ErrSessionChanged
	}
	msg := sess.pending(echoCall("c1", "ping"))

	assert.NoError(t, p.Run(context.Background(), sess, msg))
	assert.Equal(t, 1, sess.forwardCount())
}
