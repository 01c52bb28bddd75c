package toolexecutor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApprovalManager(t *testing.T) {
	am := NewApprovalManager(&MockApprovalHandler{AutoApprove: true})

	assert.NotNil(t, am)
	assert.Zero(t, am.Timeout(), "approval waits are unbounded by default")
}

func TestApprovalManager_RequestApproval(t *testing.T) {
	req := ApprovalRequest{Tool: "echo", Macro: "core.echo@1.0.0", SessionID: "s1"}

	t.Run("should report approval", func(t *testing.T) {
		am := NewApprovalManager(&MockApprovalHandler{Response: ApprovalResponse{Approved: true, Reason: "ok"}})

		approved, reason, err := am.RequestApproval(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, approved)
		assert.Equal(t, "ok", reason)
	})

	t.Run("should report denial", func(t *testing.T) {
		am := NewApprovalManager(&MockApprovalHandler{Response: ApprovalResponse{Approved: false, Reason: "nope"}})

		approved, reason, err := am.RequestApproval(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, approved)
		assert.Equal(t, "nope", reason)
	})

	t.Run("should time out when a bound is set", func(t *testing.T) {
		am := NewApprovalManager(&MockApprovalHandler{Delay: 2 * time.Second})
		am.SetTimeout(50 * time.Millisecond)

		approved, _, err := am.RequestApproval(context.Background(), req)
		require.Error(t, err)
		assert.False(t, approved)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("should wrap handler errors", func(t *testing.T) {
		am := NewApprovalManager(&MockApprovalHandler{Error: errors.New("handler error")})

		_, _, err := am.RequestApproval(context.Background(), req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler error")
	})

	t.Run("should fail without handler", func(t *testing.T) {
		am := NewApprovalManager(nil)

		_, _, err := am.RequestApproval(context.Background(), req)
		assert.Error(t, err)
	})
}

func TestStaticHandlers(t *testing.T) {
	resp, err := AutoApproveHandler{}.RequestApproval(context.Background(), ApprovalRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Approved)

	resp, err = DenyAllHandler{}.RequestApproval(context.Background(), ApprovalRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Approved)
}
