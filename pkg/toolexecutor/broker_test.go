package toolexecutor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_ResolveFromUI(t *testing.T) {
	notified := make(chan PendingApproval, 1)
	broker := NewBroker(func(p PendingApproval) { notified <- p })

	done := make(chan ApprovalResponse, 1)
	go func() {
		resp, err := broker.RequestApproval(context.Background(), ApprovalRequest{Tool: "echo"})
		if err == nil {
			done <- resp
		}
	}()

	var pending PendingApproval
	select {
	case pending = <-notified:
	case <-time.After(time.Second):
		t.Fatal("no pending approval")
	}
	assert.NotEmpty(t, pending.ID)
	assert.Len(t, broker.Pending(), 1)

	require.NoError(t, broker.ResolveAction(pending.ID, ApprovalActionAllow, "tester"))

	select {
	case resp := <-done:
		assert.True(t, resp.Approved)
		assert.Contains(t, resp.Reason, "tester")
	case <-time.After(time.Second):
		t.Fatal("approval not delivered")
	}

	assert.Eventually(t, func() bool { return len(broker.Pending()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroker_ResolveInsideNotify(t *testing.T) {
	var broker *Broker
	broker = NewBroker(func(p PendingApproval) {
		_ = broker.Resolve(p.ID, ApprovalResponse{Approved: false, Reason: "nope"})
	})

	resp, err := broker.RequestApproval(context.Background(), ApprovalRequest{Tool: "echo"})
	require.NoError(t, err)
	assert.False(t, resp.Approved)
}

func TestBroker_Errors(t *testing.T) {
	broker := NewBroker(nil)

	assert.Error(t, broker.Resolve("missing", ApprovalResponse{}))

	entry, future := broker.Submit(ApprovalRequest{ID: "fixed"})
	assert.Equal(t, "fixed", entry.ID)
	require.NoError(t, broker.Resolve("fixed", ApprovalResponse{Approved: true}))
	assert.Error(t, broker.Resolve("fixed", ApprovalResponse{}), "second resolve is rejected")

	resp, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Approved)
}

func TestBroker_CancelReleasesWait(t *testing.T) {
	broker := NewBroker(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := broker.RequestApproval(ctx, ApprovalRequest{Tool: "echo"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, broker.Pending())
}

func TestParseApprovalAction(t *testing.T) {
	action, err := ParseApprovalAction(" Yes ")
	require.NoError(t, err)
	assert.Equal(t, ApprovalActionAllow, action)

	action, err = ParseApprovalAction("decline")
	require.NoError(t, err)
	assert.Equal(t, ApprovalActionDeny, action)

	_, err = ParseApprovalAction("maybe")
	assert.Error(t, err)
}
