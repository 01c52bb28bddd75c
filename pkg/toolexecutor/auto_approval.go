package toolexecutor

import "context"

// AutoApproveHandler approves every request without user interaction.
type AutoApproveHandler struct{}

// RequestApproval implements ApprovalHandler.
func (AutoApproveHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: true, Reason: "auto-approved"}, nil
}

// DenyAllHandler declines every request. Hosts without an approval UI use it.
type DenyAllHandler struct{}

// RequestApproval implements ApprovalHandler.
func (DenyAllHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: false, Reason: "no approval handler available"}, nil
}
