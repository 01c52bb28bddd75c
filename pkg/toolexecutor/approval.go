package toolexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ApprovalRequest describes one tool call waiting for a human decision
type ApprovalRequest struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"session_id"`
	ToolCallID  string                 `json:"tool_call_id"`
	Tool        string                 `json:"tool"`
	Macro       string                 `json:"macro"`
	Description string                 `json:"description,omitempty"`
	Arguments   map[string]interface{} `json:"arguments,omitempty"`
	Depth       int                    `json:"depth"`
}

// ApprovalResponse is the decision on an approval request
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// ApprovalHandler decides approval requests
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApprovalManager fronts a handler with logging and an optional deadline
type ApprovalManager struct {
	handler ApprovalHandler
	timeout time.Duration
}

// NewApprovalManager creates a manager that waits on handler without a deadline
func NewApprovalManager(handler ApprovalHandler) *ApprovalManager {
	return &ApprovalManager{handler: handler}
}

// RequestApproval asks the handler for a decision. A zero timeout waits
// until the handler answers or ctx is done.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, string, error) {
	if am.handler == nil {
		return false, "", fmt.Errorf("no approval handler configured")
	}

	if am.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, am.timeout)
		defer cancel()
	}

	log.Info().
		Str("tool", req.Tool).
		Str("macro", req.Macro).
		Str("session_id", req.SessionID).
		Msg("Requesting approval")

	response, err := am.handler.RequestApproval(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			log.Warn().Str("tool", req.Tool).Dur("timeout", am.timeout).Msg("Approval request timed out")
			return false, "", fmt.Errorf("approval request timed out after %v", am.timeout)
		}
		log.Error().Err(err).Str("tool", req.Tool).Msg("Approval request failed")
		return false, "", fmt.Errorf("approval request failed: %w", err)
	}

	if response.Approved {
		log.Info().Str("tool", req.Tool).Str("reason", response.Reason).Msg("Approval granted")
	} else {
		log.Warn().Str("tool", req.Tool).Str("reason", response.Reason).Msg("Approval denied")
	}
	return response.Approved, response.Reason, nil
}

// SetTimeout bounds every approval wait; zero disables the bound
func (am *ApprovalManager) SetTimeout(timeout time.Duration) {
	am.timeout = timeout
}

// Timeout returns the configured bound
func (am *ApprovalManager) Timeout() time.Duration {
	return am.timeout
}

// SetHandler sets the approval handler
func (am *ApprovalManager) SetHandler(handler ApprovalHandler) {
	am.handler = handler
}

// MockApprovalHandler is a scripted handler for tests
type MockApprovalHandler struct {
	AutoApprove bool
	Response    ApprovalResponse
	Decide      func(req ApprovalRequest) ApprovalResponse
	Delay       time.Duration
	Error       error

	Requests []ApprovalRequest
}

// RequestApproval implements ApprovalHandler
func (m *MockApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	m.Requests = append(m.Requests, req)

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ApprovalResponse{}, ctx.Err()
		}
	}
	if m.Error != nil {
		return ApprovalResponse{}, m.Error
	}
	if m.Decide != nil {
		return m.Decide(req), nil
	}
	if m.AutoApprove {
		return ApprovalResponse{Approved: true, Reason: "auto-approved"}, nil
	}
	return m.Response, nil
}
