package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalAction is a decision a UI can submit for a pending approval
type ApprovalAction string

const (
	ApprovalActionAllow ApprovalAction = "allow"
	ApprovalActionDeny  ApprovalAction = "deny"
)

// ParseApprovalAction parses a user-provided action string
func ParseApprovalAction(value string) (ApprovalAction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "allow", "approve", "y", "yes":
		return ApprovalActionAllow, nil
	case "deny", "decline", "n", "no":
		return ApprovalActionDeny, nil
	default:
		return "", fmt.Errorf("invalid approval action %q", value)
	}
}

// Future is a decision that will be supplied later
type Future struct {
	ch   chan ApprovalResponse
	once sync.Once
}

func newFuture() *Future {
	return &Future{ch: make(chan ApprovalResponse, 1)}
}

// Resolve supplies the decision. Only the first call has an effect.
func (f *Future) Resolve(resp ApprovalResponse) bool {
	resolved := false
	f.once.Do(func() {
		f.ch <- resp
		resolved = true
	})
	return resolved
}

// Wait blocks until the decision arrives or ctx is done
func (f *Future) Wait(ctx context.Context) (ApprovalResponse, error) {
	select {
	case resp := <-f.ch:
		return resp, nil
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
}

// PendingApproval is an approval request waiting for a decision
type PendingApproval struct {
	ID        string
	Request   ApprovalRequest
	CreatedAt time.Time
}

// Broker is an ApprovalHandler whose decisions come from elsewhere, e.g. a
// UI. Each request becomes a future keyed by id; the UI lists Pending and
// calls Resolve.
type Broker struct {
	notify func(PendingApproval)

	mu      sync.RWMutex
	pending map[string]*Future
	entries map[string]PendingApproval
}

// NewBroker creates a broker. notify, when set, is called for every new
// pending approval.
func NewBroker(notify func(PendingApproval)) *Broker {
	return &Broker{
		notify:  notify,
		pending: make(map[string]*Future),
		entries: make(map[string]PendingApproval),
	}
}

// Submit registers a request and returns its pending entry and future
func (b *Broker) Submit(req ApprovalRequest) (PendingApproval, *Future) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	entry := PendingApproval{ID: req.ID, Request: req, CreatedAt: time.Now()}
	future := newFuture()

	b.mu.Lock()
	b.pending[entry.ID] = future
	b.entries[entry.ID] = entry
	b.mu.Unlock()

	if b.notify != nil {
		b.notify(entry)
	}
	return entry, future
}

// RequestApproval implements ApprovalHandler
func (b *Broker) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	entry, future := b.Submit(req)
	defer b.forget(entry.ID)
	return future.Wait(ctx)
}

// Resolve supplies the decision for a pending approval
func (b *Broker) Resolve(id string, resp ApprovalResponse) error {
	b.mu.RLock()
	future, ok := b.pending[id]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("approval %s not found", id)
	}
	if !future.Resolve(resp) {
		return fmt.Errorf("approval %s already resolved", id)
	}
	return nil
}

// ResolveAction resolves a pending approval from a UI action
func (b *Broker) ResolveAction(id string, action ApprovalAction, actor string) error {
	switch action {
	case ApprovalActionAllow:
		return b.Resolve(id, ApprovalResponse{Approved: true, Reason: fmt.Sprintf("approved by %s", actor)})
	case ApprovalActionDeny:
		return b.Resolve(id, ApprovalResponse{Approved: false, Reason: fmt.Sprintf("denied by %s", actor)})
	default:
		return fmt.Errorf("unsupported approval action %q", action)
	}
}

// Pending returns the approvals still waiting, oldest first
func (b *Broker) Pending() []PendingApproval {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]PendingApproval, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	delete(b.entries, id)
	b.mu.Unlock()
}
