package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/macro"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxDepth is the number of follow-up rounds a run may take
const DefaultMaxDepth = 10

// CeilingToolName names the synthetic error added when the ceiling is hit
const CeilingToolName = "pipeline"

// ErrSessionChanged is returned by Session.Forward when the session that
// produced the tool calls is no longer the active one
var ErrSessionChanged = errors.New("session changed")

// Session is what the pipeline needs from the session that owns the message
type Session interface {
	macro.Host
	State() chat.State
	// ApplyToolOutcome attaches outcomes to the pending message with callIDs
	ApplyToolOutcome(sessionID string, callIDs []string, results []chat.ToolResult, errs []chat.ToolError)
	// Forward sends the digest as a user turn and returns the model reply
	Forward(ctx context.Context, sessionID, digest string) (*chat.Message, error)
}

// Pipeline executes tool calls and feeds their results back to the model
type Pipeline struct {
	registry        *macro.Registry
	approvals       *ApprovalManager
	executor        *Executor
	maxDepth        int
	toolTimeout     time.Duration
	approvalTimeout time.Duration
	handler         ApprovalHandler
	logger          zerolog.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithMaxDepth sets the recursion ceiling
func WithMaxDepth(depth int) Option {
	return func(p *Pipeline) { p.maxDepth = depth }
}

// WithToolTimeout bounds each macro execution
func WithToolTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) { p.toolTimeout = timeout }
}

// WithApprovalHandler sets who decides calls that need approval
func WithApprovalHandler(handler ApprovalHandler) Option {
	return func(p *Pipeline) { p.handler = handler }
}

// WithApprovalTimeout bounds approval waits. The default is no bound.
func WithApprovalTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) { p.approvalTimeout = timeout }
}

// WithLogger sets the pipeline logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline creates a pipeline resolving tools against registry
func NewPipeline(registry *macro.Registry, opts ...Option) (*Pipeline, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	p := &Pipeline{
		registry: registry,
		maxDepth: DefaultMaxDepth,
		handler:  DenyAllHandler{},
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxDepth < 0 {
		return nil, fmt.Errorf("max depth must not be negative")
	}

	p.approvals = NewApprovalManager(p.handler)
	p.approvals.SetTimeout(p.approvalTimeout)
	p.executor = NewExecutor(registry, p.toolTimeout)

	return p, nil
}

// MaxDepth returns the recursion ceiling
func (p *Pipeline) MaxDepth() int {
	return p.maxDepth
}

// Run handles the tool calls on reply and every follow-up reply that asks
// for more tools. It returns an error only when forwarding results fails.
func (p *Pipeline) Run(ctx context.Context, sess Session, reply chat.Message) error {
	if len(reply.ToolCalls) == 0 {
		return nil
	}

	sessionID := reply.SessionID
	if sessionID == "" {
		sessionID = sess.State().ID
	}
	ctx = tracing.NewRunContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "toolexecutor.run", attribute.Int("tool_calls", len(reply.ToolCalls)))
	defer span.End()

	depth, ceiling, err := p.run(ctx, sess, sessionID, reply, 0)
	observability.RecordRecursionDepth(depth, ceiling)
	span.SetAttributes(attribute.Int("depth", depth), attribute.Bool("ceiling", ceiling))

	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *Pipeline) run(ctx context.Context, sess Session, sessionID string, msg chat.Message, depth int) (int, bool, error) {
	logger := tracing.LoggerFromContext(ctx, p.logger)
	state := sess.State()
	if state.ID != sessionID {
		logger.Debug().Int("depth", depth).Str("current_session_id", state.ID).Msg("Session changed, dropping tool calls")
		return depth, false, nil
	}

	batch := Partition(state.ToolApprovalMode, msg.ToolCalls, p.registry, state.Macros)
	outcomes := make([]Outcome, len(msg.ToolCalls))

	logger.Debug().
		Int("depth", depth).
		Str("mode", string(state.ToolApprovalMode)).
		Int("approval", len(batch.Approval)).
		Int("auto", len(batch.Auto)).
		Msg("Running tool batch")

	// Approvals are asked one at a time, in call order.
	for _, inv := range batch.Approval {
		outcomes[inv.Position] = p.approveAndExecute(ctx, sess, state, inv, depth)
	}

	var g errgroup.Group
	for _, inv := range batch.Auto {
		inv := inv
		g.Go(func() error {
			outcomes[inv.Position] = p.executor.Execute(ctx, inv, state, sess, depth)
			return nil
		})
	}
	_ = g.Wait()

	var (
		results []chat.ToolResult
		errs    []chat.ToolError
	)
	for _, o := range outcomes {
		if o.Result != nil {
			results = append(results, *o.Result)
		}
		if o.Error != nil {
			errs = append(errs, *o.Error)
		}
	}

	if len(results) > 0 || len(errs) > 0 {
		sess.ApplyToolOutcome(sessionID, callIDs(msg.ToolCalls), results, errs)
	}

	if len(results) == 0 {
		logger.Debug().Int("depth", depth).Int("errors", len(errs)).Msg("No tool results to forward")
		return depth, false, nil
	}

	next, err := sess.Forward(ctx, sessionID, Digest(results, errs))
	if errors.Is(err, ErrSessionChanged) {
		logger.Debug().Int("depth", depth).Msg("Session changed, tool results not forwarded")
		return depth, false, nil
	}
	if err != nil {
		logger.Error().Err(err).Int("depth", depth).Msg("Failed to forward tool results")
		return depth, false, fmt.Errorf("forward tool results: %w", err)
	}
	if next == nil || len(next.ToolCalls) == 0 {
		return depth, false, nil
	}

	if depth+1 > p.maxDepth {
		logger.Warn().Int("max_depth", p.maxDepth).Msg("Tool-call recursion ceiling reached")
		sess.ApplyToolOutcome(sessionID, callIDs(next.ToolCalls), nil, []chat.ToolError{{
			Name:    CeilingToolName,
			Message: fmt.Sprintf("maximum tool-call recursion depth (%d) exceeded", p.maxDepth),
		}})
		return depth, true, nil
	}

	return p.run(ctx, sess, sessionID, *next, depth+1)
}

func (p *Pipeline) approveAndExecute(ctx context.Context, sess Session, state chat.State, inv Invocation, depth int) Outcome {
	if !inv.Resolved() {
		return failed(inv, "unknown tool: %s", inv.Name())
	}

	params, err := inv.Call.Params()
	if err != nil {
		return failed(inv, "invalid arguments: %v", err)
	}
	req := ApprovalRequest{
		SessionID:   state.ID,
		ToolCallID:  inv.Call.ID,
		Tool:        inv.Name(),
		Macro:       inv.Definition.QualifiedName(),
		Description: inv.Tool.Description,
		Arguments:   params,
		Depth:       depth,
	}

	approved, reason, err := p.approvals.RequestApproval(ctx, req)
	switch {
	case err != nil:
		observability.RecordApproval("failed")
		return failed(inv, "approval failed: %v", err)
	case !approved:
		observability.RecordApproval("declined")
		observability.RecordApprovalAudit(ctx, state.ID, inv.Name(), "declined", reason)
		if reason == "" {
			return failed(inv, "declined by user")
		}
		return failed(inv, "declined by user: %s", reason)
	}

	observability.RecordApproval("approved")
	observability.RecordApprovalAudit(ctx, state.ID, inv.Name(), "approved", reason)
	return p.executor.Execute(ctx, inv, state, sess, depth)
}

func callIDs(calls []chat.ToolCallRequest) []string {
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		ids = append(ids, c.ID)
	}
	return ids
}
