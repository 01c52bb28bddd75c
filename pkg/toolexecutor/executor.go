package toolexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/macro"
	"github.com/rs/zerolog/log"
)

// DefaultToolTimeout bounds a single macro execution
const DefaultToolTimeout = 30 * time.Second

const maxOutputSize = 10 * 1024

// Invocation is a tool call bound to the macro that serves it. Definition
// is nil when the call could not be resolved.
type Invocation struct {
	Position   int // index in the originating message's tool calls
	Call       chat.ToolCallRequest
	Definition *macro.Definition
	Tool       chat.ToolSpec
}

// Name returns the tool name the model asked for
func (i Invocation) Name() string {
	return i.Call.Function.Name
}

// Resolved reports whether a macro serves the call
func (i Invocation) Resolved() bool {
	return i.Definition != nil
}

// Outcome is what one call produced. Both fields are nil when the macro
// returned no message.
type Outcome struct {
	Result *chat.ToolResult
	Error  *chat.ToolError
}

func failed(inv Invocation, format string, args ...interface{}) Outcome {
	return Outcome{Error: &chat.ToolError{
		ToolCallID: inv.Call.ID,
		Name:       inv.Name(),
		Message:    fmt.Sprintf(format, args...),
	}}
}

// Executor runs resolved invocations with validation and a deadline
type Executor struct {
	registry *macro.Registry
	timeout  time.Duration
}

// NewExecutor creates an executor. A non-positive timeout uses DefaultToolTimeout.
func NewExecutor(registry *macro.Registry, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Executor{registry: registry, timeout: timeout}
}

// Execute runs one invocation. It never panics and never returns an error;
// every failure is reported in the outcome.
func (e *Executor) Execute(ctx context.Context, inv Invocation, state chat.State, host macro.Host, depth int) Outcome {
	startTime := time.Now()

	if !inv.Resolved() {
		log.Warn().Str("tool", inv.Name()).Msg("Tool not found")
		return failed(inv, "unknown tool: %s", inv.Name())
	}

	params, err := inv.Call.Params()
	if err != nil {
		return failed(inv, "invalid arguments: %v", err)
	}

	if e.registry != nil {
		if err := e.registry.ValidateArguments(inv.Definition, inv.Tool.Name, params); err != nil {
			log.Error().Str("tool", inv.Name()).Err(err).Msg("Parameter validation failed")
			return failed(inv, "parameter validation failed: %v", err)
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	timeoutCtx = ContextWithCall(timeoutCtx, CallInfo{
		SessionID:  state.ID,
		ToolCallID: inv.Call.ID,
		Tool:       inv.Name(),
		Depth:      depth,
	})

	type result struct {
		msg *chat.Message
		err error
	}
	resultChan := make(chan result, 1)

	go func() {
		msg, err := macro.Invoke(timeoutCtx, inv.Definition, macro.Args{Named: params}, state, host)
		resultChan <- result{msg: msg, err: err}
	}()

	select {
	case r := <-resultChan:
		duration := time.Since(startTime)
		observability.RecordToolExecution(inv.Name(), duration, r.err == nil)

		if r.err != nil && timeoutCtx.Err() != nil {
			return e.expired(ctx, inv, duration)
		}
		if r.err != nil {
			log.Error().Str("tool", inv.Name()).Dur("duration", duration).Err(r.err).Msg("Tool execution failed")
			return failed(inv, "%v", r.err)
		}

		log.Debug().Str("tool", inv.Name()).Dur("duration", duration).Msg("Tool execution completed")

		if r.msg == nil {
			return Outcome{}
		}
		return Outcome{Result: &chat.ToolResult{
			ToolCallID: inv.Call.ID,
			Name:       inv.Name(),
			Content:    truncateOutput(r.msg.Content),
		}}

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)
		observability.RecordToolExecution(inv.Name(), duration, false)
		return e.expired(ctx, inv, duration)
	}
}

func (e *Executor) expired(ctx context.Context, inv Invocation, duration time.Duration) Outcome {
	log.Error().Str("tool", inv.Name()).Dur("duration", duration).Msg("Tool execution timeout")
	if ctx.Err() != nil {
		return failed(inv, "tool execution cancelled")
	}
	return failed(inv, "tool execution timeout after %v", e.timeout)
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputSize {
		return s
	}
	log.Warn().Int("original", len(s)).Int("truncated", maxOutputSize).Msg("Output truncated")
	return s[:maxOutputSize] + "\n... [output truncated]"
}
