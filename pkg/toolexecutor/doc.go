// Package toolexecutor runs the tool calls an assistant message carries.
//
// A batch is split by the session approval mode. Calls that need a human
// decision wait on an ApprovalHandler one at a time; the rest run
// concurrently. Outcomes are attached to the originating message, results
// are summarized into a digest, and the digest is forwarded to the model.
// When the reply asks for more tools the pipeline recurses, up to MaxDepth.
//
// Invariants:
// - A failing, unknown or declined call becomes a chat.ToolError; siblings
//   in the batch are unaffected.
// - Only the recursion ceiling and a failed forward end a run early.
// - Approval waits have no deadline of their own; cancel ctx to release them.
//
// Usage:
//
//	broker := toolexecutor.NewBroker(nil)
//	p, err := toolexecutor.NewPipeline(reg, toolexecutor.WithApprovalHandler(broker))
//	err = p.Run(ctx, session, reply)
package toolexecutor
