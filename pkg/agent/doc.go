// Package agent produces assistant turns for the reference gateway.
//
// Invariants:
// - One Run is one model turn; tool calls are returned, never executed here.
// - Requests go to auth profiles in priority order, skipping profiles in cooldown.
// - Retryable provider errors back off exponentially before failing over.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{AuthProfiles: profiles})
//	result, _ := runner.Run(ctx, agent.RunParams{
//		SessionID: "s1",
//		History:   history,
//		Config:    agent.DefaultConfig(),
//	})
//	_ = result
package agent
