// Package commandqueue runs tasks in lanes with FIFO ordering per lane.
//
// Tasks in the same lane run one at a time in submission order; tasks in
// different lanes run concurrently. The gateway uses one lane per chat
// session so turns of a session never interleave.
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	err := queue.Do(ctx, sessionID, func(ctx context.Context) error {
//		return runTurn(ctx)
//	})
package commandqueue
