// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane execute one at a time, in FIFO order.
//   - Tasks in different lanes may execute concurrently.
//   - A lane exists only while it has queued or running work.
//   - A caller that stops waiting before its task starts removes it from the lane;
//     a started task runs to completion unless the queue is closed.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "session-abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
