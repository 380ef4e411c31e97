// Package agent drives one conversational turn end to end.
//
// Invariants:
// - Turns are serialized per session lane through commandqueue.
// - Messages are appended in turn order: user, then assistant and its tool results per round.
// - A turn makes at most MaxToolLoops+1 model calls.
// - Tool failures become error payloads; a failed model call ends the turn with a fixed reply.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result, err := runner.Turn(ctx, agent.TurnRequest{Message: "hello"})
//	_ = result
package agent
