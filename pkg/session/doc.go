// Package session keeps conversation sessions and their message logs.
//
// Invariants:
//   - A session's message log only grows by Append, except ReplaceHistory,
//     which drops a prefix and keeps a suffix of the current log.
//   - UpdatedAt never moves backwards.
//   - A tool message answers a tool call issued by the closest preceding
//     assistant message.
//   - Every mutation rewrites the sessions snapshot. When that write fails
//     the in-memory change is kept and ErrPersist is returned.
//
// Usage:
//
//	store := session.NewStore(session.StoreConfig{KV: kv})
//	_ = store.Load(ctx)
//	s, _ := store.Create(ctx, session.CreateParams{Title: "demo"})
//	_, _ = store.Append(ctx, s.ID, session.Message{Role: session.RoleUser, Content: "hello"})
package session
