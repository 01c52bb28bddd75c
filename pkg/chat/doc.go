// Package chat defines the data model shared by the session engine, the
// macro registry and the tool-call pipeline.
//
// Invariants:
// - History is append-only; the only in-place change is attaching tool
//   results/errors to the latest pending assistant tool-call message.
// - A State never holds two tools with the same function name or two
//   macros with the same key. Later duplicates are dropped.
// - A State with an empty ID has not been persisted by the backend yet.
//
// Usage:
//
//	st := chat.NewState(chat.Persona{ID: "p1", Greeting: "Hi!"})
//	st.History = append(st.History, chat.NewMessage(chat.RoleUser, "hello"))
package chat
