// Package session implements the chat session state machine and its two
// transports.
//
// A session moves Uninitialized → Initializing → Active ↔ Busy →
// Terminated. The remote session is created lazily by the first operation
// that needs it. Buffered and Streaming share the same machine and differ
// only in how assistant replies arrive; Select and Switcher pick between
// them without abandoning a live conversation.
//
// History is owned by the machine and mutated only through the history
// reducer, so results that arrive after the session id changed are dropped.
package session
