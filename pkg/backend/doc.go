// Package backend defines the contract between the session engine and the
// remote conversational backend: request and response records, the
// streaming event channel, error records and the JSON-RPC envelope both
// sides speak.
//
// Invariants:
// - Backend errors that carry meaning for the client are *ErrorRecord.
// - A SendResult holds exactly one of Message or Stream.
package backend
