// Package store persists reference gateway sessions in SQLite: session
// metadata, the ordered message log and attached files. Deleting a session
// cascades to its messages and files.
package store
