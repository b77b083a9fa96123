// Package record implements the durable, append-only conversation log.
//
// A Session owns an ordered sequence of Record values. Each Record is a
// tagged union over two variants:
//
//   - MessageRecord: a system, user, or assistant message, optionally with
//     display-only reasoning text and binary attachments
//   - ToolCallRecord: the outcome of one tool invocation, keyed by a
//     tool_call_id that is unique within the session
//
// Records are immutable once appended. A Store is the single source of
// truth for replay; the agent loop is its only writer while a turn is
// active, and it holds the session's exclusive run lock (see Store.Acquire)
// for the duration of that turn.
//
// Two Store implementations are provided. FileStore keeps one JSON document
// per session in a directory; SQLiteStore keeps sessions and records in a
// SQLite database using the pure-Go modernc.org/sqlite driver.
package record
