// Package store provides durable state for the relay: per-conversation
// append-only event logs, per-device cursors, and resumable sessions.
//
// # Architecture
//
// Three narrow interfaces cover the relay's persistence:
//
//   - ConversationLog: idempotent append plus bounded range reads
//   - CursorStore: monotonic per-device acknowledgment positions
//   - SessionStore: resume-token keyed sessions with rotation
//
// SQLiteStore implements all three in one struct over a single database
// file. MemoryLog and MemoryCursors implement the first two for tests and
// embedded use; both implementations satisfy the same contract tests.
//
// # Invariants
//
// For a fixed conversation, event seqs are exactly 1..N with no gaps or
// reuse. Re-appending a known (conv_id, msg_id) returns the original event
// unchanged and never assigns a new seq. Acks never move a cursor backward,
// but every ack refreshes the cursor's updated_ms. Rotating a session makes
// the previous resume token unresolvable while keeping the session token.
//
// # Concurrency
//
// Appends are serialized per conversation and acks per (device, conv) pair
// through keyed locks; operations on independent keys run concurrently.
// Every logical mutation runs inside a single SQLite transaction, so a
// crash between operations never leaves a partial row.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema version lives in PRAGMA user_version. Migrations are ordered,
// forward-only, and applied at open time; a database newer than the known
// chain is refused rather than served with a mismatched schema.
//
// # Retention
//
// The store performs no deletion. ActiveMinNextSeq exposes the lowest
// next_seq among non-stale cursors for a conversation; an external
// retention job uses it as the upper bound for safe removal. When no
// cursor is active the store reports no bound at all.
package store
