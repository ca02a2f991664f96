// ABOUTME: Core types and store contracts for fold-relay persistence
// ABOUTME: Defines Event, Cursor, Session and the log/cursor/session interfaces

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when no session matches the given resume token
var ErrSessionNotFound = errors.New("session not found")

// Event is a single entry in a conversation's append-only log.
// Events are immutable once appended.
type Event struct {
	ConvID   string
	MsgID    string // client-supplied idempotency key, unique per conversation
	Seq      int64  // 1-based, gapless, assigned at append time
	Payload  []byte
	DeviceID string
	TS       int64 // caller-provided unit; the store never interprets it
}

// Cursor tracks a device's consumption position within a conversation.
// NextSeq is the first sequence number the device has not acknowledged.
type Cursor struct {
	DeviceID  string
	ConvID    string
	NextSeq   int64
	UpdatedMS int64 // wall clock of the last ack, for staleness checks
}

// LastAck returns the highest sequence number the cursor has acknowledged.
func (c *Cursor) LastAck() int64 {
	return c.NextSeq - 1
}

// Session is a resumable device session. SessionToken is the stable bearer
// credential; ResumeToken is rotated each time the client reattaches.
type Session struct {
	UserID       string
	DeviceID     string
	SessionToken string
	ResumeToken  string
	CreatedAt    time.Time
}

// Payload is event content at the append boundary. Clients may hand the
// transport raw bytes or base64 text; both normalize to the same canonical
// byte form so storage and idempotency never branch on representation.
type Payload interface {
	Normalize() ([]byte, error)
}

// BytesPayload is payload supplied as raw bytes.
type BytesPayload []byte

func (p BytesPayload) Normalize() ([]byte, error) {
	return []byte(p), nil
}

// Base64Payload is payload supplied as base64 text.
type Base64Payload string

func (p Base64Payload) Normalize() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return raw, nil
}

// ConversationLog is a per-conversation append-only event log with
// message-id keyed idempotency.
type ConversationLog interface {
	// Append stores a new event and assigns the next sequence number for the
	// conversation. If (convID, msgID) was already appended, the original
	// stored event is returned with created=false and the new payload,
	// device, and timestamp are discarded. Safe to retry from the client.
	Append(ctx context.Context, convID, msgID string, payload Payload, deviceID string, ts int64) (*Event, bool, error)

	// ListSince returns events with seq > afterSeq in ascending order,
	// capped at limit.
	ListSince(ctx context.Context, convID string, afterSeq int64, limit int) ([]*Event, error)

	// ListFrom returns events with seq >= fromSeq in ascending order,
	// capped at limit.
	ListFrom(ctx context.Context, convID string, fromSeq int64, limit int) ([]*Event, error)
}

// CursorStore tracks per (device, conversation) acknowledgment positions.
type CursorStore interface {
	// Ack records that the device has consumed up to seq. The cursor never
	// regresses: seq values at or below the current position only refresh
	// the cursor's liveness timestamp. Returns the resulting next_seq.
	Ack(ctx context.Context, deviceID, convID string, seq int64) (int64, error)

	// LastAck returns the highest acknowledged seq, 0 for an unseen pair.
	LastAck(ctx context.Context, deviceID, convID string) (int64, error)

	// NextSeq returns LastAck+1, 1 for an unseen pair.
	NextSeq(ctx context.Context, deviceID, convID string) (int64, error)

	// ActiveMinNextSeq returns the minimum next_seq across cursors for the
	// conversation whose updated_ms satisfies nowMS-updated_ms <= staleAfterMS.
	// Returns ok=false when no cursor is active; callers must treat that as
	// "no retention bound", never as "everything is collectible".
	ActiveMinNextSeq(ctx context.Context, convID string, nowMS, staleAfterMS int64) (int64, bool, error)
}

// SessionStore persists resumable sessions keyed by resume token.
type SessionStore interface {
	// CreateSession allocates a session with fresh session and resume tokens.
	CreateSession(ctx context.Context, userID, deviceID string) (*Session, error)

	// RotateResume issues a new resume token for the session, invalidating
	// the previous one. The session token is unchanged.
	RotateResume(ctx context.Context, session *Session) (*Session, error)

	// GetSessionByResume resolves a resume token. Returns ErrSessionNotFound
	// for unknown or rotated-away tokens.
	GetSessionByResume(ctx context.Context, resumeToken string) (*Session, error)
}

// clampLimit applies the default and upper bound for list queries.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// normalizePayload converts a Payload to canonical bytes. A nil payload is
// stored as empty content.
func normalizePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte{}, nil
	}
	return p.Normalize()
}
