// ABOUTME: SQLite-backed conversation log with idempotent appends
// ABOUTME: Assigns gapless per-conversation sequence numbers inside one transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Append implements ConversationLog. The lookup, sequence assignment, and
// insert run in a single transaction while the conversation's key lock is
// held, so at most one sequence assignment is in flight per conversation.
func (s *SQLiteStore) Append(ctx context.Context, convID, msgID string, payload Payload, deviceID string, ts int64) (*Event, bool, error) {
	raw, err := normalizePayload(payload)
	if err != nil {
		return nil, false, err
	}

	s.convLocks.Lock(convID)
	defer s.convLocks.Unlock(convID)

	var event *Event
	var created bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing := &Event{ConvID: convID, MsgID: msgID}
		err := tx.QueryRowContext(ctx, `
			SELECT seq, payload, device_id, ts
			FROM events
			WHERE conv_id = ? AND msg_id = ?
		`, convID, msgID).Scan(&existing.Seq, &existing.Payload, &existing.DeviceID, &existing.TS)
		if err == nil {
			// Retried send: the original event wins, the new payload,
			// device, and timestamp are discarded.
			event = existing
			created = false
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("looking up message id: %w", err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE conv_id = ?
		`, convID).Scan(&seq); err != nil {
			return fmt.Errorf("assigning sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (conv_id, msg_id, seq, payload, device_id, ts)
			VALUES (?, ?, ?, ?, ?, ?)
		`, convID, msgID, seq, raw, deviceID, ts); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}

		event = &Event{
			ConvID:   convID,
			MsgID:    msgID,
			Seq:      seq,
			Payload:  raw,
			DeviceID: deviceID,
			TS:       ts,
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Debug("appended event", "conv_id", convID, "msg_id", msgID, "seq", event.Seq)
	}
	return event, created, nil
}

// ListSince implements ConversationLog: events with seq > afterSeq, ascending.
func (s *SQLiteStore) ListSince(ctx context.Context, convID string, afterSeq int64, limit int) ([]*Event, error) {
	return s.listEvents(ctx, convID, afterSeq+1, limit)
}

// ListFrom implements ConversationLog: events with seq >= fromSeq, ascending.
func (s *SQLiteStore) ListFrom(ctx context.Context, convID string, fromSeq int64, limit int) ([]*Event, error) {
	return s.listEvents(ctx, convID, fromSeq, limit)
}

func (s *SQLiteStore) listEvents(ctx context.Context, convID string, minSeq int64, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_id, msg_id, seq, payload, device_id, ts
		FROM events
		WHERE conv_id = ? AND seq >= ?
		ORDER BY seq ASC
		LIMIT ?
	`, convID, minSeq, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		if err := rows.Scan(&event.ConvID, &event.MsgID, &event.Seq, &event.Payload, &event.DeviceID, &event.TS); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}
