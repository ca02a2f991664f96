// ABOUTME: SQLite-backed cursor store with monotonic acknowledgments
// ABOUTME: Tracks per (device, conversation) next_seq and ack liveness timestamps

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// cursorKey builds the serialization key for a (device, conversation) pair.
// NUL is not meaningful inside either id, so the join is unambiguous.
func cursorKey(deviceID, convID string) string {
	return deviceID + "\x00" + convID
}

// Ack implements CursorStore. The cursor never regresses: an ack at or below
// the current position keeps next_seq but still refreshes updated_ms, so a
// no-op ack still counts as consumer liveness.
func (s *SQLiteStore) Ack(ctx context.Context, deviceID, convID string, seq int64) (int64, error) {
	key := cursorKey(deviceID, convID)
	s.cursorLocks.Lock(key)
	defer s.cursorLocks.Unlock(key)

	nowMS := s.now().UnixMilli()

	var next int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `
			SELECT next_seq FROM cursors WHERE device_id = ? AND conv_id = ?
		`, deviceID, convID).Scan(&current)
		if err == sql.ErrNoRows {
			current = 1
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cursors (device_id, conv_id, next_seq, updated_ms)
				VALUES (?, ?, ?, ?)
			`, deviceID, convID, current, nowMS); err != nil {
				return fmt.Errorf("inserting cursor: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("querying cursor: %w", err)
		}

		next = current
		if seq+1 > next {
			next = seq + 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cursors SET next_seq = ?, updated_ms = ?
			WHERE device_id = ? AND conv_id = ?
		`, next, nowMS, deviceID, convID); err != nil {
			return fmt.Errorf("updating cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("ack", "device_id", deviceID, "conv_id", convID, "seq", seq, "next_seq", next)
	return next, nil
}

// LastAck implements CursorStore: highest acknowledged seq, 0 for unseen pairs.
func (s *SQLiteStore) LastAck(ctx context.Context, deviceID, convID string) (int64, error) {
	next, err := s.NextSeq(ctx, deviceID, convID)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// NextSeq implements CursorStore: next unacknowledged seq, 1 for unseen pairs.
func (s *SQLiteStore) NextSeq(ctx context.Context, deviceID, convID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT next_seq FROM cursors WHERE device_id = ? AND conv_id = ?
	`, deviceID, convID).Scan(&next)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying cursor: %w", err)
	}
	return next, nil
}

// ActiveMinNextSeq implements CursorStore. The staleness comparison is
// inclusive (nowMS - updated_ms <= staleAfterMS): a window of 0 admits only
// cursors acked at exactly nowMS, the strictest setting.
func (s *SQLiteStore) ActiveMinNextSeq(ctx context.Context, convID string, nowMS, staleAfterMS int64) (int64, bool, error) {
	var min sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_seq) FROM cursors
		WHERE conv_id = ? AND ? - updated_ms <= ?
	`, convID, nowMS, staleAfterMS).Scan(&min)
	if err != nil {
		return 0, false, fmt.Errorf("querying active cursors: %w", err)
	}
	if !min.Valid {
		return 0, false, nil
	}
	return min.Int64, true, nil
}
