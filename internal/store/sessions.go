// ABOUTME: SQLite-backed session store with rotatable resume tokens
// ABOUTME: Sessions survive restart; rotation invalidates the previous resume token

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession implements SessionStore. Both tokens are fresh opaque values;
// the session token stays stable for the session's lifetime while the resume
// token changes on every rotation.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID, deviceID string) (*Session, error) {
	session := &Session{
		UserID:       userID,
		DeviceID:     deviceID,
		SessionToken: uuid.New().String(),
		ResumeToken:  uuid.New().String(),
		CreatedAt:    s.now().UTC().Truncate(time.Second),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (resume_token, session_token, user_id, device_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		session.ResumeToken,
		session.SessionToken,
		session.UserID,
		session.DeviceID,
		session.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "user_id", userID, "device_id", deviceID)
	return session, nil
}

// RotateResume implements SessionStore. The old resume token stops resolving
// in the same transaction that makes the new one resolvable, so a stolen
// stale token is unusable the moment the legitimate client rotates.
func (s *SQLiteStore) RotateResume(ctx context.Context, session *Session) (*Session, error) {
	newToken := uuid.New().String()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE sessions SET resume_token = ? WHERE resume_token = ?
		`, newToken, session.ResumeToken)
		if err != nil {
			return fmt.Errorf("rotating resume token: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rows == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rotated := *session
	rotated.ResumeToken = newToken

	s.logger.Debug("rotated resume token", "user_id", session.UserID, "device_id", session.DeviceID)
	return &rotated, nil
}

// GetSessionByResume implements SessionStore. Resolving by resume token is
// the only lookup path; there is no enumeration by user.
func (s *SQLiteStore) GetSessionByResume(ctx context.Context, resumeToken string) (*Session, error) {
	session := &Session{}
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT resume_token, session_token, user_id, device_id, created_at
		FROM sessions
		WHERE resume_token = ?
	`, resumeToken).Scan(
		&session.ResumeToken,
		&session.SessionToken,
		&session.UserID,
		&session.DeviceID,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if createdAt != "" {
		session.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
	}

	return session, nil
}
