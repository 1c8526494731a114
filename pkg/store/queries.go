package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schedbot/pkg/calendar"
	"schedbot/pkg/pipeline"
)

// MarkProcessed records that a platform message has been seen. It returns
// true exactly once per (channel, message_id) within the retention window;
// redelivered messages return false.
func (s *Store) MarkProcessed(ctx context.Context, channel, messageID string, window time.Duration) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (channel, message_id, seen_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, channel, messageID, now.Unix(), now.Add(window).Unix())
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// A leftover expired row also means the message is new; refresh it.
	result, err = s.db.ExecContext(ctx, `
		UPDATE processed_messages SET seen_at = ?, expires_at = ?
		WHERE channel = ? AND message_id = ? AND expires_at <= ?
	`, now.Unix(), now.Add(window).Unix(), channel, messageID, now.Unix())
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}

	return affected > 0, nil
}

// GetEvent returns the recorded event for a dedup key, if one exists and
// has not expired.
func (s *Store) GetEvent(ctx context.Context, dedupKey string) (pipeline.CalendarEvent, bool, error) {
	var (
		event     pipeline.CalendarEvent
		location  sql.NullString
		startAt   int64
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT calendar_id, event_id, title, start_at, location, created_at
		FROM created_events
		WHERE dedup_key = ? AND expires_at > ?
	`, dedupKey, time.Now().Unix()).Scan(
		&event.CalendarID, &event.EventID, &event.Title, &startAt, &location, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.CalendarEvent{}, false, nil
	}
	if err != nil {
		return pipeline.CalendarEvent{}, false, fmt.Errorf("get event: %w", err)
	}

	event.DedupKey = dedupKey
	event.StartAt = time.Unix(startAt, 0)
	event.CreatedAt = time.Unix(createdAt, 0)
	if location.Valid {
		event.Location = location.String
	}

	return event, true, nil
}

// PutEvent records a created event under its dedup key for the given TTL.
func (s *Store) PutEvent(ctx context.Context, event pipeline.CalendarEvent, ttl time.Duration) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO created_events
		  (dedup_key, calendar_id, event_id, title, start_at, location, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.DedupKey, event.CalendarID, event.EventID, event.Title,
		event.StartAt.Unix(), toNullString(event.Location), createdAt.Unix(), createdAt.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("put event: %w", err)
	}

	return nil
}

// GetToken loads a sender's OAuth token.
func (s *Store) GetToken(ctx context.Context, userID string) (calendar.Token, error) {
	var (
		token            calendar.Token
		refreshToken     sql.NullString
		expiresAt        sql.NullInt64
		refreshExpiresAt sql.NullInt64
		updatedAt        int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, expires_at, refresh_expires_at, updated_at
		FROM user_tokens
		WHERE user_id = ?
	`, userID).Scan(&token.UserID, &token.AccessToken, &refreshToken, &expiresAt, &refreshExpiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.Token{}, calendar.ErrTokenNotFound
	}
	if err != nil {
		return calendar.Token{}, fmt.Errorf("get token: %w", err)
	}

	if refreshToken.Valid {
		token.RefreshToken = refreshToken.String
	}
	if expiresAt.Valid {
		token.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	if refreshExpiresAt.Valid {
		token.RefreshExpiresAt = time.Unix(refreshExpiresAt.Int64, 0)
	}
	token.UpdatedAt = time.Unix(updatedAt, 0)

	return token, nil
}

// PutToken stores or replaces a sender's OAuth token.
func (s *Store) PutToken(ctx context.Context, token calendar.Token) error {
	updatedAt := token.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO user_tokens
		  (user_id, access_token, refresh_token, expires_at, refresh_expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, token.UserID, token.AccessToken, toNullString(token.RefreshToken),
		toNullUnix(token.ExpiresAt), toNullUnix(token.RefreshExpiresAt), updatedAt.Unix())
	if err != nil {
		return fmt.Errorf("put token: %w", err)
	}

	return nil
}

// DeleteToken removes a sender's OAuth token.
func (s *Store) DeleteToken(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Cleanup removes expired dedup rows. It is run periodically by the
// gateway; the row counts are informational.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	now := time.Now().Unix()
	var removed int64

	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE expires_at <= ?`, now)
	if err != nil {
		return removed, fmt.Errorf("cleanup processed messages: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil {
		removed += affected
	}

	result, err = s.db.ExecContext(ctx, `DELETE FROM created_events WHERE expires_at <= ?`, now)
	if err != nil {
		return removed, fmt.Errorf("cleanup created events: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil {
		removed += affected
	}

	return removed, nil
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
