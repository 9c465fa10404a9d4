package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axonlabs/axon-attendance/internal/ledger"
	"github.com/axonlabs/axon-attendance/internal/models"
)

// RecordEvent durably appends one attendance event. The single-connection
// pool serializes concurrent callers; the insert is committed before return.
func (s *Storage) RecordEvent(ctx context.Context, event *models.AttendanceEvent) (string, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.SyncState == "" {
		event.SyncState = models.SyncPending
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO attendance_events (
			id, person_id, session_id, timestamp,
			sync_state, sync_attempts, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.PersonID,
		event.SessionID,
		timeToMillis(event.Timestamp),
		string(event.SyncState),
		event.SyncAttempts,
		event.LastError,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert attendance event: %v", ledger.ErrPersistence, err)
	}

	return event.ID, nil
}

// ClaimUnsynced selects up to limit pending events, oldest first, and marks
// them Syncing in the same transaction. A claimed event cannot be returned
// to a concurrent batch until released.
func (s *Storage) ClaimUnsynced(ctx context.Context, limit int) ([]*models.AttendanceEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim: %v", ledger.ErrPersistence, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		SELECT id, person_id, session_id, timestamp,
		       sync_state, sync_attempts, last_error, synced_at
		FROM attendance_events
		WHERE sync_state = ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`

	rows, err := tx.QueryContext(ctx, query, string(models.SyncPending), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query pending events: %v", ledger.ErrPersistence, err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		if _, err := tx.ExecContext(ctx,
			`UPDATE attendance_events SET sync_state = ? WHERE id = ?`,
			string(models.SyncSyncing), event.ID,
		); err != nil {
			return nil, fmt.Errorf("%w: claim event %s: %v", ledger.ErrPersistence, event.ID, err)
		}
		event.SyncState = models.SyncSyncing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim: %v", ledger.ErrPersistence, err)
	}

	return events, nil
}

// MarkSynced transitions an event to Synced and stamps its watermark.
func (s *Storage) MarkSynced(ctx context.Context, eventID string, syncedAt time.Time) error {
	query := `
		UPDATE attendance_events
		SET sync_state = ?, synced_at = ?, last_error = ''
		WHERE id = ?
	`
	return s.execOne(ctx, query, string(models.SyncSynced), timeToMillis(syncedAt), eventID)
}

// MarkFailed transitions an event to Failed, bumping its attempt count and
// recording why.
func (s *Storage) MarkFailed(ctx context.Context, eventID string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	query := `
		UPDATE attendance_events
		SET sync_state = ?, sync_attempts = sync_attempts + 1, last_error = ?
		WHERE id = ?
	`
	return s.execOne(ctx, query, string(models.SyncFailed), message, eventID)
}

// Requeue returns a Failed event to Pending for the next drain.
func (s *Storage) Requeue(ctx context.Context, eventID string) error {
	query := `
		UPDATE attendance_events
		SET sync_state = ?
		WHERE id = ? AND sync_state = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(models.SyncPending), eventID, string(models.SyncFailed))
	if err != nil {
		return fmt.Errorf("%w: requeue event: %v", ledger.ErrPersistence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: requeue rows affected: %v", ledger.ErrPersistence, err)
	}
	if affected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// ReleaseStale returns every Syncing event to Pending. Recovers claims
// orphaned by a crash between claim and outcome.
func (s *Storage) ReleaseStale(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE attendance_events SET sync_state = ? WHERE sync_state = ?`,
		string(models.SyncPending), string(models.SyncSyncing))
	if err != nil {
		return 0, fmt.Errorf("%w: release stale claims: %v", ledger.ErrPersistence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: release rows affected: %v", ledger.ErrPersistence, err)
	}
	return int(affected), nil
}

// RequeueFailed returns every Failed event to Pending.
func (s *Storage) RequeueFailed(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE attendance_events SET sync_state = ? WHERE sync_state = ?`,
		string(models.SyncPending), string(models.SyncFailed))
	if err != nil {
		return 0, fmt.Errorf("%w: requeue failed events: %v", ledger.ErrPersistence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: requeue rows affected: %v", ledger.ErrPersistence, err)
	}
	return int(affected), nil
}

// EventsByState counts attendance events grouped by sync state.
func (s *Storage) EventsByState(ctx context.Context) (map[models.SyncState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_state, COUNT(*) FROM attendance_events GROUP BY sync_state`)
	if err != nil {
		return nil, fmt.Errorf("%w: count events by state: %v", ledger.ErrPersistence, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[models.SyncState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("%w: scan state count: %v", ledger.ErrPersistence, err)
		}
		counts[models.SyncState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows iteration: %v", ledger.ErrPersistence, err)
	}
	return counts, nil
}

// execOne runs an update expected to touch exactly one row, mapping zero
// matches to ErrNotFound.
func (s *Storage) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrPersistence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ledger.ErrPersistence, err)
	}
	if affected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]*models.AttendanceEvent, error) {
	defer func() {
		_ = rows.Close()
	}()

	var events []*models.AttendanceEvent
	for rows.Next() {
		event := &models.AttendanceEvent{}
		var timestamp int64
		var state string
		var syncedAt sql.NullInt64

		err := rows.Scan(
			&event.ID,
			&event.PersonID,
			&event.SessionID,
			&timestamp,
			&state,
			&event.SyncAttempts,
			&event.LastError,
			&syncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ledger.ErrPersistence, err)
		}

		event.Timestamp = millisToTime(timestamp)
		event.SyncState = models.SyncState(state)
		if syncedAt.Valid {
			t := millisToTime(syncedAt.Int64)
			event.SyncedAt = &t
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows iteration: %v", ledger.ErrPersistence, err)
	}
	return events, nil
}

// Timestamps are stored as unix milliseconds so batch ordering survives
// same-second events.
func timeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
