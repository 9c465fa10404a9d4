package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/axonlabs/axon-attendance/internal/ledger"
	"github.com/axonlabs/axon-attendance/internal/models"
)

// UpsertSession creates or replaces a session record.
func (s *Storage) UpsertSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (
			id, name, start_timestamp, planned_end_timestamp,
			planned_duration_minutes, actual_end_timestamp, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			start_timestamp = excluded.start_timestamp,
			planned_end_timestamp = excluded.planned_end_timestamp,
			planned_duration_minutes = excluded.planned_duration_minutes,
			actual_end_timestamp = excluded.actual_end_timestamp,
			synced_at = excluded.synced_at
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Name,
		timeToMillis(session.Start),
		nullableMillis(ptrOf(session.PlannedEnd)),
		session.PlannedDuration,
		nullableMillis(session.ActualEnd),
		nullableMillis(session.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert session: %v", ledger.ErrPersistence, err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Storage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := sessionSelect + ` WHERE id = ?`
	return s.querySession(ctx, query, id)
}

// ActiveSession returns the single session with no actual end, or
// ErrNotFound when none is active.
func (s *Storage) ActiveSession(ctx context.Context) (*models.Session, error) {
	query := sessionSelect + `
		WHERE actual_end_timestamp IS NULL
		ORDER BY start_timestamp DESC
		LIMIT 1
	`
	return s.querySession(ctx, query)
}

// EndActiveExcept stamps endedAt on every active session other than keepID.
// Mirrors the backend rule that creating a session ends all other open ones,
// keeping the single-active invariant true after any absorb.
func (s *Storage) EndActiveExcept(ctx context.Context, keepID string, endedAt time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET actual_end_timestamp = ?
		WHERE id != ? AND actual_end_timestamp IS NULL
	`, timeToMillis(endedAt), keepID)
	if err != nil {
		return 0, fmt.Errorf("%w: end active sessions: %v", ledger.ErrPersistence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ledger.ErrPersistence, err)
	}
	return int(affected), nil
}

// UpsertPerson creates or supersedes a person record. When both sides carry
// a sync timestamp the later write wins; an existing newer record is kept.
func (s *Storage) UpsertPerson(ctx context.Context, person *models.Person) error {
	existing, err := s.GetPerson(ctx, person.ID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	if existing != nil && existing.SyncedAt != nil && person.SyncedAt != nil &&
		existing.SyncedAt.After(*person.SyncedAt) {
		return nil
	}

	query := `
		INSERT INTO people (
			id, name, external_ref, room_id, media_ref, person_type, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			external_ref = excluded.external_ref,
			room_id = excluded.room_id,
			media_ref = excluded.media_ref,
			person_type = excluded.person_type,
			synced_at = excluded.synced_at
	`
	_, err = s.db.ExecContext(ctx, query,
		person.ID,
		person.Name,
		person.ExternalRef,
		person.RoomID,
		person.MediaRef,
		string(person.Type),
		nullableMillis(person.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert person: %v", ledger.ErrPersistence, err)
	}
	return nil
}

// GetPerson returns a person by id.
func (s *Storage) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	query := `
		SELECT id, name, external_ref, room_id, media_ref, person_type, synced_at
		FROM people
		WHERE id = ?
	`
	person := &models.Person{}
	var personType string
	var syncedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&person.ID,
		&person.Name,
		&person.ExternalRef,
		&person.RoomID,
		&person.MediaRef,
		&personType,
		&syncedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get person: %v", ledger.ErrPersistence, err)
	}

	person.Type = models.PersonType(personType)
	if syncedAt.Valid {
		t := millisToTime(syncedAt.Int64)
		person.SyncedAt = &t
	}
	return person, nil
}

// UpsertRoom creates or replaces a room record.
func (s *Storage) UpsertRoom(ctx context.Context, room *models.Room) error {
	query := `
		INSERT INTO rooms (id, name, synced_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			synced_at = excluded.synced_at
	`
	_, err := s.db.ExecContext(ctx, query,
		room.ID, room.Name, nullableMillis(room.SyncedAt))
	if err != nil {
		return fmt.Errorf("%w: upsert room: %v", ledger.ErrPersistence, err)
	}
	return nil
}

const sessionSelect = `
	SELECT id, name, start_timestamp, planned_end_timestamp,
	       planned_duration_minutes, actual_end_timestamp, synced_at
	FROM sessions
`

func (s *Storage) querySession(ctx context.Context, query string, args ...any) (*models.Session, error) {
	session := &models.Session{}
	var start int64
	var plannedEnd, actualEnd, syncedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&session.ID,
		&session.Name,
		&start,
		&plannedEnd,
		&session.PlannedDuration,
		&actualEnd,
		&syncedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get session: %v", ledger.ErrPersistence, err)
	}

	session.Start = millisToTime(start)
	if plannedEnd.Valid {
		session.PlannedEnd = millisToTime(plannedEnd.Int64)
	}
	if actualEnd.Valid {
		t := millisToTime(actualEnd.Int64)
		session.ActualEnd = &t
	}
	if syncedAt.Valid {
		t := millisToTime(syncedAt.Int64)
		session.SyncedAt = &t
	}
	return session, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return timeToMillis(*t)
}

func ptrOf(t time.Time) *time.Time {
	return &t
}
