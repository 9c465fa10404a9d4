// Package ledger defines the durable local record of attendance, session,
// person, and room state. The ledger is the single source of truth for what
// happened locally; it stays authoritative until the sync engine reconciles
// it with the remote backend.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/axonlabs/axon-attendance/internal/models"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrPersistence indicates the storage layer failed. Fatal to the
	// operation: callers must retry or escalate, never fabricate success.
	ErrPersistence = errors.New("ledger persistence failure")
)

// EventStore is the append-only attendance record plus its sync bookkeeping.
type EventStore interface {
	// RecordEvent durably appends one attendance event and returns its id.
	// The write is committed to stable storage before returning. Concurrent
	// calls are serialized; no partial writes interleave.
	RecordEvent(ctx context.Context, event *models.AttendanceEvent) (string, error)

	// ClaimUnsynced returns up to limit pending events, oldest first, and
	// atomically transitions them to Syncing. An event already claimed by an
	// outstanding batch is never returned again until released.
	ClaimUnsynced(ctx context.Context, limit int) ([]*models.AttendanceEvent, error)

	// MarkSynced transitions a claimed event to Synced and stamps the
	// watermark.
	MarkSynced(ctx context.Context, eventID string, syncedAt time.Time) error

	// MarkFailed transitions a claimed event to Failed, increments its
	// attempt count, and records the error.
	MarkFailed(ctx context.Context, eventID string, cause error) error

	// Requeue transitions a Failed event back to Pending once its backoff
	// has elapsed.
	Requeue(ctx context.Context, eventID string) error

	// ReleaseStale returns any event stuck in Syncing to Pending. Called at
	// startup to recover claims orphaned by a crash mid-drain.
	ReleaseStale(ctx context.Context) (int, error)

	// RequeueFailed returns every Failed event to Pending. Called at startup:
	// backoff schedules do not survive a restart, so failed entries get an
	// immediate fresh attempt rather than being stranded.
	RequeueFailed(ctx context.Context) (int, error)

	// EventsByState counts events per sync state, for status reporting.
	EventsByState(ctx context.Context) (map[models.SyncState]int, error)
}

// DirectoryStore holds sessions, people, and rooms, locally declared or
// absorbed from the remote backend.
type DirectoryStore interface {
	// UpsertSession creates or replaces a session record.
	UpsertSession(ctx context.Context, session *models.Session) error

	// GetSession returns a session by id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// ActiveSession returns the session with no actual end, or ErrNotFound
	// when none is active.
	ActiveSession(ctx context.Context) (*models.Session, error)

	// EndActiveExcept stamps endedAt on every active session other than
	// keepID, enforcing the single-active-session invariant. Returns the
	// number of sessions ended.
	EndActiveExcept(ctx context.Context, keepID string, endedAt time.Time) (int, error)

	// UpsertPerson creates or supersedes a person record.
	UpsertPerson(ctx context.Context, person *models.Person) error

	// GetPerson returns a person by id, or ErrNotFound.
	GetPerson(ctx context.Context, id string) (*models.Person, error)

	// UpsertRoom creates or replaces a room record.
	UpsertRoom(ctx context.Context, room *models.Room) error
}

// Store is the full ledger surface owned by the daemon.
type Store interface {
	EventStore
	DirectoryStore

	Close() error
}
