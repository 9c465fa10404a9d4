package models

import "time"

// SyncState tracks where a locally recorded entity is in its journey to the
// remote backend.
type SyncState string

const (
	// SyncPending means the entity has not been offered to the backend yet.
	SyncPending SyncState = "pending"

	// SyncSyncing means the entity is claimed by an in-flight sync batch.
	// The claim prevents a concurrent drain from submitting it twice.
	SyncSyncing SyncState = "syncing"

	// SyncSynced means the backend acknowledged the entity.
	SyncSynced SyncState = "synced"

	// SyncFailed means the last attempt failed; the entity will be retried
	// after its backoff elapses.
	SyncFailed SyncState = "failed"
)

// PersonType distinguishes the two enrolled populations.
type PersonType string

const (
	PersonTypeCadet    PersonType = "Cadet"
	PersonTypeEmployee PersonType = "Employee"
)

// Session is a bounded time window during which recognition-based attendance
// marking is permitted. At most one session is active (ActualEnd == nil) at
// any instant.
type Session struct {
	Start           time.Time  `json:"start_timestamp"`
	PlannedEnd      time.Time  `json:"planned_end_timestamp"`
	ActualEnd       *time.Time `json:"actual_end_timestamp,omitempty"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	PlannedDuration int        `json:"planned_duration_minutes"`
}

// Active reports whether the session has not ended yet.
func (s *Session) Active() bool {
	return s != nil && s.ActualEnd == nil
}

// Expired reports whether the session passed its planned end without being
// explicitly ended.
func (s *Session) Expired(now time.Time) bool {
	return s.Active() && !s.PlannedEnd.IsZero() && now.After(s.PlannedEnd)
}

// Person is an enrolled individual. People are never hard-deleted, only
// superseded by a newer upsert.
type Person struct {
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ExternalRef string     `json:"external_ref"` // admission number or employee id
	RoomID      string     `json:"room_id,omitempty"`
	MediaRef    string     `json:"media_ref"` // enrollment image reference
	Type        PersonType `json:"person_type"`
}

// Room is the group/unit a person belongs to.
type Room struct {
	SyncedAt *time.Time `json:"synced_at,omitempty"`
	ID       string     `json:"id"`
	Name     string     `json:"name"`
}

// AttendanceEvent is one durable attendance mark. It is immutable after
// creation except for the sync bookkeeping fields.
type AttendanceEvent struct {
	Timestamp    time.Time  `json:"timestamp"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
	ID           string     `json:"id"`
	PersonID     string     `json:"person_id"`
	SessionID    string     `json:"session_id"`
	LastError    string     `json:"last_error,omitempty"`
	SyncState    SyncState  `json:"sync_state"`
	SyncAttempts int        `json:"sync_attempts"`
}
