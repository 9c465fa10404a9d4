// Package api holds the wire types exchanged with the remote attendance
// backend. Field names follow the backend's JSON contract.
package api

import "time"

// AttendanceRecord is one locally recorded attendance mark offered to the
// backend. EventID is the stable local identity: resending the same id is an
// upsert, never a duplicate, which is what makes at-least-once delivery safe.
type AttendanceRecord struct {
	Timestamp time.Time `json:"attendanceTimestamp"`
	EventID   string    `json:"eventId"`
	PersonID  string    `json:"personId"`
	SessionID string    `json:"sessionId"`
}

// AttendanceUpsertResponse acknowledges one accepted record.
type AttendanceUpsertResponse struct {
	SyncedAt time.Time `json:"syncedAt"`
}

// SessionPayload mirrors the backend's session shape.
type SessionPayload struct {
	StartTimestamp      time.Time  `json:"startTimestamp"`
	PlannedEndTimestamp time.Time  `json:"plannedEndTimestamp"`
	ActualEndTimestamp  *time.Time `json:"actualEndTimestamp"`
	SyncedAt            *time.Time `json:"syncedAt"`
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	PlannedDuration     int        `json:"plannedDurationInMinutes"`
}

// CurrentSessionResponse reports the backend's notion of the active session.
type CurrentSessionResponse struct {
	Session *SessionPayload `json:"session"`
	Active  bool            `json:"active"`
}

// PersonPayload mirrors the backend's person/enrollment shape. Picture is a
// media reference to fetch, not inline image data.
type PersonPayload struct {
	UpdatedAt       *time.Time `json:"updatedAt"`
	PersonID        string     `json:"personId"`
	PreferredName   string     `json:"preferredName"`
	UserType        string     `json:"userType"` // Cadet | Employee
	AdmissionNumber string     `json:"admissionNumber"`
	RoomID          string     `json:"roomId"`
	Picture         string     `json:"picture"`
}

// RoomPayload mirrors the backend's room shape.
type RoomPayload struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
}

// DirectoryResponse carries people and rooms changed since the requested
// watermark.
type DirectoryResponse struct {
	People []PersonPayload `json:"people"`
	Rooms  []RoomPayload   `json:"rooms"`
}

// ErrorResponse is the backend's error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
