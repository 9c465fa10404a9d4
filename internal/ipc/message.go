// Package ipc implements the broadcast bus between the attendance daemon and
// its display/interaction clients: one Broadcaster fanning out over a unix
// socket, N Subscribers receiving and sending commands back.
//
// The bus is a notification layer, not a log. Delivery is best-effort and
// non-persistent; durability lives in the ledger.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/axonlabs/axon-attendance/internal/models"
)

// ErrValidation indicates a malformed or unrecognized message at the bus
// boundary. Reported back to the sender, never fatal.
var ErrValidation = errors.New("invalid ipc message")

// Kind discriminates the envelope payload. The set is closed: anything else
// is rejected at the boundary before it reaches business logic.
type Kind string

const (
	KindAttendanceNotify Kind = "attendance-notify"
	KindSessionUpdate    Kind = "session-update"
	KindEnrollmentUpdate Kind = "enrollment-update"
	KindUICommand        Kind = "ui-command"
	KindHeartbeat        Kind = "heartbeat"
	KindError            Kind = "error"
)

// knownKinds is the closed set of kinds accepted on the wire.
var knownKinds = map[Kind]bool{
	KindAttendanceNotify: true,
	KindSessionUpdate:    true,
	KindEnrollmentUpdate: true,
	KindUICommand:        true,
	KindHeartbeat:        true,
	KindError:            true,
}

// Envelope is the wire shape of every bus message.
type Envelope struct {
	SentAt  time.Time       `json:"sent_at"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AttendanceNotify announces a freshly recorded attendance event.
type AttendanceNotify struct {
	Timestamp  time.Time `json:"timestamp"`
	EventID    string    `json:"event_id"`
	PersonID   string    `json:"person_id"`
	PersonName string    `json:"person_name,omitempty"`
	SessionID  string    `json:"session_id"`
}

// SessionUpdate announces a session lifecycle change.
type SessionUpdate struct {
	Session *models.Session `json:"session,omitempty"`
	Active  bool            `json:"active"`
	Reason  string          `json:"reason,omitempty"`
}

// EnrollmentUpdate announces a created or superseded person record.
type EnrollmentUpdate struct {
	Person models.Person `json:"person"`
}

// UICommand is a client-originated command. Command names understood by the
// daemon: "session-start", "session-end", "status".
type UICommand struct {
	Command         string `json:"command"`
	SessionID       string `json:"session_id,omitempty"`
	SessionName     string `json:"session_name,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// ErrorPayload is sent back to the originating connection when a command
// cannot be handled.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload and wraps it with kind and a send timestamp.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	env := Envelope{Kind: kind, SentAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode parses and validates one wire frame body. Unknown kinds and payload
// shapes that do not match their kind are rejected here, at the boundary.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !knownKinds[env.Kind] {
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, env.Kind)
	}
	// Probe the payload shape so malformed messages fail before dispatch.
	switch env.Kind {
	case KindAttendanceNotify:
		var p AttendanceNotify
		if err := env.DecodePayload(&p); err != nil {
			return Envelope{}, err
		}
	case KindSessionUpdate:
		var p SessionUpdate
		if err := env.DecodePayload(&p); err != nil {
			return Envelope{}, err
		}
	case KindEnrollmentUpdate:
		var p EnrollmentUpdate
		if err := env.DecodePayload(&p); err != nil {
			return Envelope{}, err
		}
	case KindUICommand:
		var p UICommand
		if err := env.DecodePayload(&p); err != nil {
			return Envelope{}, err
		}
		if p.Command == "" {
			return Envelope{}, fmt.Errorf("%w: ui-command without command", ErrValidation)
		}
	case KindError:
		var p ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return Envelope{}, err
		}
	case KindHeartbeat:
		// No payload.
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrValidation, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrValidation, e.Kind, err)
	}
	return nil
}

// Encode renders the envelope to its wire body.
func (e Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}
