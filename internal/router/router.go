// Package router glues the recognition pipeline, the session gate, the
// ledger, and the broadcast bus together. It owns the admission-control rule:
// a recognition match becomes a durable attendance event only when the
// confidence clears the threshold and a session is active.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/axonlabs/axon-attendance/internal/gate"
	"github.com/axonlabs/axon-attendance/internal/ipc"
	"github.com/axonlabs/axon-attendance/internal/ledger"
	"github.com/axonlabs/axon-attendance/internal/models"
)

// DefaultThreshold is the minimum recognition confidence admitted.
const DefaultThreshold = 0.6

// Bus is the broadcast surface the router publishes on.
type Bus interface {
	Broadcast(env ipc.Envelope) error
}

// Router applies recognition matches and client commands to the gate and the
// ledger, and republishes resulting state changes on the bus.
type Router struct {
	logger    *slog.Logger
	gate      *gate.Gate
	events    ledger.EventStore
	directory ledger.DirectoryStore
	bus       Bus
	threshold float64
}

// New creates a router. A negative threshold selects DefaultThreshold; an
// explicit zero admits every match.
func New(g *gate.Gate, events ledger.EventStore, directory ledger.DirectoryStore, bus Bus, threshold float64, logger *slog.Logger) *Router {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Router{
		logger:    logger,
		gate:      g,
		events:    events,
		directory: directory,
		bus:       bus,
		threshold: threshold,
	}
}

// OnMatch is called by the recognition collaborator for every match decision.
// A no-match (empty personID), a below-threshold confidence, or an inactive
// gate produces no ledger write and no broadcast. A persisted event is
// announced with an attendance-notify broadcast; a failed persist propagates
// and nothing is announced.
func (r *Router) OnMatch(ctx context.Context, personID string, confidence float64, timestamp time.Time) error {
	if personID == "" {
		return nil
	}
	if confidence < r.threshold {
		r.logger.Debug("match below threshold",
			"person_id", personID, "confidence", confidence, "threshold", r.threshold)
		return nil
	}
	session := r.gate.Current()
	if !session.Active() {
		r.logger.Debug("match ignored, no active session", "person_id", personID)
		return nil
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	event := &models.AttendanceEvent{
		PersonID:  personID,
		SessionID: session.ID,
		Timestamp: timestamp,
	}
	eventID, err := r.events.RecordEvent(ctx, event)
	if err != nil {
		// Never announce an event that failed to persist.
		return fmt.Errorf("record attendance: %w", err)
	}

	notify := ipc.AttendanceNotify{
		EventID:   eventID,
		PersonID:  personID,
		SessionID: session.ID,
		Timestamp: timestamp,
	}
	if person, err := r.directory.GetPerson(ctx, personID); err == nil {
		notify.PersonName = person.Name
	} else if !errors.Is(err, ledger.ErrNotFound) {
		r.logger.Warn("person lookup failed", "person_id", personID, "error", err)
	}

	r.logger.Info("attendance recorded",
		"event_id", eventID, "person_id", personID, "session_id", session.ID)
	r.publish(ipc.KindAttendanceNotify, notify)
	return nil
}

// OnClientCommand handles one subscriber-originated envelope. Unrecognized
// commands are reported back to the originating connection as an error
// envelope, never silently ignored.
func (r *Router) OnClientCommand(ctx context.Context, env ipc.Envelope, reply func(ipc.Envelope) error) {
	if env.Kind != ipc.KindUICommand {
		r.replyError(reply, fmt.Sprintf("unexpected message kind %q", env.Kind))
		return
	}
	var cmd ipc.UICommand
	if err := env.DecodePayload(&cmd); err != nil {
		r.replyError(reply, err.Error())
		return
	}

	switch cmd.Command {
	case "session-start":
		r.handleSessionStart(ctx, cmd, reply)
	case "session-end":
		if err := r.gate.Deactivate(ctx, "command"); err != nil {
			r.replyError(reply, err.Error())
		}
	case "status":
		session := r.gate.Current()
		update := ipc.SessionUpdate{Session: session, Active: session.Active(), Reason: "status"}
		if env, err := ipc.NewEnvelope(ipc.KindSessionUpdate, update); err == nil {
			if err := reply(env); err != nil {
				r.logger.Warn("status reply failed", "error", err)
			}
		}
	default:
		r.logger.Warn("unknown client command", "command", cmd.Command)
		r.replyError(reply, fmt.Sprintf("unknown command %q", cmd.Command))
	}
}

// OnSessionChange is the gate listener: every gate state change becomes a
// session-update broadcast.
func (r *Router) OnSessionChange(session *models.Session, active bool, reason string) {
	r.publish(ipc.KindSessionUpdate, ipc.SessionUpdate{
		Session: session,
		Active:  active,
		Reason:  reason,
	})
}

// OnEnrollmentChange announces a created or superseded person record.
func (r *Router) OnEnrollmentChange(person models.Person) {
	r.publish(ipc.KindEnrollmentUpdate, ipc.EnrollmentUpdate{Person: person})
}

func (r *Router) handleSessionStart(ctx context.Context, cmd ipc.UICommand, reply func(ipc.Envelope) error) {
	if cmd.SessionName == "" {
		r.replyError(reply, "session-start requires session_name")
		return
	}
	duration := cmd.DurationMinutes
	if duration <= 0 {
		duration = 60
	}
	now := time.Now().UTC()
	session := &models.Session{
		ID:              cmd.SessionID,
		Name:            cmd.SessionName,
		Start:           now,
		PlannedEnd:      now.Add(time.Duration(duration) * time.Minute),
		PlannedDuration: duration,
	}
	if session.ID == "" {
		session.ID = newSessionID()
	}
	if err := r.gate.Activate(ctx, session); err != nil {
		r.replyError(reply, err.Error())
	}
}

func (r *Router) publish(kind ipc.Kind, payload any) {
	env, err := ipc.NewEnvelope(kind, payload)
	if err != nil {
		r.logger.Error("encode broadcast failed", "kind", kind, "error", err)
		return
	}
	if err := r.bus.Broadcast(env); err != nil {
		r.logger.Warn("broadcast failed", "kind", kind, "error", err)
	}
}

func newSessionID() string {
	return uuid.New().String()
}

func (r *Router) replyError(reply func(ipc.Envelope) error, message string) {
	env, err := ipc.NewEnvelope(ipc.KindError, ipc.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	if err := reply(env); err != nil {
		r.logger.Warn("error reply failed", "error", err)
	}
}
