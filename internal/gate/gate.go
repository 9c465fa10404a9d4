// Package gate tracks whether an attendance session is currently active.
// Every downstream write is conditioned on its state: no active session, no
// attendance events.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axonlabs/axon-attendance/internal/ledger"
	"github.com/axonlabs/axon-attendance/internal/models"
)

// Listener is notified after every gate state change so the change can be
// republished on the bus.
type Listener func(session *models.Session, active bool, reason string)

// Gate owns the single active session. Activation uses replace semantics:
// activating a new session while one is active implicitly ends the prior one.
type Gate struct {
	logger   *slog.Logger
	store    ledger.DirectoryStore
	listener Listener

	mu      sync.Mutex
	current *models.Session
}

// New creates a gate persisting through store.
func New(store ledger.DirectoryStore, logger *slog.Logger) *Gate {
	return &Gate{logger: logger, store: store}
}

// OnChange registers the state-change listener. Register before use.
func (g *Gate) OnChange(fn Listener) {
	g.listener = fn
}

// Restore loads the active session from the ledger, if any. Called once at
// startup so a restart resumes mid-session.
func (g *Gate) Restore(ctx context.Context) error {
	session, err := g.store.ActiveSession(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restore active session: %w", err)
	}
	g.mu.Lock()
	g.current = session
	g.mu.Unlock()
	g.logger.Info("restored active session", "session_id", session.ID, "name", session.Name)
	return nil
}

// Active reports whether a session is currently active.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current.Active()
}

// Current returns a copy of the active session, or nil.
func (g *Gate) Current() *models.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return nil
	}
	copied := *g.current
	return &copied
}

// Activate makes session the active one. A previously active session is
// implicitly ended first, its actual end stamped no later than the new
// session's start.
func (g *Gate) Activate(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("activate: session without id")
	}
	if session.Start.IsZero() {
		session.Start = time.Now().UTC()
	}

	g.mu.Lock()
	prior := g.current
	var ended *models.Session
	if prior.Active() && prior.ID != session.ID {
		cut := session.Start
		copied := *prior
		copied.ActualEnd = &cut
		if err := g.store.UpsertSession(ctx, &copied); err != nil {
			g.mu.Unlock()
			return fmt.Errorf("end prior session %s: %w", prior.ID, err)
		}
		ended = &copied
	}
	if err := g.store.UpsertSession(ctx, session); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("persist session %s: %w", session.ID, err)
	}
	// Belt and braces for the single-active invariant: close anything else
	// still open in the ledger (e.g. rows absorbed while we were down).
	if _, err := g.store.EndActiveExcept(ctx, session.ID, session.Start); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("enforce single active session: %w", err)
	}
	g.current = session
	g.mu.Unlock()

	if ended != nil {
		g.logger.Info("session replaced", "ended", ended.ID, "activated", session.ID)
		g.notify(ended, false, "replaced")
	}
	g.logger.Info("session activated", "session_id", session.ID, "name", session.Name)
	g.notify(session, true, "activated")
	return nil
}

// Deactivate ends the active session. A deactivate with no active session is
// a no-op, not an error.
func (g *Gate) Deactivate(ctx context.Context, reason string) error {
	g.mu.Lock()
	if !g.current.Active() {
		g.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	copied := *g.current
	copied.ActualEnd = &now
	if err := g.store.UpsertSession(ctx, &copied); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("end session %s: %w", copied.ID, err)
	}
	g.current = nil
	g.mu.Unlock()

	g.logger.Info("session ended", "session_id", copied.ID, "reason", reason)
	g.notify(&copied, false, reason)
	return nil
}

// ExpireIfDue ends the active session once its planned end has passed.
// Driven by a timer in the daemon.
func (g *Gate) ExpireIfDue(ctx context.Context, now time.Time) error {
	g.mu.Lock()
	due := g.current.Expired(now)
	g.mu.Unlock()
	if !due {
		return nil
	}
	return g.Deactivate(ctx, "expired")
}

func (g *Gate) notify(session *models.Session, active bool, reason string) {
	if g.listener != nil {
		g.listener(session, active, reason)
	}
}
