// Package syncengine reconciles the local ledger with the remote backend.
// One direction drains unsynced attendance events upward with retries and
// capped exponential backoff; the other absorbs remotely declared sessions,
// people, and rooms into the ledger and announces them on the bus.
package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/axonlabs/axon-attendance/internal/gate"
	"github.com/axonlabs/axon-attendance/internal/ledger"
	"github.com/axonlabs/axon-attendance/internal/models"
	"github.com/axonlabs/axon-attendance/internal/syncengine/statestore"
	"github.com/axonlabs/axon-attendance/pkg/api"
)

// Backend is the remote system of record. Upserts are keyed by stable local
// identity so every call is safe to repeat.
type Backend interface {
	UpsertAttendance(ctx context.Context, record api.AttendanceRecord) (*api.AttendanceUpsertResponse, error)
	CurrentSession(ctx context.Context) (*api.CurrentSessionResponse, error)
	Directory(ctx context.Context, since time.Time) (*api.DirectoryResponse, error)
	FetchMedia(ctx context.Context, mediaURL string) ([]byte, error)
}

// Notifier republishes absorbed remote changes on the bus.
type Notifier interface {
	OnEnrollmentChange(person models.Person)
}

// Config carries the engine tunables.
type Config struct {
	// DrainInterval is how often unsynced events are offered to the backend.
	DrainInterval time.Duration

	// PollInterval is how often remote sessions and the directory are pulled.
	PollInterval time.Duration

	// BatchSize bounds one drain batch.
	BatchSize int

	// BackoffBase is the first retry delay after a failure; delays double up
	// to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MediaDir is where enrollment images are stored.
	MediaDir string
}

func (c *Config) applyDefaults() {
	if c.DrainInterval <= 0 {
		c.DrainInterval = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
}

// retrySchedule is the per-event backoff bookkeeping. Owned exclusively by
// the drain loop; never exposed outside the engine.
type retrySchedule struct {
	nextRetryAt time.Time
	backoff     time.Duration
}

// Engine runs the two reconciliation loops.
type Engine struct {
	logger   *slog.Logger
	store    ledger.Store
	gate     *gate.Gate
	notifier Notifier
	backend  Backend
	state    *statestore.Store
	cfg      Config

	// schedules maps event id to its retry bookkeeping. Only the goroutine
	// running Run touches it.
	schedules map[string]retrySchedule
}

// New creates a sync engine.
func New(store ledger.Store, g *gate.Gate, notifier Notifier, backend Backend, state *statestore.Store, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		logger:    logger,
		store:     store,
		gate:      g,
		notifier:  notifier,
		backend:   backend,
		state:     state,
		cfg:       cfg,
		schedules: make(map[string]retrySchedule),
	}
}

// Run recovers stale claims, then drives the drain and poll loops until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	released, err := e.store.ReleaseStale(ctx)
	if err != nil {
		return fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		e.logger.Info("recovered orphaned sync claims", "count", released)
	}
	requeued, err := e.store.RequeueFailed(ctx)
	if err != nil {
		return fmt.Errorf("requeue failed events: %w", err)
	}
	if requeued > 0 {
		e.logger.Info("requeued failed events for fresh attempts", "count", requeued)
	}
	if e.cfg.MediaDir != "" {
		if err := os.MkdirAll(e.cfg.MediaDir, 0o755); err != nil {
			return fmt.Errorf("create media dir: %w", err)
		}
	}

	drainTicker := time.NewTicker(e.cfg.DrainInterval)
	defer drainTicker.Stop()
	pollTicker := time.NewTicker(e.cfg.PollInterval)
	defer pollTicker.Stop()

	// One immediate poll so a freshly started device learns the current
	// session without waiting a full interval.
	e.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drainTicker.C:
			e.Drain(ctx)
		case <-pollTicker.C:
			e.Poll(ctx)
		}
	}
}

// Drain requeues events whose backoff elapsed, claims a batch of pending
// events, and offers each to the backend. Failures are recorded on the event
// and rescheduled; they are never dropped.
func (e *Engine) Drain(ctx context.Context) {
	now := time.Now()
	for eventID, schedule := range e.schedules {
		if now.Before(schedule.nextRetryAt) {
			continue
		}
		if err := e.store.Requeue(ctx, eventID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			e.logger.Warn("requeue failed", "event_id", eventID, "error", err)
		}
	}

	batch, err := e.store.ClaimUnsynced(ctx, e.cfg.BatchSize)
	if err != nil {
		e.logger.Error("claim batch failed", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	synced := 0
	for _, event := range batch {
		if err := e.submit(ctx, event); err != nil {
			e.recordFailure(ctx, event, err)
			continue
		}
		delete(e.schedules, event.ID)
		synced++
	}
	e.logger.Info("drain complete", "batch", len(batch), "synced", synced, "failed", len(batch)-synced)
}

// Poll pulls the backend's current session and directory changes and absorbs
// them into the ledger. Transport failures are logged and retried next tick.
func (e *Engine) Poll(ctx context.Context) {
	if resp, err := e.backend.CurrentSession(ctx); err != nil {
		e.logger.Warn("current session poll failed", "error", err)
	} else if err := e.AbsorbSession(ctx, resp); err != nil {
		e.logger.Error("absorb session failed", "error", err)
	}

	since, err := e.state.DirectorySince()
	if err != nil {
		e.logger.Warn("read directory watermark failed", "error", err)
	}
	resp, err := e.backend.Directory(ctx, since)
	if err != nil {
		e.logger.Warn("directory poll failed", "error", err)
		return
	}
	if err := e.AbsorbDirectory(ctx, resp); err != nil {
		e.logger.Error("absorb directory failed", "error", err)
	}
}

// AbsorbSession applies the backend's session state. A remotely declared
// session activates through the gate (replace semantics); a remote "no
// active session" ends only a remote-origin session, never one declared
// locally while offline.
func (e *Engine) AbsorbSession(ctx context.Context, resp *api.CurrentSessionResponse) error {
	if resp == nil {
		return nil
	}
	if resp.Active && resp.Session != nil {
		session := sessionFromPayload(resp.Session)
		current := e.gate.Current()
		if current.Active() && current.ID == session.ID && sameSession(current, session) {
			return nil
		}
		stored, err := e.store.GetSession(ctx, session.ID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("look up session %s: %w", session.ID, err)
		}
		// A session ended here stays ended. Re-activate only when the backend
		// carries state stamped after what we already absorbed; a stale poll
		// response repeating the old state must not undo a local end.
		if err == nil && stored.ActualEnd != nil && !remoteNewer(resp.Session, stored) {
			return nil
		}
		return e.gate.Activate(ctx, session)
	}

	current := e.gate.Current()
	if current.Active() && current.SyncedAt != nil {
		return e.gate.Deactivate(ctx, "remote-ended")
	}
	return nil
}

// AbsorbDirectory upserts pulled people and rooms, fetches missing
// enrollment media, announces enrollment changes, and advances the
// watermark.
func (e *Engine) AbsorbDirectory(ctx context.Context, resp *api.DirectoryResponse) error {
	if resp == nil {
		return nil
	}

	for _, payload := range resp.Rooms {
		room := &models.Room{ID: payload.RoomID, Name: payload.RoomName}
		if err := e.store.UpsertRoom(ctx, room); err != nil {
			return fmt.Errorf("upsert room %s: %w", room.ID, err)
		}
	}

	var watermark time.Time
	for _, payload := range resp.People {
		person := personFromPayload(payload)
		if payload.Picture != "" {
			if localPath, err := e.fetchMedia(ctx, payload.Picture); err != nil {
				e.logger.Warn("enrollment media fetch failed",
					"person_id", person.ID, "url", payload.Picture, "error", err)
			} else {
				person.MediaRef = localPath
			}
		}
		if err := e.store.UpsertPerson(ctx, person); err != nil {
			return fmt.Errorf("upsert person %s: %w", person.ID, err)
		}
		e.notifier.OnEnrollmentChange(*person)
		if payload.UpdatedAt != nil && payload.UpdatedAt.After(watermark) {
			watermark = *payload.UpdatedAt
		}
	}

	if !watermark.IsZero() {
		if err := e.state.SaveDirectorySince(watermark); err != nil {
			e.logger.Warn("save directory watermark failed", "error", err)
		}
	}
	return nil
}

// submit offers one claimed event to the backend and marks the outcome.
func (e *Engine) submit(ctx context.Context, event *models.AttendanceEvent) error {
	record := api.AttendanceRecord{
		EventID:   event.ID,
		PersonID:  event.PersonID,
		SessionID: event.SessionID,
		Timestamp: event.Timestamp,
	}
	resp, err := e.backend.UpsertAttendance(ctx, record)
	if err != nil {
		return err
	}
	syncedAt := resp.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	if err := e.store.MarkSynced(ctx, event.ID, syncedAt); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, event *models.AttendanceEvent, cause error) {
	if err := e.store.MarkFailed(ctx, event.ID, cause); err != nil {
		e.logger.Error("mark failed errored", "event_id", event.ID, "error", err)
	}

	schedule := e.schedules[event.ID]
	if schedule.backoff <= 0 {
		schedule.backoff = e.cfg.BackoffBase
	} else {
		schedule.backoff *= 2
		if schedule.backoff > e.cfg.BackoffCap {
			schedule.backoff = e.cfg.BackoffCap
		}
	}
	schedule.nextRetryAt = time.Now().Add(schedule.backoff)
	e.schedules[event.ID] = schedule

	e.logger.Warn("sync failed, retry scheduled",
		"event_id", event.ID, "error", cause, "backoff", schedule.backoff)
}

// fetchMedia downloads one enrollment image unless it is already present.
func (e *Engine) fetchMedia(ctx context.Context, mediaURL string) (string, error) {
	if e.cfg.MediaDir == "" {
		return "", fmt.Errorf("no media dir configured")
	}
	present, err := e.state.HasMedia(mediaURL)
	if err != nil {
		return "", err
	}

	parsed, err := url.Parse(mediaURL)
	if err != nil {
		return "", fmt.Errorf("bad media url: %w", err)
	}
	if !strings.HasSuffix(strings.ToLower(path.Base(parsed.Path)), ".jpg") {
		return "", fmt.Errorf("only .jpg images are supported, got %q", path.Base(parsed.Path))
	}
	// Name the file after the full URL, not its basename: two enrollments may
	// both serve a photo.jpg and must not overwrite each other.
	sum := sha256.Sum256([]byte(mediaURL))
	localPath := filepath.Join(e.cfg.MediaDir, hex.EncodeToString(sum[:8])+".jpg")
	if present {
		return localPath, nil
	}

	data, err := e.backend.FetchMedia(ctx, mediaURL)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := e.state.MarkMedia(mediaURL, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func sessionFromPayload(payload *api.SessionPayload) *models.Session {
	session := &models.Session{
		ID:              payload.ID,
		Name:            payload.Name,
		Start:           payload.StartTimestamp,
		PlannedEnd:      payload.PlannedEndTimestamp,
		PlannedDuration: payload.PlannedDuration,
		ActualEnd:       payload.ActualEndTimestamp,
		SyncedAt:        payload.SyncedAt,
	}
	if session.SyncedAt == nil {
		now := time.Now().UTC()
		session.SyncedAt = &now
	}
	return session
}

func personFromPayload(payload api.PersonPayload) *models.Person {
	person := &models.Person{
		ID:          payload.PersonID,
		Name:        payload.PreferredName,
		ExternalRef: payload.AdmissionNumber,
		RoomID:      payload.RoomID,
		MediaRef:    payload.Picture,
		Type:        models.PersonType(payload.UserType),
		SyncedAt:    payload.UpdatedAt,
	}
	if person.SyncedAt == nil {
		now := time.Now().UTC()
		person.SyncedAt = &now
	}
	return person
}

// remoteNewer reports whether the backend payload is stamped after the stored
// session. Compares the payload's own synced-at, not the absorb-time default.
func remoteNewer(payload *api.SessionPayload, stored *models.Session) bool {
	if payload.SyncedAt == nil {
		return false
	}
	return stored.SyncedAt == nil || payload.SyncedAt.After(*stored.SyncedAt)
}

func sameSession(a, b *models.Session) bool {
	return a.Name == b.Name &&
		a.Start.Equal(b.Start) &&
		a.PlannedEnd.Equal(b.PlannedEnd) &&
		a.PlannedDuration == b.PlannedDuration
}
