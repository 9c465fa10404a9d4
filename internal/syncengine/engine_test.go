package syncengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlabs/axon-attendance/internal/gate"
	"github.com/axonlabs/axon-attendance/internal/ledger/sqlite"
	"github.com/axonlabs/axon-attendance/internal/models"
	"github.com/axonlabs/axon-attendance/internal/syncengine/statestore"
	"github.com/axonlabs/axon-attendance/pkg/api"
)

// fakeBackend records what the engine offered and serves canned responses.
type fakeBackend struct {
	mu         sync.Mutex
	upserts    []api.AttendanceRecord
	upsertErr  error
	session    *api.CurrentSessionResponse
	directory  *api.DirectoryResponse
	lastSince  time.Time
	media      []byte
	mediaByURL map[string][]byte
	mediaErr   error
	mediaCalls int
}

func (f *fakeBackend) UpsertAttendance(_ context.Context, record api.AttendanceRecord) (*api.AttendanceUpsertResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, record)
	return &api.AttendanceUpsertResponse{SyncedAt: time.Now().UTC()}, nil
}

func (f *fakeBackend) CurrentSession(context.Context) (*api.CurrentSessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return &api.CurrentSessionResponse{Active: false}, nil
	}
	return f.session, nil
}

func (f *fakeBackend) Directory(_ context.Context, since time.Time) (*api.DirectoryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSince = since
	if f.directory == nil {
		return &api.DirectoryResponse{}, nil
	}
	return f.directory, nil
}

func (f *fakeBackend) FetchMedia(_ context.Context, mediaURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaCalls = f.mediaCalls + 1
	if f.mediaErr != nil {
		return nil, f.mediaErr
	}
	if data, ok := f.mediaByURL[mediaURL]; ok {
		return data, nil
	}
	return f.media, nil
}

func (f *fakeBackend) setUpsertErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

func (f *fakeBackend) recordedUpserts() []api.AttendanceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.AttendanceRecord(nil), f.upserts...)
}

// fakeNotifier collects enrollment announcements.
type fakeNotifier struct {
	mu     sync.Mutex
	people []models.Person
}

func (n *fakeNotifier) OnEnrollmentChange(person models.Person) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.people = append(n.people, person)
}

type testEngine struct {
	engine   *Engine
	store    *sqlite.Storage
	gate     *gate.Gate
	state    *statestore.Store
	backend  *fakeBackend
	notifier *fakeNotifier
	mediaDir string
}

func createTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.New(context.Background(), filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	state, err := statestore.New(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, state.Close())
	})

	if cfg.MediaDir == "" {
		cfg.MediaDir = filepath.Join(dir, "media")
	}
	require.NoError(t, os.MkdirAll(cfg.MediaDir, 0o755))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := gate.New(store, logger)
	backend := &fakeBackend{}
	notifier := &fakeNotifier{}
	engine := New(store, g, notifier, backend, state, cfg, logger)
	return &testEngine{
		engine:   engine,
		store:    store,
		gate:     g,
		state:    state,
		backend:  backend,
		notifier: notifier,
		mediaDir: cfg.MediaDir,
	}
}

func recordPendingEvent(t *testing.T, store *sqlite.Storage, personID string, at time.Time) string {
	t.Helper()
	id, err := store.RecordEvent(context.Background(), &models.AttendanceEvent{
		PersonID:  personID,
		SessionID: "session-1",
		Timestamp: at,
	})
	require.NoError(t, err)
	return id
}

func stateCounts(t *testing.T, store *sqlite.Storage) map[models.SyncState]int {
	t.Helper()
	counts, err := store.EventsByState(context.Background())
	require.NoError(t, err)
	return counts
}

func TestDrainSubmitsPendingEventsOldestFirst(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	first := recordPendingEvent(t, te.store, "person-1", base)
	second := recordPendingEvent(t, te.store, "person-2", base.Add(time.Second))
	third := recordPendingEvent(t, te.store, "person-3", base.Add(2*time.Second))

	te.engine.Drain(ctx)

	upserts := te.backend.recordedUpserts()
	require.Len(t, upserts, 3)
	assert.Equal(t, []string{first, second, third},
		[]string{upserts[0].EventID, upserts[1].EventID, upserts[2].EventID})

	counts := stateCounts(t, te.store)
	assert.Equal(t, 3, counts[models.SyncSynced])
	assert.Zero(t, counts[models.SyncPending])
}

func TestDrainFailureBacksOffThenRetriesSameEventID(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{BackoffBase: 20 * time.Millisecond, BackoffCap: 100 * time.Millisecond})

	eventID := recordPendingEvent(t, te.store, "person-1", time.Now().UTC())

	te.backend.setUpsertErr(errors.New("backend unreachable"))
	te.engine.Drain(ctx)

	counts := stateCounts(t, te.store)
	assert.Equal(t, 1, counts[models.SyncFailed])
	assert.Empty(t, te.backend.recordedUpserts())

	// Before the backoff elapses the event is not re-offered.
	te.backend.setUpsertErr(nil)
	te.engine.Drain(ctx)
	assert.Empty(t, te.backend.recordedUpserts())

	time.Sleep(30 * time.Millisecond)
	te.engine.Drain(ctx)

	upserts := te.backend.recordedUpserts()
	require.Len(t, upserts, 1)
	// Resubmission reuses the stable local id so the backend sees an upsert,
	// not a duplicate.
	assert.Equal(t, eventID, upserts[0].EventID)
	counts = stateCounts(t, te.store)
	assert.Equal(t, 1, counts[models.SyncSynced])
}

func TestDrainDoublesBackoffUpToCap(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{BackoffBase: 10 * time.Millisecond, BackoffCap: 40 * time.Millisecond})

	eventID := recordPendingEvent(t, te.store, "person-1", time.Now().UTC())
	te.backend.setUpsertErr(errors.New("backend unreachable"))

	// Repeated failures: 10ms, 20ms, 40ms, then pinned at the 40ms cap.
	for i := 0; i < 5; i++ {
		te.engine.Drain(ctx)
		time.Sleep(50 * time.Millisecond)
	}
	schedule := te.engine.schedules[eventID]
	assert.Equal(t, 40*time.Millisecond, schedule.backoff)

	counts := stateCounts(t, te.store)
	assert.Equal(t, 1, counts[models.SyncFailed])
}

func TestAbsorbSessionActivatesRemoteSession(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})

	start := time.Now().UTC().Truncate(time.Millisecond)
	syncedAt := start.Add(time.Second)
	require.NoError(t, te.engine.AbsorbSession(ctx, &api.CurrentSessionResponse{
		Active: true,
		Session: &api.SessionPayload{
			ID:                  "remote-1",
			Name:                "Parade",
			StartTimestamp:      start,
			PlannedEndTimestamp: start.Add(time.Hour),
			PlannedDuration:     60,
			SyncedAt:            &syncedAt,
		},
	}))

	require.True(t, te.gate.Active())
	current := te.gate.Current()
	assert.Equal(t, "remote-1", current.ID)
	require.NotNil(t, current.SyncedAt)

	// Absorbing the unchanged session again leaves the gate alone.
	require.NoError(t, te.engine.AbsorbSession(ctx, &api.CurrentSessionResponse{
		Active: true,
		Session: &api.SessionPayload{
			ID:                  "remote-1",
			Name:                "Parade",
			StartTimestamp:      start,
			PlannedEndTimestamp: start.Add(time.Hour),
			PlannedDuration:     60,
			SyncedAt:            &syncedAt,
		},
	}))
	assert.True(t, te.gate.Active())
}

func TestAbsorbSessionDoesNotResurrectLocallyEndedSession(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})

	start := time.Now().UTC().Truncate(time.Millisecond)
	syncedAt := start
	remote := &api.CurrentSessionResponse{
		Active: true,
		Session: &api.SessionPayload{
			ID:                  "remote-1",
			Name:                "Parade",
			StartTimestamp:      start,
			PlannedEndTimestamp: start.Add(time.Hour),
			PlannedDuration:     60,
			SyncedAt:            &syncedAt,
		},
	}
	require.NoError(t, te.engine.AbsorbSession(ctx, remote))
	require.True(t, te.gate.Active())

	// Operator ends the session; the next poll repeating the stale backend
	// state must leave it ended.
	require.NoError(t, te.gate.Deactivate(ctx, "command"))
	require.NoError(t, te.engine.AbsorbSession(ctx, remote))
	assert.False(t, te.gate.Active())

	stored, err := te.store.GetSession(ctx, "remote-1")
	require.NoError(t, err)
	assert.NotNil(t, stored.ActualEnd)
}

func TestAbsorbSessionNewerRemoteStateReactivates(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})

	start := time.Now().UTC().Truncate(time.Millisecond)
	syncedAt := start
	require.NoError(t, te.engine.AbsorbSession(ctx, &api.CurrentSessionResponse{
		Active: true,
		Session: &api.SessionPayload{
			ID:                  "remote-1",
			Name:                "Parade",
			StartTimestamp:      start,
			PlannedEndTimestamp: start.Add(time.Hour),
			SyncedAt:            &syncedAt,
		},
	}))
	require.NoError(t, te.gate.Deactivate(ctx, "command"))

	// The backend explicitly re-opened the session after our local end: its
	// synced-at moved forward, so the re-activation is genuine, not stale.
	reopenedAt := syncedAt.Add(time.Minute)
	require.NoError(t, te.engine.AbsorbSession(ctx, &api.CurrentSessionResponse{
		Active: true,
		Session: &api.SessionPayload{
			ID:                  "remote-1",
			Name:                "Parade",
			StartTimestamp:      start,
			PlannedEndTimestamp: start.Add(2 * time.Hour),
			SyncedAt:            &reopenedAt,
		},
	}))
	assert.True(t, te.gate.Active())
}

func TestAbsorbSessionRemoteEndedSparesLocalSession(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})

	// A session declared locally while offline has no synced-at stamp. The
	// backend reporting "nothing active" must not end it.
	now := time.Now().UTC()
	require.NoError(t, te.gate.Activate(ctx, &models.Session{
		ID:         "local-1",
		Name:       "Offline drill",
		Start:      now,
		PlannedEnd: now.Add(time.Hour),
	}))

	require.NoError(t, te.engine.AbsorbSession(ctx, &api.CurrentSessionResponse{Active: false}))
	assert.True(t, te.gate.Active())
}

func TestAbsorbSessionRemoteEndedEndsRemoteSession(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})

	start := time.Now().UTC()
	syncedAt := start
	require.NoError(t, te.engine.AbsorbSession(ctx, &api.CurrentSessionResponse{
		Active: true,
		Session: &api.SessionPayload{
			ID:                  "remote-1",
			Name:                "Parade",
			StartTimestamp:      start,
			PlannedEndTimestamp: start.Add(time.Hour),
			SyncedAt:            &syncedAt,
		},
	}))
	require.True(t, te.gate.Active())

	require.NoError(t, te.engine.AbsorbSession(ctx, &api.CurrentSessionResponse{Active: false}))
	assert.False(t, te.gate.Active())
}

func TestAbsorbDirectory(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})
	te.backend.media = []byte("jpeg-bytes")

	updatedAt := time.Now().UTC().Truncate(time.Millisecond)
	earlier := updatedAt.Add(-time.Hour)
	resp := &api.DirectoryResponse{
		Rooms: []api.RoomPayload{{RoomID: "room-1", RoomName: "Dorm 3"}},
		People: []api.PersonPayload{
			{
				PersonID:        "person-1",
				PreferredName:   "Ada Lovelace",
				UserType:        "Cadet",
				AdmissionNumber: "C-1815",
				RoomID:          "room-1",
				Picture:         "https://cdn.example.com/enroll/person-1.jpg",
				UpdatedAt:       &updatedAt,
			},
			{
				PersonID:      "person-2",
				PreferredName: "Grace Hopper",
				UserType:      "Employee",
				UpdatedAt:     &earlier,
			},
		},
	}
	require.NoError(t, te.engine.AbsorbDirectory(ctx, resp))

	person, err := te.store.GetPerson(ctx, "person-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", person.Name)
	assert.Equal(t, models.PersonTypeCadet, person.Type)
	assert.Equal(t, "room-1", person.RoomID)
	assert.Equal(t, te.mediaDir, filepath.Dir(person.MediaRef))
	assert.True(t, strings.HasSuffix(person.MediaRef, ".jpg"))

	data, err := os.ReadFile(person.MediaRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)

	te.notifier.mu.Lock()
	announced := len(te.notifier.people)
	te.notifier.mu.Unlock()
	assert.Equal(t, 2, announced)

	// Watermark advances to the newest updated-at across the batch.
	since, err := te.state.DirectorySince()
	require.NoError(t, err)
	assert.True(t, since.Equal(updatedAt), "watermark %s != %s", since, updatedAt)
}

func TestAbsorbDirectorySkipsAlreadyDownloadedMedia(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})
	te.backend.media = []byte("jpeg-bytes")

	updatedAt := time.Now().UTC()
	resp := &api.DirectoryResponse{
		People: []api.PersonPayload{{
			PersonID:      "person-1",
			PreferredName: "Ada Lovelace",
			UserType:      "Cadet",
			Picture:       "https://cdn.example.com/enroll/person-1.jpg",
			UpdatedAt:     &updatedAt,
		}},
	}
	require.NoError(t, te.engine.AbsorbDirectory(ctx, resp))
	require.NoError(t, te.engine.AbsorbDirectory(ctx, resp))

	te.backend.mu.Lock()
	calls := te.backend.mediaCalls
	te.backend.mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestAbsorbDirectorySameBasenameDoesNotCollide(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})
	te.backend.mediaByURL = map[string][]byte{
		"https://cdn.example.com/a/photo.jpg": []byte("ada-jpeg"),
		"https://cdn.example.com/b/photo.jpg": []byte("grace-jpeg"),
	}

	updatedAt := time.Now().UTC()
	require.NoError(t, te.engine.AbsorbDirectory(ctx, &api.DirectoryResponse{
		People: []api.PersonPayload{
			{PersonID: "person-1", PreferredName: "Ada Lovelace", UserType: "Cadet",
				Picture: "https://cdn.example.com/a/photo.jpg", UpdatedAt: &updatedAt},
			{PersonID: "person-2", PreferredName: "Grace Hopper", UserType: "Employee",
				Picture: "https://cdn.example.com/b/photo.jpg", UpdatedAt: &updatedAt},
		},
	}))

	first, err := te.store.GetPerson(ctx, "person-1")
	require.NoError(t, err)
	second, err := te.store.GetPerson(ctx, "person-2")
	require.NoError(t, err)
	require.NotEqual(t, first.MediaRef, second.MediaRef)

	data, err := os.ReadFile(first.MediaRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("ada-jpeg"), data)
	data, err = os.ReadFile(second.MediaRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("grace-jpeg"), data)
}

func TestAbsorbDirectoryRejectsNonJpegMedia(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})

	updatedAt := time.Now().UTC()
	resp := &api.DirectoryResponse{
		People: []api.PersonPayload{{
			PersonID:      "person-1",
			PreferredName: "Ada Lovelace",
			UserType:      "Cadet",
			Picture:       "https://cdn.example.com/enroll/person-1.png",
			UpdatedAt:     &updatedAt,
		}},
	}
	require.NoError(t, te.engine.AbsorbDirectory(ctx, resp))

	// The person is absorbed anyway; the media reference stays remote.
	person, err := te.store.GetPerson(ctx, "person-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/enroll/person-1.png", person.MediaRef)

	te.backend.mu.Lock()
	calls := te.backend.mediaCalls
	te.backend.mu.Unlock()
	assert.Zero(t, calls)
}

func TestPollUsesSavedWatermark(t *testing.T) {
	ctx := context.Background()
	te := createTestEngine(t, Config{})

	watermark := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, te.state.SaveDirectorySince(watermark))

	te.engine.Poll(ctx)

	te.backend.mu.Lock()
	since := te.backend.lastSince
	te.backend.mu.Unlock()
	assert.True(t, since.Equal(watermark), "since %s != %s", since, watermark)
}
