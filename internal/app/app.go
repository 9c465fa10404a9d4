// Package app assembles the daemon: ledger, session gate, broadcast bus,
// event router, and sync engine, constructed once and passed to their
// collaborators. There are no process-wide singletons; the App owns every
// shared resource and tears them down in order.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axonlabs/axon-attendance/internal/config"
	"github.com/axonlabs/axon-attendance/internal/gate"
	"github.com/axonlabs/axon-attendance/internal/ipc"
	"github.com/axonlabs/axon-attendance/internal/ledger/sqlite"
	"github.com/axonlabs/axon-attendance/internal/remote"
	"github.com/axonlabs/axon-attendance/internal/router"
	"github.com/axonlabs/axon-attendance/internal/syncengine"
	"github.com/axonlabs/axon-attendance/internal/syncengine/statestore"
)

// sessionExpiryInterval paces the check that ends a session past its
// planned end.
const sessionExpiryInterval = 15 * time.Second

// App owns the daemon's components.
type App struct {
	logger *slog.Logger
	cfg    *config.Config

	store  *sqlite.Storage
	state  *statestore.Store
	gate   *gate.Gate
	bus    *ipc.Broadcaster
	router *router.Router
	engine *syncengine.Engine
}

// New builds the component graph. Sync is disabled when no remote URL is
// configured; the device then records offline indefinitely.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	g := gate.New(store, logger)
	bus := ipc.NewBroadcaster(ipc.BroadcasterConfig{
		SocketPath:     cfg.SocketPath,
		HeartbeatEvery: cfg.HeartbeatInterval,
	}, logger)
	rt := router.New(g, store, store, bus, cfg.MatchThreshold, logger)
	g.OnChange(rt.OnSessionChange)

	a := &App{
		logger: logger,
		cfg:    cfg,
		store:  store,
		gate:   g,
		bus:    bus,
		router: rt,
	}

	if cfg.RemoteURL != "" {
		state, err := statestore.New(cfg.StatePath)
		if err != nil {
			store.Close()
			return nil, err
		}
		backend := remote.NewClient(remote.Config{
			BaseURL:      cfg.RemoteURL,
			DeviceID:     cfg.DeviceID,
			DeviceSecret: cfg.DeviceSecret,
			Timeout:      cfg.RemoteTimeout,
		})
		a.state = state
		a.engine = syncengine.New(store, g, rt, backend, state, syncengine.Config{
			DrainInterval: cfg.DrainInterval,
			PollInterval:  cfg.PollInterval,
			BatchSize:     cfg.SyncBatchSize,
			MediaDir:      cfg.MediaDir,
		}, logger)
	} else {
		logger.Warn("no remote_url configured, running offline only")
	}

	return a, nil
}

// Router exposes the event router so the recognition collaborator can feed
// match events in.
func (a *App) Router() *router.Router {
	return a.router
}

// Run starts the bus and the background loops, blocking until ctx is
// cancelled, then tears everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.gate.Restore(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	a.bus.OnMessage(func(env ipc.Envelope, reply func(ipc.Envelope) error) {
		a.router.OnClientCommand(groupCtx, env, reply)
	})
	if err := a.bus.Start(); err != nil {
		return err
	}

	if a.engine != nil {
		group.Go(func() error {
			if err := a.engine.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(sessionExpiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case now := <-ticker.C:
				if err := a.gate.ExpireIfDue(groupCtx, now); err != nil {
					a.logger.Error("session expiry check failed", "error", err)
				}
			}
		}
	})

	err := group.Wait()
	return errors.Join(err, a.Close())
}

// Close releases the bus socket and the storage handles.
func (a *App) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.state != nil {
		errs = append(errs, a.state.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
