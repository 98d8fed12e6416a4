package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/offsync/internal/conflict"
	"github.com/alexjbarnes/offsync/internal/connectivity"
	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"github.com/alexjbarnes/offsync/internal/status"
	"github.com/alexjbarnes/offsync/internal/store"
)

// Options are the collaborators an Engine is built from.
type Options struct {
	// Store is the opened local replica. The engine closes it on Close.
	Store *store.Store

	// Remote is the remote authority client.
	Remote Remote

	// Feed delivers connectivity changes. Nil means only manual triggers.
	Feed connectivity.Feed

	// Resolver merges conflicting records. Nil means FieldLocalWins.
	Resolver conflict.Resolver

	// BatchSize is the push page size. Zero means DefaultBatchSize.
	BatchSize int

	// PruneSyncedAfter deletes synced queue entries older than this after
	// each successful cycle. Zero keeps them.
	PruneSyncedAfter time.Duration

	Logger *slog.Logger
}

// Engine is one sync engine instance: a store, a dispatcher, a scheduler
// and the status they report to.
type Engine struct {
	store      *store.Store
	dispatcher *Dispatcher
	scheduler  *Scheduler
	status     *status.Reporter
	feed       connectivity.Feed
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds an engine and loads the persisted session token. The engine
// does not react to connectivity or manual triggers until Start.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine store is required")
	}

	if opts.Remote == nil {
		return nil, syncerr.New(syncerr.KindServer, "engine", syncerr.ErrMissingEndpoint)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rep := status.NewReporter()
	d := NewDispatcher(opts.Store, opts.Remote, opts.Resolver, rep, opts.BatchSize, logger)

	token, err := opts.Store.Token()
	if err != nil {
		return nil, fmt.Errorf("loading session token: %w", err)
	}

	d.SetToken(token)

	return &Engine{
		store:      opts.Store,
		dispatcher: d,
		scheduler:  NewScheduler(d, opts.Store, rep, opts.PruneSyncedAfter, logger),
		status:     rep,
		feed:       opts.Feed,
		logger:     logger,
	}, nil
}

// Start subscribes to the connectivity feed and starts the trigger loop.
// The loop stops when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return syncerr.ErrNotStarted
	}

	if e.started {
		return nil
	}

	e.scheduler.Start(ctx, e.feed)
	e.started = true

	e.logger.Info("sync engine started", slog.Int("schema_version", e.store.SchemaVersion()))

	return nil
}

// Close stops the scheduler, unsubscribes from the feed and closes the
// store. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}

	e.closed = true
	e.started = false
	e.mu.Unlock()

	e.scheduler.Stop()

	return e.store.Close()
}

func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return syncerr.ErrNotStarted
	}

	return nil
}

// Put writes a record locally and queues it for delivery.
func (e *Engine) Put(id string, payload map[string]any) (store.Record, error) {
	return e.store.Put(id, payload)
}

// Get returns the local record for id, or nil when absent.
func (e *Engine) Get(id string) (*store.Record, error) {
	return e.store.Get(id)
}

// GetAll returns every local record.
func (e *Engine) GetAll() ([]store.Record, error) {
	return e.store.GetAll()
}

// SetToken persists the session token and uses it for subsequent calls.
func (e *Engine) SetToken(token string) error {
	if err := e.store.SetToken(token); err != nil {
		return err
	}

	e.dispatcher.SetToken(token)

	return nil
}

// Trigger requests a sync without waiting.
func (e *Engine) Trigger() error {
	if err := e.running(); err != nil {
		return err
	}

	e.scheduler.Trigger()

	return nil
}

// SyncNow pushes pending entries and pulls updates, waiting for both.
// It fails with ErrNotStarted before Start and with ErrMissingToken when
// no credential is set.
func (e *Engine) SyncNow(ctx context.Context) error {
	if err := e.running(); err != nil {
		return err
	}

	return e.scheduler.SyncNow(ctx)
}

// RunSyncCycle runs only the push half of a sync.
func (e *Engine) RunSyncCycle(ctx context.Context) error {
	if err := e.running(); err != nil {
		return err
	}

	return e.dispatcher.RunSyncCycle(ctx)
}

// FetchRemoteUpdates runs only the pull half of a sync.
func (e *Engine) FetchRemoteUpdates(ctx context.Context) error {
	if err := e.running(); err != nil {
		return err
	}

	return e.dispatcher.FetchRemoteUpdates(ctx)
}

// Status returns the status reporter for snapshots and subscriptions.
func (e *Engine) Status() *status.Reporter {
	return e.status
}

// Store returns the underlying store for queue inspection and
// maintenance.
func (e *Engine) Store() *store.Store {
	return e.store
}
