package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/offsync/internal/connectivity"
	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"github.com/alexjbarnes/offsync/internal/status"
	"github.com/alexjbarnes/offsync/internal/store"
)

// Scheduler runs sync cycles when connectivity returns or a caller asks.
// Triggers that arrive while a cycle is running collapse into a single
// follow-up cycle; there is no debounce.
type Scheduler struct {
	dispatcher *Dispatcher
	store      *store.Store
	status     *status.Reporter
	logger     *slog.Logger
	now        func() time.Time

	// pruneAfter is the age past which synced entries are deleted after
	// a successful cycle. Zero disables pruning.
	pruneAfter time.Duration

	signal chan struct{}

	mu         sync.Mutex
	cancelFeed func()
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// NewScheduler returns an unstarted scheduler.
func NewScheduler(d *Dispatcher, st *store.Store, rep *status.Reporter, pruneAfter time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		dispatcher: d,
		store:      st,
		status:     rep,
		logger:     logger,
		now:        time.Now,
		pruneAfter: pruneAfter,
		signal:     make(chan struct{}, 1),
	}
}

// Start launches the trigger loop and, when feed is non-nil, subscribes
// to it. Events with a transport trigger a cycle; offline events mark
// the status offline unless a cycle is running. Start is a no-op if the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context, feed connectivity.Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)

	if feed != nil {
		s.cancelFeed = feed.Subscribe(s.onConnectivity)
	}
}

func (s *Scheduler) onConnectivity(e connectivity.Event) {
	if e.Online() {
		s.logger.Debug("connectivity restored", slog.String("transport", e.Transport))
		s.status.SetOnline()
		s.Trigger()

		return
	}

	if s.status.SetOffline() {
		s.logger.Info("offline")
	}
}

// Trigger requests a cycle without waiting for it.
func (s *Scheduler) Trigger() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
			if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sync failed",
					slog.String("kind", syncerr.KindOf(err).String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// SyncNow runs a push cycle then a fetch on the caller's goroutine and
// returns the first aborting error, such as a missing credential.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	return s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	if err := s.dispatcher.Sync(ctx); err != nil {
		return err
	}

	s.prune()

	return nil
}

func (s *Scheduler) prune() {
	if s.pruneAfter <= 0 || s.status.Snapshot().State != status.Success {
		return
	}

	n, err := s.store.PruneSynced(s.now().Add(-s.pruneAfter))
	if err != nil {
		s.logger.Warn("pruning synced entries", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		s.logger.Info("pruned synced entries", slog.Int("count", n))
	}
}

// Stop unsubscribes from the feed and waits for the loop to exit. A
// cycle in progress finishes its current remote call first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancelFeed, cancelLoop, done := s.cancelFeed, s.cancelLoop, s.done
	s.cancelFeed, s.cancelLoop, s.done = nil, nil, nil
	s.mu.Unlock()

	if cancelFeed != nil {
		cancelFeed()
	}

	if cancelLoop != nil {
		cancelLoop()
		<-done
	}
}
