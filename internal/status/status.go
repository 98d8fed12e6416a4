// Package status tracks the sync engine's observable state: a state
// machine, the last error kind, and cycle progress.
package status

import (
	"sync"

	syncerr "github.com/alexjbarnes/offsync/internal/errors"
)

// State is the engine's current activity.
type State string

const (
	Idle    State = "idle"
	Syncing State = "syncing"
	Success State = "success"
	Error   State = "error"
	Offline State = "offline"
)

// Snapshot is a consistent read of the reporter.
type Snapshot struct {
	State     State        `json:"state" yaml:"state"`
	LastError syncerr.Kind `json:"lastError" yaml:"last_error"`
	Progress  float64      `json:"progress" yaml:"progress"`
}

// Reporter holds the status triple and notifies subscribers after every
// change. Listeners run synchronously on the goroutine that made the
// change and must not call back into the Reporter's setters.
type Reporter struct {
	mu        sync.Mutex
	snap      Snapshot
	nextID    int
	listeners map[int]func(Snapshot)

	// offlinePending is set when connectivity drops mid-cycle; the
	// cycle's settle then lands in offline.
	offlinePending bool
}

// NewReporter returns a reporter in the initial idle/none/0 state.
func NewReporter() *Reporter {
	return &Reporter{
		snap:      Snapshot{State: Idle, LastError: syncerr.KindNone},
		listeners: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current status.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snap
}

// Subscribe registers fn for every subsequent change and returns a
// function that removes it.
func (r *Reporter) Subscribe(fn func(Snapshot)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// BeginCycle moves to syncing with progress reset to zero. The last
// error kind is kept until the cycle settles.
func (r *Reporter) BeginCycle() {
	r.update(func(s *Snapshot) {
		s.State = Syncing
		s.Progress = 0
	})
}

// SetProgress records a fraction, clamped to [0, 1].
func (r *Reporter) SetProgress(p float64) {
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}

	r.update(func(s *Snapshot) { s.Progress = p })
}

// Succeed settles a cycle cleanly.
func (r *Reporter) Succeed() {
	r.update(func(s *Snapshot) {
		s.State = r.settledState(Success)
		s.LastError = syncerr.KindNone
		s.Progress = 1
	})
}

// Fail settles a cycle with the given error kind.
func (r *Reporter) Fail(kind syncerr.Kind) {
	if kind == syncerr.KindNone {
		kind = syncerr.KindUnknown
	}

	r.update(func(s *Snapshot) {
		s.State = r.settledState(Error)
		s.LastError = kind
	})
}

// settledState returns offline instead of st when connectivity dropped
// during the cycle. Called with r.mu held.
func (r *Reporter) settledState(st State) State {
	if r.offlinePending {
		r.offlinePending = false
		return Offline
	}

	return st
}

// SetOffline marks the engine offline and reports whether the state
// changed. During a cycle the change is deferred until the cycle
// settles, keeping its outcome in the last error kind.
func (r *Reporter) SetOffline() bool {
	changed := false

	r.update(func(s *Snapshot) {
		switch s.State {
		case Offline:
			return
		case Syncing:
			r.offlinePending = true
			return
		}

		s.State = Offline
		changed = true
	})

	return changed
}

// SetOnline drops an offline change deferred by SetOffline. The offline
// state itself is left by the next cycle.
func (r *Reporter) SetOnline() {
	r.mu.Lock()
	r.offlinePending = false
	r.mu.Unlock()
}

func (r *Reporter) update(fn func(*Snapshot)) {
	r.mu.Lock()
	before := r.snap
	fn(&r.snap)
	after := r.snap

	var listeners []func(Snapshot)
	if after != before {
		listeners = make([]func(Snapshot), 0, len(r.listeners))
		for id := 0; id < r.nextID; id++ {
			if fn, ok := r.listeners[id]; ok {
				listeners = append(listeners, fn)
			}
		}
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(after)
	}
}
