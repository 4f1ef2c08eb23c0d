package syncengine

import (
	"time"

	"go.uber.org/atomic"
)

/*
State is the shared sync status.

Each field has one writer: the connectivity monitor calls SetOnline, the
engine flips the in-progress flag around a drain pass and records the last
successful sync. Everyone else only reads.
*/
type State struct {
	online     *atomic.Bool
	inProgress *atomic.Bool
	lastSync   *atomic.Time
}

// NewState creates a State with the given initial connectivity.
func NewState(online bool) *State {
	return &State{
		online:     atomic.NewBool(online),
		inProgress: atomic.NewBool(false),
		lastSync:   atomic.NewTime(time.Time{}),
	}
}

// Online reports the last known connectivity.
func (s *State) Online() bool { return s.online.Load() }

// SetOnline records connectivity and reports whether it changed.
func (s *State) SetOnline(online bool) bool {
	return s.online.Swap(online) != online
}

// InProgress reports whether a drain pass is running.
func (s *State) InProgress() bool { return s.inProgress.Load() }

// LastSync returns the time of the last complete drain and refresh. ok is
// false until one has happened.
func (s *State) LastSync() (t time.Time, ok bool) {
	t = s.lastSync.Load()
	return t, !t.IsZero()
}

func (s *State) tryBegin() bool { return s.inProgress.CompareAndSwap(false, true) }

func (s *State) end() { s.inProgress.Store(false) }

func (s *State) setLastSync(t time.Time) { s.lastSync.Store(t) }
