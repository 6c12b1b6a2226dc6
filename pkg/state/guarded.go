// Package state serialises every access to the persisted RootState.
package state

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/democrit/pkg/app/core"
)

// Persister writes the full RootState as one record.
type Persister interface {
	SaveState(s core.RootState) error
}

// Loader returns the stored RootState, or false if nothing was stored yet.
type Loader interface {
	LoadState() (core.RootState, bool, error)
}

// Guarded owns the RootState. ReadState and AccessState share one critical
// section and must not be nested.
type Guarded struct {
	mu    sync.Mutex
	state core.RootState
	store Persister
	log   *zap.SugaredLogger
}

// New wraps an in-memory state. store may be nil for a volatile state.
func New(s core.RootState, store Persister, log *zap.SugaredLogger) *Guarded {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Guarded{state: s, store: store, log: log}
}

// Open loads the state of account from l, or starts an empty one.
func Open(l interface {
	Loader
	Persister
}, account string, log *zap.SugaredLogger) (*Guarded, error) {
	s, found, err := l.LoadState()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if !found {
		s = core.NewRootState(account)
	}
	if s.Account != account {
		return nil, fmt.Errorf("%w: have %q, want %q", core.ErrStateMismatch, s.Account, account)
	}
	if s.Version != core.StateVersion {
		return nil, fmt.Errorf("unsupported state version %d", s.Version)
	}
	g := New(s, l, log)
	g.log.Infow("state_loaded", "account", account, "active_trades", len(s.Trades), "archived", len(s.Archive))
	return g, nil
}

// ReadState runs fn with the current state. fn must not modify it.
func (g *Guarded) ReadState(fn func(s *core.RootState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.state)
}

// AccessState runs fn with mutable access and persists the result before
// the section is released. If fn panics or the state cannot be persisted,
// the in-memory state is rolled back to what was last persisted. A failed
// write panics; the caller cannot continue with a state it cannot store.
func (g *Guarded) AccessState(fn func(s *core.RootState)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	before := g.state.Clone()
	committed := false
	defer func() {
		if !committed {
			g.state = before
		}
	}()

	fn(&g.state)
	if g.store != nil {
		if err := g.store.SaveState(g.state); err != nil {
			g.log.Errorw("state_persist_failed", "err", err)
			panic(fmt.Errorf("persist state: %w", err))
		}
	}
	committed = true
}

// Read runs fn under ReadState and returns its result.
func Read[T any](g *Guarded, fn func(s *core.RootState) T) T {
	var res T
	g.ReadState(func(s *core.RootState) {
		res = fn(s)
	})
	return res
}
