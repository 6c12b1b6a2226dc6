package p2p

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrKeyMismatch means an account spoke with a key other than the pinned one.
var ErrKeyMismatch = errors.New("account is pinned to another key")

// MetaStore keeps small named values; the Pebble store implements it.
type MetaStore interface {
	GetMeta(name string) ([]byte, error)
	SetMeta(name string, value []byte) error
}

// Pins binds account names to signing keys on first use. Later envelopes
// for the same account must come from the same key.
type Pins struct {
	mu    sync.Mutex
	store MetaStore // optional
	keys  map[string]common.Address
}

func NewPins(store MetaStore) *Pins {
	return &Pins{store: store, keys: make(map[string]common.Address)}
}

func pinName(account string) string { return "pin:" + account }

// Check pins addr for account if nothing is pinned yet and reports whether
// addr is the pinned key.
func (p *Pins) Check(account string, addr common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pinned, ok := p.keys[account]
	if !ok && p.store != nil {
		b, err := p.store.GetMeta(pinName(account))
		if err != nil {
			return fmt.Errorf("failed to load pin: %w", err)
		}
		if b != nil {
			pinned, ok = common.BytesToAddress(b), true
			p.keys[account] = pinned
		}
	}
	if ok {
		if pinned != addr {
			return fmt.Errorf("%w: %s", ErrKeyMismatch, account)
		}
		return nil
	}

	if p.store != nil {
		if err := p.store.SetMeta(pinName(account), addr.Bytes()); err != nil {
			return fmt.Errorf("failed to save pin: %w", err)
		}
	}
	p.keys[account] = addr
	return nil
}

// replayGuard remembers envelope IDs for as long as they would be accepted.
type replayGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newReplayGuard(window time.Duration) *replayGuard {
	return &replayGuard{window: window, seen: make(map[string]time.Time)}
}

// fresh reports whether id was not seen before and records it.
func (g *replayGuard) fresh(id string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k, at := range g.seen {
		if now.Sub(at) > g.window+clockSkew {
			delete(g.seen, k)
		}
	}
	if _, dup := g.seen[id]; dup {
		return false
	}
	g.seen[id] = now
	return true
}
