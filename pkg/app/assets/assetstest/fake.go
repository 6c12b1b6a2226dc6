// Package assetstest provides an in-memory assets.Spec.
package assetstest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/uhyunpark/democrit/pkg/app/assets"
	"github.com/uhyunpark/democrit/pkg/app/core"
)

// Spec is an assets.Spec with balances set by the test. Assets are any
// strings added through AddAsset.
type Spec struct {
	mu        sync.Mutex
	assets    map[string]bool
	balances  map[string]map[string]core.Amount
	noBuy     map[string]bool
	blockHash func() string
	err       error
}

var _ assets.Spec = (*Spec)(nil)

// New returns a spec whose CanSell reports blockHash().
func New(blockHash func() string) *Spec {
	return &Spec{
		assets:    make(map[string]bool),
		balances:  make(map[string]map[string]core.Amount),
		noBuy:     make(map[string]bool),
		blockHash: blockHash,
	}
}

func (s *Spec) AddAsset(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset] = true
}

func (s *Spec) SetBalance(name, asset string, n core.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[name] == nil {
		s.balances[name] = make(map[string]core.Amount)
	}
	s.balances[name][asset] = n
}

// ForbidBuy makes CanBuy fail for name.
func (s *Spec) ForbidBuy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noBuy[name] = true
}

// SetError makes every query fail with err until it is reset to nil.
func (s *Spec) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Spec) GameID() string { return "test" }

func (s *Spec) IsAsset(_ context.Context, asset string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assets[asset], s.err
}

func (s *Spec) CanSell(_ context.Context, name, asset string, n core.Amount) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, "", s.err
	}
	return n <= s.balances[name][asset], s.blockHash(), nil
}

func (s *Spec) CanBuy(_ context.Context, name, _ string, _ core.Amount) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.noBuy[name], s.err
}

func (s *Spec) TransferMove(_, receiver, asset string, n core.Amount) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"t": map[string]any{"a": asset, "n": n, "r": receiver}})
}
