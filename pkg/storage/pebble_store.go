package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/democrit/pkg/app/core"
)

// ownOrdersVersion is the layout version of the own-order record.
const ownOrdersVersion = 1

type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// SaveState writes the RootState with a synced commit.
func (s *PebbleStore) SaveState(st core.RootState) error {
	data, err := encodeRecord(st.Version, st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.db.Set(stateKey(), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// LoadState returns the stored RootState, or false if there is none.
func (s *PebbleStore) LoadState() (core.RootState, bool, error) {
	var st core.RootState
	found, err := s.get(stateKey(), core.StateVersion, &st)
	if err != nil {
		return core.RootState{}, false, fmt.Errorf("failed to load state: %w", err)
	}
	return st, found, nil
}

// SaveOwnOrders persists the own-order book
func (s *PebbleStore) SaveOwnOrders(b core.OwnOrderBook) error {
	data, err := encodeRecord(ownOrdersVersion, b)
	if err != nil {
		return fmt.Errorf("failed to marshal own orders: %w", err)
	}
	if err := s.db.Set(ownOrdersKey(), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save own orders: %w", err)
	}
	return nil
}

// LoadOwnOrders returns the stored own-order book, or false if none.
func (s *PebbleStore) LoadOwnOrders() (core.OwnOrderBook, bool, error) {
	var b core.OwnOrderBook
	found, err := s.get(ownOrdersKey(), ownOrdersVersion, &b)
	if err != nil {
		return core.OwnOrderBook{}, false, fmt.Errorf("failed to load own orders: %w", err)
	}
	return b, found, nil
}

// SetMeta stores a small metadata value, e.g. the transport identity.
func (s *PebbleStore) SetMeta(name string, value []byte) error {
	if err := s.db.Set(metaKey(name), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save meta %s: %w", name, err)
	}
	return nil
}

// GetMeta returns a metadata value, or nil if unset.
func (s *PebbleStore) GetMeta(name string) ([]byte, error) {
	val, closer, err := s.db.Get(metaKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meta %s: %w", name, err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// MetaNames lists all metadata entries.
func (s *PebbleStore) MetaNames() ([]string, error) {
	prefix := []byte(prefixMeta)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	return names, iter.Error()
}

func (s *PebbleStore) get(key []byte, version int, out any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := decodeRecord(val, version, out); err != nil {
		return false, err
	}
	return true, nil
}
