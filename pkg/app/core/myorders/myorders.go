// Package myorders keeps the local account's own orders and hands out
// exclusive locks on them while a counterparty's take request is processed.
package myorders

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/democrit/pkg/app/core"
)

// Store persists the own-order book.
type Store interface {
	SaveOwnOrders(b core.OwnOrderBook) error
	LoadOwnOrders() (core.OwnOrderBook, bool, error)
}

// Validator decides whether an order of account may be published.
type Validator func(ctx context.Context, account string, o core.Order) bool

// Publisher receives the orders that should be announced after a change.
type Publisher func(ctx context.Context, orders core.OrdersOfAccount)

// Registry holds the own orders of one account.
type Registry struct {
	account  string
	store    Store
	validate Validator
	publish  Publisher
	log      *zap.SugaredLogger

	mu   sync.Mutex
	book core.OwnOrderBook
}

type Config struct {
	Account  string
	Store    Store     // optional
	Validate Validator // optional, accepts everything if nil
	Publish  Publisher // optional
	Logger   *zap.SugaredLogger
}

// New creates the registry and loads persisted orders from the store.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		account:  cfg.Account,
		store:    cfg.Store,
		validate: cfg.Validate,
		publish:  cfg.Publish,
		log:      cfg.Logger,
		book:     core.OwnOrderBook{Orders: make(map[string]core.OwnOrder)},
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}
	if r.validate == nil {
		r.validate = func(context.Context, string, core.Order) bool { return true }
	}
	if r.store != nil {
		b, found, err := r.store.LoadOwnOrders()
		if err != nil {
			return nil, err
		}
		if found {
			if b.Orders == nil {
				b.Orders = make(map[string]core.OwnOrder)
			}
			r.book = b
		}
	}
	return r, nil
}

// SetPublisher replaces the publisher; used to break the construction cycle
// with the transport.
func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	r.publish = p
	r.mu.Unlock()
}

// Add validates o, assigns it the next free ID and publishes the new set.
func (r *Registry) Add(ctx context.Context, o core.Order) (string, error) {
	o.Account = r.account
	if !r.validate(ctx, r.account, o) {
		r.log.Warnw("own_order_invalid", "asset", o.Asset, "type", o.Type.String())
		return "", core.ErrInvalidOrder
	}

	r.mu.Lock()
	id := strconv.FormatUint(r.book.NextFreeID, 10)
	r.book.NextFreeID++
	o.Account = ""
	o.ID = ""
	r.book.Orders[id] = core.OwnOrder{Order: o}
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	r.log.Infow("own_order_added", "id", id, "asset", o.Asset, "type", o.Type.String(),
		"price_sat", o.PriceSat, "max_units", o.MaxUnits)
	r.Refresh(ctx)
	return id, nil
}

// RemoveByID deletes an order whether or not it is locked.
func (r *Registry) RemoveByID(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.book.Orders[id]
	if ok {
		delete(r.book.Orders, id)
		if err := r.persistLocked(); err != nil {
			r.log.Errorw("own_orders_persist_failed", "err", err)
		}
	}
	r.mu.Unlock()

	if ok {
		r.log.Infow("own_order_removed", "id", id)
		r.Refresh(ctx)
	}
	return ok
}

// TryLock marks the order locked and returns a copy with Account and ID
// set. It fails if the order does not exist or is locked already.
func (r *Registry) TryLock(id string) (core.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	own, ok := r.book.Orders[id]
	if !ok || own.Locked {
		return core.Order{}, false
	}
	own.Locked = true
	r.book.Orders[id] = own
	if err := r.persistLocked(); err != nil {
		r.log.Errorw("own_orders_persist_failed", "err", err)
	}

	o := own.Order
	o.Account = r.account
	o.ID = id
	return o, true
}

// Unlock releases a lock taken with TryLock. Unknown IDs are ignored.
func (r *Registry) Unlock(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	own, ok := r.book.Orders[id]
	if !ok || !own.Locked {
		return
	}
	own.Locked = false
	r.book.Orders[id] = own
	if err := r.persistLocked(); err != nil {
		r.log.Errorw("own_orders_persist_failed", "err", err)
	}
}

// LockedIDs returns the IDs of all locked orders in numeric order.
func (r *Registry) LockedIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0)
	for id, own := range r.book.Orders {
		if own.Locked {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return core.LessOrderID(ids[i], ids[j]) })
	return ids
}

// GetOrders returns all own orders including locked ones.
func (r *Registry) GetOrders() map[string]core.OwnOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make(map[string]core.OwnOrder, len(r.book.Orders))
	for id, own := range r.book.Orders {
		own.Order.Account = r.account
		own.Order.ID = id
		res[id] = own
	}
	return res
}

// SortedIDs returns the IDs of all own orders in numeric order.
func (r *Registry) SortedIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.book.Orders))
	for id := range r.book.Orders {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return core.LessOrderID(ids[i], ids[j]) })
	return ids
}

// Refresh drops orders that are no longer valid and publishes the unlocked
// rest. Locked orders are kept but not announced.
func (r *Registry) Refresh(ctx context.Context) {
	snapshot := r.GetOrders()

	var invalid []string
	for id, own := range snapshot {
		if !r.validate(ctx, r.account, own.Order) {
			invalid = append(invalid, id)
		}
	}

	r.mu.Lock()
	for _, id := range invalid {
		if _, ok := r.book.Orders[id]; ok {
			r.log.Warnw("own_order_dropped", "id", id, "reason", "no longer valid")
			delete(r.book.Orders, id)
		}
	}
	if len(invalid) > 0 {
		if err := r.persistLocked(); err != nil {
			r.log.Errorw("own_orders_persist_failed", "err", err)
		}
	}
	publish := r.publish
	r.mu.Unlock()

	if publish != nil {
		publish(ctx, r.Published())
	}
}

// Published returns the orders that are currently offered to others.
func (r *Registry) Published() core.OrdersOfAccount {
	res := core.OrdersOfAccount{Account: r.account, Orders: make(map[string]core.Order)}
	for id, own := range r.GetOrders() {
		if own.Locked {
			continue
		}
		res.Orders[id] = own.Order
	}
	return res
}

func (r *Registry) persistLocked() error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveOwnOrders(r.book); err != nil {
		return fmt.Errorf("failed to persist own orders: %w", err)
	}
	return nil
}
