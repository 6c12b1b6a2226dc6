package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/util"
)

// ForAsset is the book of one asset. Asks are sorted by ascending price,
// bids by descending price; ties break on account and then order ID.
type ForAsset struct {
	Asset string       `json:"asset"`
	Bids  []core.Order `json:"bids"`
	Asks  []core.Order `json:"asks"`
}

type accountEntry struct {
	orders  map[string]core.Order
	updated time.Time
}

// OrderBook holds the orders other accounts announced. An account's orders
// expire when not refreshed within the timeout.
type OrderBook struct {
	mu       sync.RWMutex
	accounts map[string]accountEntry
	timeout  time.Duration
	clock    util.Clock
}

func NewOrderBook(timeout time.Duration, clock util.Clock) *OrderBook {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &OrderBook{
		accounts: make(map[string]accountEntry),
		timeout:  timeout,
		clock:    clock,
	}
}

// Update replaces all orders of one account. An empty set removes the
// account.
func (ob *OrderBook) Update(o core.OrdersOfAccount) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if len(o.Orders) == 0 {
		delete(ob.accounts, o.Account)
		return
	}

	orders := make(map[string]core.Order, len(o.Orders))
	for id, ord := range o.Orders {
		ord.Account = o.Account
		ord.ID = id
		orders[id] = ord
	}
	ob.accounts[o.Account] = accountEntry{orders: orders, updated: ob.clock.Now()}
}

// Expire drops accounts that were not refreshed in time and returns how
// many were removed.
func (ob *OrderBook) Expire() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	cutoff := ob.clock.Now().Add(-ob.timeout)
	removed := 0
	for acc, e := range ob.accounts {
		if e.updated.Before(cutoff) {
			delete(ob.accounts, acc)
			removed++
		}
	}
	return removed
}

// Accounts returns the number of accounts with orders in the book.
func (ob *OrderBook) Accounts() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.accounts)
}

// Lookup finds a single order.
func (ob *OrderBook) Lookup(account, id string) (core.Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	e, ok := ob.accounts[account]
	if !ok {
		return core.Order{}, false
	}
	o, ok := e.orders[id]
	return o, ok
}

func (ob *OrderBook) GetForAsset(asset string) ForAsset {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	res := ForAsset{Asset: asset, Bids: []core.Order{}, Asks: []core.Order{}}
	for _, e := range ob.accounts {
		for _, o := range e.orders {
			if o.Asset != asset {
				continue
			}
			res.add(o)
		}
	}
	res.sort()
	return res
}

func (ob *OrderBook) GetByAsset() map[string]ForAsset {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	res := make(map[string]ForAsset)
	for _, e := range ob.accounts {
		for _, o := range e.orders {
			fa, ok := res[o.Asset]
			if !ok {
				fa = ForAsset{Asset: o.Asset, Bids: []core.Order{}, Asks: []core.Order{}}
			}
			fa.add(o)
			res[o.Asset] = fa
		}
	}
	for asset, fa := range res {
		fa.sort()
		res[asset] = fa
	}
	return res
}

func (fa *ForAsset) add(o core.Order) {
	switch o.Type {
	case core.Bid:
		fa.Bids = append(fa.Bids, o)
	case core.Ask:
		fa.Asks = append(fa.Asks, o)
	}
}

func (fa *ForAsset) sort() {
	sort.Slice(fa.Asks, func(i, j int) bool {
		a, b := fa.Asks[i], fa.Asks[j]
		if a.PriceSat != b.PriceSat {
			return a.PriceSat < b.PriceSat
		}
		return tieBreak(a, b)
	})
	sort.Slice(fa.Bids, func(i, j int) bool {
		a, b := fa.Bids[i], fa.Bids[j]
		if a.PriceSat != b.PriceSat {
			return a.PriceSat > b.PriceSat
		}
		return tieBreak(a, b)
	})
}

func tieBreak(a, b core.Order) bool {
	if a.Account != b.Account {
		return a.Account < b.Account
	}
	return core.LessOrderID(a.ID, b.ID)
}
