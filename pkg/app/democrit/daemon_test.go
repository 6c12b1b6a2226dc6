package democrit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/democrit/pkg/app/assets/assetstest"
	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/chain"
	"github.com/uhyunpark/democrit/pkg/chain/chaintest"
	"github.com/uhyunpark/democrit/pkg/state"
	"github.com/uhyunpark/democrit/pkg/util"
)

// hub is an in-process transport. Deliveries are queued and handed out by
// pump so that no handler runs inside another.
type hub struct {
	mu        sync.Mutex
	daemons   map[string]*Daemon
	queue     []func(ctx context.Context)
	connected bool
}

func newHub() *hub {
	return &hub{daemons: make(map[string]*Daemon), connected: true}
}

func (h *hub) join(d *Daemon) {
	h.mu.Lock()
	h.daemons[d.Account()] = d
	h.mu.Unlock()
	d.SetTransport(&link{hub: h, from: d.Account()})
}

func (h *hub) enqueue(fn func(ctx context.Context)) {
	h.mu.Lock()
	h.queue = append(h.queue, fn)
	h.mu.Unlock()
}

func (h *hub) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; ; i++ {
		require.Less(t, i, 100, "message loop does not settle")
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		fn := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()
		fn(ctx)
	}
}

type link struct {
	hub  *hub
	from string
}

func (l *link) PublishOrders(_ context.Context, orders core.OrdersOfAccount) error {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	for name, d := range l.hub.daemons {
		if name == l.from {
			continue
		}
		d := d
		l.hub.queue = append(l.hub.queue, func(ctx context.Context) {
			d.HandleOrders(ctx, l.from, orders)
		})
	}
	return nil
}

func (l *link) SendMessage(_ context.Context, msg core.ProcessingMessage) error {
	l.hub.mu.Lock()
	d, ok := l.hub.daemons[msg.Counterparty]
	l.hub.mu.Unlock()
	if !ok {
		return errors.New("unknown peer")
	}
	msg.Counterparty = l.from
	l.hub.enqueue(func(ctx context.Context) { d.HandleMessage(ctx, msg) })
	return nil
}

func (l *link) Connected() bool {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	return l.hub.connected
}

type recorder struct {
	mu       sync.Mutex
	channels []string
}

func (r *recorder) Notify(channel string, _ any) {
	r.mu.Lock()
	r.channels = append(r.channels, channel)
	r.mu.Unlock()
}

func (r *recorder) seen(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.channels {
		if c == channel {
			return true
		}
	}
	return false
}

type env struct {
	net   *chaintest.Network
	spec  *assetstest.Spec
	clock *util.ManualClock
}

func newEnv() *env {
	net := chaintest.NewNetwork()
	spec := assetstest.New(net.Tip)
	spec.AddAsset("sword")
	return &env{net: net, spec: spec, clock: util.NewManualClock(time.Unix(1_700_000_000, 0))}
}

func (e *env) daemon(t *testing.T, name string) *Daemon {
	t.Helper()
	w := e.net.Wallet(name)
	w.RegisterName(chain.AccountName(name), "{}")
	w.Fund(10 * chain.Coin)

	d, err := New(Config{
		Account:      name,
		Spec:         e.spec,
		Xaya:         w,
		State:        state.New(core.NewRootState(name), nil, nil),
		FeeRate:      10,
		StaleAfter:   time.Hour,
		OrderTimeout: 10 * time.Minute,
		Clock:        e.clock,
	})
	require.NoError(t, err)
	return d
}

func ask(units, price core.Amount) core.Order {
	return core.Order{Asset: "sword", Type: core.Ask, MaxUnits: units}.WithPrice(price)
}

func TestNewRejects(t *testing.T) {
	e := newEnv()

	_, err := New(Config{Account: "", Spec: e.spec, State: state.New(core.NewRootState(""), nil, nil)})
	assert.ErrorIs(t, err, core.ErrInvalidAccount)

	_, err = New(Config{
		Account: "alice",
		Spec:    e.spec,
		Xaya:    e.net.Wallet("alice"),
		State:   state.New(core.NewRootState("bob"), nil, nil),
	})
	assert.ErrorIs(t, err, core.ErrStateMismatch)
}

// orderStore keeps the own-order book in memory across daemon restarts.
type orderStore struct {
	book  core.OwnOrderBook
	found bool
}

func (s *orderStore) SaveOwnOrders(b core.OwnOrderBook) error {
	c := core.OwnOrderBook{NextFreeID: b.NextFreeID, Orders: make(map[string]core.OwnOrder, len(b.Orders))}
	for id, o := range b.Orders {
		c.Orders[id] = o
	}
	s.book, s.found = c, true
	return nil
}

func (s *orderStore) LoadOwnOrders() (core.OwnOrderBook, bool, error) {
	return s.book, s.found, nil
}

func TestNewReleasesOrphanedLocks(t *testing.T) {
	e := newEnv()
	e.spec.SetBalance("alice", "sword", 5)
	ctx := context.Background()
	w := e.net.Wallet("alice")
	w.RegisterName(chain.AccountName("alice"), "{}")

	cfg := Config{
		Account:    "alice",
		Spec:       e.spec,
		Xaya:       w,
		State:      state.New(core.NewRootState("alice"), nil, nil),
		OrderStore: &orderStore{},
		Clock:      e.clock,
	}
	d, err := New(cfg)
	require.NoError(t, err)
	id, err := d.AddOrder(ctx, ask(5, 1000))
	require.NoError(t, err)
	_, ok := d.orders.TryLock(id)
	require.True(t, ok)

	// Restart without any trade referring to the lock.
	cfg.State = state.New(core.NewRootState("alice"), nil, nil)
	d, err = New(cfg)
	require.NoError(t, err)
	require.Contains(t, d.GetOwnOrders(), id)
	assert.False(t, d.GetOwnOrders()[id].Locked)
}

func TestValidateOrder(t *testing.T) {
	e := newEnv()
	d := e.daemon(t, "alice")
	e.spec.SetBalance("alice", "sword", 5)
	e.spec.ForbidBuy("carol")
	ctx := context.Background()

	mod := func(f func(o *core.Order)) core.Order {
		o := ask(5, 100)
		f(&o)
		return o
	}

	tests := []struct {
		name    string
		account string
		order   core.Order
		want    bool
	}{
		{"valid ask", "alice", ask(5, 100), true},
		{"free ask", "alice", ask(1, 0), true},
		{"ask above balance", "alice", ask(6, 100), false},
		{"ask without balance", "bob", ask(1, 100), false},
		{"zero units", "alice", ask(0, 100), false},
		{"min above max", "alice", mod(func(o *core.Order) { o.MinUnits = 6 }), false},
		{"negative min", "alice", mod(func(o *core.Order) { o.MinUnits = -1 }), false},
		{"no price", "alice", mod(func(o *core.Order) { o.HasPrice = false }), false},
		{"negative price", "alice", ask(1, -1), false},
		{"unknown asset", "alice", mod(func(o *core.Order) { o.Asset = "shield" }), false},
		{"no type", "alice", mod(func(o *core.Order) { o.Type = core.OrderTypeUnknown }), false},
		{"bid", "bob", mod(func(o *core.Order) { o.Type = core.Bid; o.MaxUnits = 100 }), true},
		{"bid forbidden", "carol", mod(func(o *core.Order) { o.Type = core.Bid }), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.ValidateOrder(ctx, tt.account, tt.order))
		})
	}

	e.spec.SetError(errors.New("gsp down"))
	assert.False(t, d.ValidateOrder(ctx, "alice", ask(1, 100)))
}

func TestHandleOrders(t *testing.T) {
	e := newEnv()
	d := e.daemon(t, "alice")
	rec := &recorder{}
	d.SetNotifier(rec)
	e.spec.SetBalance("bob", "sword", 2)
	ctx := context.Background()

	d.HandleOrders(ctx, "bob", core.OrdersOfAccount{Account: "bob", Orders: map[string]core.Order{
		"1": ask(2, 10),
		"2": ask(3, 10),
		"":  ask(1, 10),
	}})
	book := d.GetOrdersForAsset("sword")
	require.Len(t, book.Asks, 1)
	assert.Equal(t, "bob", book.Asks[0].Account)
	assert.Equal(t, "1", book.Asks[0].ID)
	assert.True(t, rec.seen(ChannelOrderBook))

	// Orders that claim another sender are ignored.
	d.HandleOrders(ctx, "mallory", core.OrdersOfAccount{Account: "bob"})
	assert.Len(t, d.GetOrdersForAsset("sword").Asks, 1)

	// Our own announcements echoed back are ignored.
	e.spec.SetBalance("alice", "sword", 2)
	d.HandleOrders(ctx, "alice", core.OrdersOfAccount{Account: "alice", Orders: map[string]core.Order{"1": ask(1, 1)}})
	assert.Len(t, d.GetOrdersForAsset("sword").Asks, 1)

	assert.Equal(t, 1, d.Status().BookAccounts)
	d.HandleDisconnect("bob")
	assert.Empty(t, d.GetOrdersByAsset())
}

func TestTakeOrderErrors(t *testing.T) {
	e := newEnv()
	d := e.daemon(t, "alice")
	ctx := context.Background()

	_, err := d.TakeOrder(ctx, "bob", "1", 1)
	assert.ErrorIs(t, err, core.ErrUnknownOrder)

	e.spec.SetBalance("bob", "sword", 2)
	d.HandleOrders(ctx, "bob", core.OrdersOfAccount{Account: "bob", Orders: map[string]core.Order{"1": ask(2, 10)}})

	_, err = d.TakeOrder(ctx, "bob", "1", 1)
	assert.ErrorIs(t, err, ErrNotConnected)

	h := newHub()
	h.join(d)
	_, err = d.TakeOrder(ctx, "bob", "1", 3)
	assert.ErrorIs(t, err, core.ErrInvalidOrder)

	_, err = d.TakeOrder(ctx, "bob", "1", 1)
	assert.ErrorContains(t, err, "unknown peer")
}

func TestOwnOrdersPublished(t *testing.T) {
	e := newEnv()
	alice := e.daemon(t, "alice")
	bob := e.daemon(t, "bob")
	h := newHub()
	h.join(alice)
	h.join(bob)
	rec := &recorder{}
	alice.SetNotifier(rec)
	e.spec.SetBalance("alice", "sword", 5)
	ctx := context.Background()

	id, err := alice.AddOrder(ctx, ask(5, 100))
	require.NoError(t, err)
	assert.True(t, rec.seen(ChannelOwnOrders))
	h.pump(t)

	o, ok := bob.book.Lookup("alice", id)
	require.True(t, ok)
	assert.Equal(t, core.Amount(100), o.PriceSat)

	_, err = alice.AddOrder(ctx, ask(6, 100))
	assert.ErrorIs(t, err, core.ErrInvalidOrder)

	assert.True(t, alice.CancelOrder(ctx, id))
	assert.False(t, alice.CancelOrder(ctx, id))
	h.pump(t)
	assert.Empty(t, bob.GetOrdersByAsset())
}

func TestTradeBetweenDaemons(t *testing.T) {
	e := newEnv()
	alice := e.daemon(t, "alice")
	bob := e.daemon(t, "bob")
	h := newHub()
	h.join(alice)
	h.join(bob)
	e.spec.SetBalance("alice", "sword", 5)
	ctx := context.Background()

	id, err := alice.AddOrder(ctx, ask(5, 1000))
	require.NoError(t, err)
	h.pump(t)

	ident, err := bob.TakeOrder(ctx, "alice", id, 3)
	require.NoError(t, err)
	assert.Equal(t, core.TradeIdentifier("alice", id), ident)
	assert.Equal(t, 1, bob.Status().ActiveTrades)

	h.pump(t)

	sent := e.net.Sent()
	require.Len(t, sent, 1)

	for _, d := range []*Daemon{alice, bob} {
		trades := d.GetTrades()
		require.Len(t, trades, 1, d.Account())
		assert.Equal(t, core.Pending, trades[0].State, d.Account())
		assert.Equal(t, core.Amount(3), trades[0].Units)
	}
	assert.Equal(t, core.Maker, alice.GetTrades()[0].Role)
	assert.Equal(t, core.Ask, alice.GetTrades()[0].Type)
	assert.Equal(t, core.Taker, bob.GetTrades()[0].Role)
	assert.Equal(t, core.Bid, bob.GetTrades()[0].Type)

	// Once alice signed, the order is filled and no longer offered.
	assert.NotContains(t, alice.GetOwnOrders(), id)
	alice.orders.Refresh(ctx)
	h.pump(t)
	_, ok := bob.book.Lookup("alice", id)
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	e := newEnv()
	d := e.daemon(t, "alice")

	st := d.Status()
	assert.Equal(t, Status{Account: "alice", GameID: "test"}, st)

	h := newHub()
	h.join(d)
	assert.True(t, d.Status().Connected)
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
	assert.False(t, d.Status().Connected)
}

func TestSweepExpiresBook(t *testing.T) {
	e := newEnv()
	d := e.daemon(t, "alice")
	e.spec.SetBalance("bob", "sword", 2)
	ctx := context.Background()

	d.HandleOrders(ctx, "bob", core.OrdersOfAccount{Account: "bob", Orders: map[string]core.Order{"1": ask(2, 10)}})
	d.sweep(ctx)
	assert.Len(t, d.GetOrdersForAsset("sword").Asks, 1)

	e.clock.Advance(11 * time.Minute)
	d.sweep(ctx)
	assert.Empty(t, d.GetOrdersForAsset("sword").Asks)
}

func TestRunStops(t *testing.T) {
	e := newEnv()
	d := e.daemon(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
