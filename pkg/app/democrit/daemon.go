// Package democrit ties the own orders, the order book of everyone else and
// the trade manager to a transport.
package democrit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/democrit/pkg/app/assets"
	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/app/core/myorders"
	"github.com/uhyunpark/democrit/pkg/app/core/orderbook"
	"github.com/uhyunpark/democrit/pkg/app/trades"
	"github.com/uhyunpark/democrit/pkg/chain"
	"github.com/uhyunpark/democrit/pkg/metrics"
	"github.com/uhyunpark/democrit/pkg/state"
	"github.com/uhyunpark/democrit/pkg/util"
)

// ErrNotConnected is returned when an operation needs the transport.
var ErrNotConnected = errors.New("transport not connected")

// Transport delivers order announcements to everyone and trade messages to
// one counterparty.
type Transport interface {
	PublishOrders(ctx context.Context, orders core.OrdersOfAccount) error
	SendMessage(ctx context.Context, msg core.ProcessingMessage) error
	Connected() bool
}

// Notifier is told about changes clients may want to see.
type Notifier interface {
	Notify(channel string, payload any)
}

const (
	ChannelTrades    = "trades"
	ChannelOrderBook = "orderbook"
	ChannelOwnOrders = "own_orders"
)

type Config struct {
	Account    string
	Spec       assets.Spec
	Xaya       chain.Xaya
	State      *state.Guarded
	OrderStore myorders.Store

	FeeRate    float64
	StaleAfter time.Duration
	Pending    trades.PendingPolicy

	// OrderTimeout is how long others' orders stay in the book without
	// being refreshed. Own orders are republished at half that interval.
	OrderTimeout    time.Duration
	ArchiveInterval time.Duration
	SweepInterval   time.Duration

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

const (
	DefaultOrderTimeout    = 10 * time.Minute
	DefaultArchiveInterval = time.Minute
	DefaultSweepInterval   = 30 * time.Second
)

type Daemon struct {
	account string
	spec    assets.Spec
	orders  *myorders.Registry
	book    *orderbook.OrderBook
	trades  *trades.Manager
	clock   util.Clock
	log     *zap.SugaredLogger

	orderTimeout    time.Duration
	archiveInterval time.Duration
	sweepInterval   time.Duration

	mu        sync.RWMutex
	transport Transport
	notifier  Notifier
}

func New(cfg Config) (*Daemon, error) {
	if !core.ValidAccount(cfg.Account) {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidAccount, cfg.Account)
	}
	d := &Daemon{
		account:         cfg.Account,
		spec:            cfg.Spec,
		clock:           cfg.Clock,
		log:             cfg.Logger,
		orderTimeout:    cfg.OrderTimeout,
		archiveInterval: cfg.ArchiveInterval,
		sweepInterval:   cfg.SweepInterval,
	}
	if d.log == nil {
		d.log = zap.NewNop().Sugar()
	}
	if d.clock == nil {
		d.clock = util.RealClock{}
	}
	if d.orderTimeout <= 0 {
		d.orderTimeout = DefaultOrderTimeout
	}
	if d.archiveInterval <= 0 {
		d.archiveInterval = DefaultArchiveInterval
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = DefaultSweepInterval
	}

	orders, err := myorders.New(myorders.Config{
		Account:  cfg.Account,
		Store:    cfg.OrderStore,
		Validate: d.ValidateOrder,
		Publish:  d.publishOwnOrders,
		Logger:   d.log.Named("myorders"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load own orders: %w", err)
	}
	d.orders = orders
	d.book = orderbook.NewOrderBook(d.orderTimeout, d.clock)
	d.trades = trades.NewManager(trades.Config{
		State:      cfg.State,
		Orders:     orders,
		Xaya:       cfg.Xaya,
		Spec:       cfg.Spec,
		FeeRate:    cfg.FeeRate,
		StaleAfter: cfg.StaleAfter,
		Pending:    cfg.Pending,
		Clock:      d.clock,
		Logger:     d.log.Named("trades"),
	})
	if acc := d.trades.Account(); acc != cfg.Account {
		return nil, fmt.Errorf("%w: have %q, want %q", core.ErrStateMismatch, acc, cfg.Account)
	}
	if n := d.trades.ReconcileLocks(context.Background()); n > 0 {
		d.log.Infow("own_orders_reconciled", "count", n)
	}
	return d, nil
}

func (d *Daemon) SetTransport(t Transport) {
	d.mu.Lock()
	d.transport = t
	d.mu.Unlock()
}

func (d *Daemon) SetNotifier(n Notifier) {
	d.mu.Lock()
	d.notifier = n
	d.mu.Unlock()
}

func (d *Daemon) getTransport() Transport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.transport
}

func (d *Daemon) notify(channel string, payload any) {
	d.mu.RLock()
	n := d.notifier
	d.mu.RUnlock()
	if n != nil {
		n.Notify(channel, payload)
	}
}

func (d *Daemon) Account() string { return d.account }

// ValidateOrder reports whether account may publish o.
func (d *Daemon) ValidateOrder(ctx context.Context, account string, o core.Order) bool {
	if o.MaxUnits <= 0 {
		return false
	}
	if o.MinUnits < 0 || o.MinUnits > o.MaxUnits {
		return false
	}
	if !o.HasPrice || o.PriceSat < 0 {
		return false
	}

	ok, err := d.spec.IsAsset(ctx, o.Asset)
	if err != nil {
		d.log.Warnw("asset_check_failed", "asset", o.Asset, "err", err)
		return false
	}
	if !ok {
		return false
	}

	switch o.Type {
	case core.Bid:
		ok, err = d.spec.CanBuy(ctx, account, o.Asset, o.MaxUnits)
	case core.Ask:
		ok, _, err = d.spec.CanSell(ctx, account, o.Asset, o.MaxUnits)
	default:
		return false
	}
	if err != nil {
		d.log.Warnw("order_check_failed", "account", account, "asset", o.Asset, "err", err)
		return false
	}
	return ok
}

func (d *Daemon) publishOwnOrders(ctx context.Context, orders core.OrdersOfAccount) {
	d.notify(ChannelOwnOrders, d.orders.GetOrders())
	t := d.getTransport()
	if t == nil || !t.Connected() {
		d.log.Debugw("own_orders_not_published", "reason", "not connected")
		return
	}
	if err := t.PublishOrders(ctx, orders); err != nil {
		d.log.Warnw("own_orders_publish_failed", "err", err)
	}
}

// HandleOrders processes an order announcement that the transport
// attributed to from. Orders that fail validation are dropped.
func (d *Daemon) HandleOrders(ctx context.Context, from string, orders core.OrdersOfAccount) {
	if orders.Account != from {
		d.log.Warnw("orders_account_mismatch", "from", from, "account", orders.Account)
		return
	}
	if from == d.account {
		return
	}

	valid := core.OrdersOfAccount{Account: from, Orders: make(map[string]core.Order, len(orders.Orders))}
	for id, o := range orders.Orders {
		if id == "" || !d.ValidateOrder(ctx, from, o) {
			d.log.Debugw("order_dropped", "account", from, "id", id)
			continue
		}
		valid.Orders[id] = o
	}
	d.book.Update(valid)
	metrics.SetOrderBookAccounts(d.book.Accounts())
	d.notify(ChannelOrderBook, d.book.GetByAsset())
}

// HandleDisconnect drops the orders of an account that left.
func (d *Daemon) HandleDisconnect(account string) {
	d.book.Update(core.OrdersOfAccount{Account: account})
	d.log.Infow("peer_disconnected", "account", account)
	d.notify(ChannelOrderBook, d.book.GetByAsset())
}

// HandleMessage runs an authenticated trade message through the manager
// and sends back the reply.
func (d *Daemon) HandleMessage(ctx context.Context, msg core.ProcessingMessage) {
	reply, ok := d.trades.ProcessMessage(ctx, msg)
	d.notify(ChannelTrades, d.trades.GetTrades())
	if !ok {
		return
	}
	if err := d.send(ctx, reply); err != nil {
		d.log.Warnw("reply_send_failed", "counterparty", reply.Counterparty, "identifier", reply.Identifier, "err", err)
	}
}

func (d *Daemon) send(ctx context.Context, msg core.ProcessingMessage) error {
	t := d.getTransport()
	if t == nil {
		return ErrNotConnected
	}
	return t.SendMessage(ctx, msg)
}

func (d *Daemon) AddOrder(ctx context.Context, o core.Order) (string, error) {
	return d.orders.Add(ctx, o)
}

func (d *Daemon) CancelOrder(ctx context.Context, id string) bool {
	return d.orders.RemoveByID(ctx, id)
}

func (d *Daemon) GetOwnOrders() map[string]core.OwnOrder {
	return d.orders.GetOrders()
}

func (d *Daemon) GetOrdersForAsset(asset string) orderbook.ForAsset {
	return d.book.GetForAsset(asset)
}

func (d *Daemon) GetOrdersByAsset() map[string]orderbook.ForAsset {
	return d.book.GetByAsset()
}

func (d *Daemon) GetTrades() []core.PublicTrade {
	return d.trades.GetTrades()
}

// TakeOrder takes units of the order id of account from the order book
// and sends the take request.
func (d *Daemon) TakeOrder(ctx context.Context, account, id string, units core.Amount) (string, error) {
	o, ok := d.book.Lookup(account, id)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", core.ErrUnknownOrder, account, id)
	}
	if d.getTransport() == nil {
		return "", ErrNotConnected
	}
	msg, ok := d.trades.TakeOrder(ctx, o, units)
	if !ok {
		return "", core.ErrInvalidOrder
	}
	d.notify(ChannelTrades, d.trades.GetTrades())
	if err := d.send(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to send take request: %w", err)
	}
	return msg.Identifier, nil
}

type Status struct {
	Account      string `json:"account"`
	GameID       string `json:"game_id"`
	Connected    bool   `json:"connected"`
	OwnOrders    int    `json:"own_orders"`
	ActiveTrades int    `json:"active_trades"`
	BookAccounts int    `json:"book_accounts"`
}

func (d *Daemon) Status() Status {
	active := 0
	for _, t := range d.trades.GetTrades() {
		if !t.State.Terminal() {
			active++
		}
	}
	t := d.getTransport()
	return Status{
		Account:      d.account,
		GameID:       d.spec.GameID(),
		Connected:    t != nil && t.Connected(),
		OwnOrders:    len(d.orders.GetOrders()),
		ActiveTrades: active,
		BookAccounts: d.book.Accounts(),
	}
}

// Run drives the periodic jobs until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		util.RunEvery(ctx, d.clock, d.orderTimeout/2, d.orders.Refresh)
		return nil
	})
	g.Go(func() error {
		util.RunEvery(ctx, d.clock, d.archiveInterval, func(context.Context) {
			if n := d.trades.ArchiveFinalisedTrades(); n > 0 {
				d.notify(ChannelTrades, d.trades.GetTrades())
			}
		})
		return nil
	})
	g.Go(func() error {
		util.RunEvery(ctx, d.clock, d.sweepInterval, d.sweep)
		return nil
	})

	d.log.Infow("daemon_started", "account", d.account, "game", d.spec.GameID())
	err := g.Wait()
	d.log.Infow("daemon_stopped")
	return err
}

func (d *Daemon) sweep(ctx context.Context) {
	if n := d.trades.ExpireStale(ctx); n > 0 {
		d.notify(ChannelTrades, d.trades.GetTrades())
	}
	if n := d.book.Expire(); n > 0 {
		d.log.Debugw("orders_expired", "accounts", n)
		metrics.SetOrderBookAccounts(d.book.Accounts())
		d.notify(ChannelOrderBook, d.book.GetByAsset())
	}
}
