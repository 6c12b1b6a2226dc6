// Package trades runs the settlement protocol of every trade the local
// account takes part in.
package trades

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/democrit/pkg/app/assets"
	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/app/core/myorders"
	"github.com/uhyunpark/democrit/pkg/chain"
	"github.com/uhyunpark/democrit/pkg/metrics"
	"github.com/uhyunpark/democrit/pkg/state"
	"github.com/uhyunpark/democrit/pkg/util"
)

// Orders is the part of the own-order registry the manager works with.
type Orders interface {
	myorders.Locker
	LockedIDs() []string
	RemoveByID(ctx context.Context, id string) bool
}

type Config struct {
	State  *state.Guarded
	Orders Orders
	Xaya   chain.Xaya
	Spec   assets.Spec

	// FeeRate is used when funding the currency leg.
	FeeRate float64
	// StaleAfter is how long a trade may stay unfinished before
	// ExpireStale looks at it. Zero disables the sweep.
	StaleAfter time.Duration
	// Pending resolves stale PENDING trades; KeepPending if nil.
	Pending PendingPolicy

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

// Manager owns all trades of the local account.
type Manager struct {
	state   *state.Guarded
	orders  Orders
	xaya    chain.Xaya
	spec    assets.Spec
	asm     *chain.Assembler
	pending PendingPolicy
	stale   time.Duration
	clock   util.Clock
	log     *zap.SugaredLogger

	account string

	// orderActions collects what state transitions inside one AccessState
	// section mean for own orders. Guarded by the state lock.
	orderActions []orderAction
}

// orderAction releases the lock of an own order, or removes the order
// once our signature for it is out.
type orderAction struct {
	id     string
	remove bool
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		state:   cfg.State,
		orders:  cfg.Orders,
		xaya:    cfg.Xaya,
		spec:    cfg.Spec,
		pending: cfg.Pending,
		stale:   cfg.StaleAfter,
		clock:   cfg.Clock,
		log:     cfg.Logger,
	}
	if m.log == nil {
		m.log = zap.NewNop().Sugar()
	}
	if m.clock == nil {
		m.clock = util.RealClock{}
	}
	if m.pending == nil {
		m.pending = KeepPending{}
	}
	m.asm = chain.NewAssembler(cfg.Xaya, chain.AssemblerConfig{FeeRate: cfg.FeeRate}, m.log)
	m.account = state.Read(cfg.State, func(s *core.RootState) string { return s.Account })
	return m
}

func (m *Manager) Account() string { return m.account }

// transition runs under the state lock whenever t left state from.
func (m *Manager) transition(t *Trade, from core.TradeState) {
	to := t.rec.State
	metrics.TradeTransition(to.String())
	if from != core.Initiated || t.Role() != core.Maker {
		return
	}
	switch {
	case to == core.Pending || to == core.Success:
		m.orderActions = append(m.orderActions, orderAction{id: t.rec.Order.ID, remove: true})
	case t.rec.Txid == "":
		m.orderActions = append(m.orderActions, orderAction{id: t.rec.Order.ID})
	}
}

// access wraps AccessState and applies the order actions of fn once the
// state lock is released.
func (m *Manager) access(ctx context.Context, fn func(s *core.RootState)) {
	var actions []orderAction
	m.state.AccessState(func(s *core.RootState) {
		m.orderActions = nil
		fn(s)
		actions, m.orderActions = m.orderActions, nil
	})
	for _, a := range actions {
		if a.remove {
			m.orders.RemoveByID(ctx, a.id)
			m.log.Infow("own_order_filled", "id", a.id)
			continue
		}
		m.orders.Unlock(a.id)
		m.log.Infow("own_order_released", "id", a.id)
	}
}

// ReconcileLocks brings the own-order locks in line with the trades after
// a restart. Orders of unsigned maker trades stay locked, orders of signed
// ones are removed and every other lock is released. It returns the number
// of orders changed.
func (m *Manager) ReconcileLocks(ctx context.Context) int {
	active := make(map[string]bool)
	var signed []string
	m.state.ReadState(func(s *core.RootState) {
		for i := range s.Trades {
			t := m.view(&s.Trades[i], false)
			if t.Role() != core.Maker {
				continue
			}
			switch {
			case t.rec.State == core.Initiated:
				active[t.rec.Order.ID] = true
			case t.rec.Txid != "":
				signed = append(signed, t.rec.Order.ID)
			}
		}
	})

	n := 0
	for _, id := range signed {
		if m.orders.RemoveByID(ctx, id) {
			m.log.Infow("own_order_filled", "id", id)
			n++
		}
	}
	for _, id := range m.orders.LockedIDs() {
		if active[id] {
			continue
		}
		m.orders.Unlock(id)
		m.log.Infow("own_order_released", "id", id, "reason", "no active trade")
		n++
	}
	return n
}

func (m *Manager) view(rec *core.TradeRecord, mutable bool) *Trade {
	return newTrade(m, m.account, rec, mutable)
}

// acceptable checks that o is complete and units lie within its bounds.
func (m *Manager) acceptable(o core.Order, units core.Amount) error {
	switch {
	case o.Account == "" || o.ID == "" || o.Asset == "":
		return fmt.Errorf("%w: missing account, id or asset", core.ErrInvalidOrder)
	case o.Type != core.Bid && o.Type != core.Ask:
		return fmt.Errorf("%w: missing type", core.ErrInvalidOrder)
	case !o.HasPrice:
		return fmt.Errorf("%w: missing price", core.ErrInvalidOrder)
	case units < o.MinUnits || units > o.MaxUnits || units <= 0:
		return fmt.Errorf("%w: %d units outside [%d, %d]", core.ErrInvalidOrder, units, o.MinUnits, o.MaxUnits)
	}
	return nil
}

// findMatch returns the index of the active trade msg belongs to, or -1.
// More than one match means identifiers are no longer unique.
func (m *Manager) findMatch(s *core.RootState, msg core.ProcessingMessage) int {
	found := -1
	for i := range s.Trades {
		if !m.view(&s.Trades[i], false).Matches(msg) {
			continue
		}
		if found >= 0 {
			panic(fmt.Sprintf("multiple trades match %q from %q", msg.Identifier, msg.Counterparty))
		}
		found = i
	}
	return found
}

// TakeOrder starts a trade on someone else's order and returns the message
// to send to the maker.
func (m *Manager) TakeOrder(ctx context.Context, o core.Order, units core.Amount) (core.ProcessingMessage, bool) {
	var msg core.ProcessingMessage
	if err := m.acceptable(o, units); err != nil {
		m.log.Warnw("take_order_rejected", "account", o.Account, "id", o.ID, "units", units, "err", err)
		return msg, false
	}
	if o.Account == m.account {
		m.log.Warnw("take_order_rejected", "id", o.ID, "err", core.ErrSelfTrade)
		return msg, false
	}

	rec := core.TradeRecord{
		Order:        o,
		Units:        units,
		StartTime:    m.clock.Now().Unix(),
		Counterparty: o.Account,
		State:        core.Initiated,
	}

	// As seller we send our addresses right away; get them before locking.
	scratch := rec.Clone()
	prep := m.prepare(ctx, m.view(&scratch, true))
	if prep != nil && prep.err != nil {
		m.log.Errorw("take_order_failed", "account", o.Account, "id", o.ID, "err", prep.err)
		return msg, false
	}

	ok := false
	m.access(ctx, func(s *core.RootState) {
		if o.Account == s.Account {
			m.log.Warnw("take_order_rejected", "id", o.ID, "err", core.ErrSelfTrade)
			return
		}
		view := m.view(&rec, false)
		key := core.ProcessingMessage{Counterparty: rec.Counterparty, Identifier: view.Identifier()}
		if m.findMatch(s, key) >= 0 {
			m.log.Warnw("take_order_rejected", "identifier", view.Identifier(), "err", "trade already exists")
			return
		}

		s.Trades = append(s.Trades, rec)
		t := m.view(&s.Trades[len(s.Trades)-1], true)
		t.prep = prep
		if !t.HasReply(&msg) {
			t.InitProcessingMessage(&msg)
		}
		t.SetTakingOrder(&msg)
		ok = true

		m.log.Infow("trade_created",
			"identifier", t.Identifier(),
			"role", core.Taker.String(),
			"type", t.OrderType().String(),
			"units", units,
		)
	})
	if ok {
		metrics.TradeCreated(core.Taker.String())
	}
	return msg, ok
}

// OrderTaken records that counterparty took units of our own order o.
func (m *Manager) OrderTaken(o core.Order, units core.Amount, counterparty string) bool {
	if err := m.acceptable(o, units); err != nil {
		m.log.Warnw("order_taken_rejected", "id", o.ID, "counterparty", counterparty, "units", units, "err", err)
		return false
	}

	rec := core.TradeRecord{
		Order:        o,
		Units:        units,
		StartTime:    m.clock.Now().Unix(),
		Counterparty: counterparty,
		State:        core.Initiated,
	}

	ok := false
	m.state.AccessState(func(s *core.RootState) {
		if !core.ValidAccount(counterparty) {
			m.log.Warnw("order_taken_rejected", "id", o.ID, "counterparty", counterparty, "err", core.ErrInvalidAccount)
			return
		}
		if counterparty == s.Account {
			m.log.Warnw("order_taken_rejected", "id", o.ID, "counterparty", counterparty, "err", core.ErrSelfTrade)
			return
		}
		view := m.view(&rec, false)
		if m.findMatch(s, core.ProcessingMessage{Counterparty: counterparty, Identifier: view.Identifier()}) >= 0 {
			m.log.Warnw("order_taken_rejected", "identifier", view.Identifier(), "err", "trade already exists")
			return
		}
		s.Trades = append(s.Trades, rec)
		ok = true
		m.log.Infow("trade_created",
			"identifier", view.Identifier(),
			"role", core.Maker.String(),
			"counterparty", counterparty,
			"units", units,
		)
	})
	if ok {
		metrics.TradeCreated(core.Maker.String())
	}
	return ok
}

// fingerprint changes whenever a step of the protocol was taken.
type fingerprint struct {
	state      core.TradeState
	sellerData bool
	ourPsbt    string
	theirPsbt  string
}

func fingerprintOf(r *core.TradeRecord) fingerprint {
	return fingerprint{r.State, r.SellerData != nil, r.OurPsbt, r.TheirPsbt}
}

// ProcessMessage handles a message from msg.Counterparty and returns the
// reply to send back, if any.
func (m *Manager) ProcessMessage(ctx context.Context, msg core.ProcessingMessage) (core.ProcessingMessage, bool) {
	var reply core.ProcessingMessage
	if msg.Counterparty == "" {
		panic("processing message without counterparty")
	}

	if take := msg.TakingOrder; take != nil {
		if msg.Identifier != core.TradeIdentifier(m.account, take.ID) {
			m.log.Warnw("take_request_mismatch", "identifier", msg.Identifier, "id", take.ID, "counterparty", msg.Counterparty)
			metrics.MessageProcessed("rejected")
			return reply, false
		}
		lease, ok := myorders.Acquire(m.orders, take.ID)
		if !ok {
			m.log.Warnw("order_lock_conflict", "id", take.ID, "counterparty", msg.Counterparty)
			metrics.LockConflict()
			metrics.MessageProcessed("rejected")
			return reply, false
		}
		defer lease.Release()
		if !m.OrderTaken(lease.Order(), take.Units, msg.Counterparty) {
			metrics.MessageProcessed("rejected")
			return reply, false
		}
		lease.Keep()
	}

	var snapshot *core.TradeRecord
	m.state.ReadState(func(s *core.RootState) {
		if i := m.findMatch(s, msg); i >= 0 {
			rec := s.Trades[i].Clone()
			snapshot = &rec
		}
	})
	if snapshot == nil {
		m.log.Debugw("message_unmatched", "identifier", msg.Identifier, "counterparty", msg.Counterparty)
		metrics.MessageProcessed("unmatched")
		return reply, false
	}

	scratch := snapshot.Clone()
	view := m.view(&scratch, true)
	view.HandleMessage(msg)
	prep := m.prepare(ctx, view)

	replied := false
	m.access(ctx, func(s *core.RootState) {
		i := m.findMatch(s, msg)
		if i < 0 {
			return
		}
		rec := &s.Trades[i]
		if fingerprintOf(rec) != fingerprintOf(snapshot) {
			m.log.Infow("trade_changed_concurrently", "identifier", msg.Identifier, "counterparty", msg.Counterparty)
			return
		}
		t := m.view(rec, true)
		t.prep = prep
		t.HandleMessage(msg)
		replied = t.HasReply(&reply)
	})

	if replied {
		metrics.MessageProcessed("replied")
	} else {
		metrics.MessageProcessed("no_reply")
	}
	return reply, replied
}

// ArchiveFinalisedTrades moves finalised trades to the archive and returns
// how many were moved.
func (m *Manager) ArchiveFinalisedTrades() int {
	n := 0
	m.state.AccessState(func(s *core.RootState) {
		active := make([]core.TradeRecord, 0, len(s.Trades))
		for i := range s.Trades {
			t := m.view(&s.Trades[i], false)
			if !t.IsFinalised() {
				active = append(active, s.Trades[i])
				continue
			}
			s.Archive = append(s.Archive, t.PublicInfo())
			n++
		}
		if n > 0 {
			s.Trades = active
		}
	})
	if n > 0 {
		m.log.Infow("trades_archived", "count", n)
		metrics.TradesArchived(n)
	}
	return n
}

// GetTrades returns the active trades followed by the archived ones.
func (m *Manager) GetTrades() []core.PublicTrade {
	return state.Read(m.state, func(s *core.RootState) []core.PublicTrade {
		res := make([]core.PublicTrade, 0, len(s.Trades)+len(s.Archive))
		for i := range s.Trades {
			res = append(res, m.view(&s.Trades[i], false).PublicInfo())
		}
		return append(res, s.Archive...)
	})
}

// LookupTrade returns a copy of the active record matching counterparty
// and identifier.
func (m *Manager) LookupTrade(counterparty, identifier string) (core.TradeRecord, bool) {
	var rec core.TradeRecord
	found := false
	m.state.ReadState(func(s *core.RootState) {
		if i := m.findMatch(s, core.ProcessingMessage{Counterparty: counterparty, Identifier: identifier}); i >= 0 {
			rec = s.Trades[i].Clone()
			found = true
		}
	})
	return rec, found
}

// ExpireStale abandons INITIATED trades older than StaleAfter and lets the
// pending policy decide about PENDING ones. It returns the number of trades
// that changed state.
func (m *Manager) ExpireStale(ctx context.Context) int {
	if m.stale <= 0 {
		return 0
	}
	cutoff := m.clock.Now().Add(-m.stale)

	var pending []core.TradeRecord
	changed := 0
	m.access(ctx, func(s *core.RootState) {
		for i := range s.Trades {
			t := m.view(&s.Trades[i], true)
			if !t.StartTime().Before(cutoff) {
				continue
			}
			switch t.rec.State {
			case core.Initiated:
				m.log.Infow("trade_stale", "identifier", t.Identifier(), "counterparty", t.rec.Counterparty)
				t.setState(core.Abandoned)
				changed++
			case core.Pending:
				pending = append(pending, t.Record())
			}
		}
	})

	for _, rec := range pending {
		next := m.pending.Resolve(ctx, rec)
		if next == core.Pending {
			continue
		}
		if !next.Terminal() {
			panic(fmt.Sprintf("pending policy returned non-terminal state %s", next))
		}
		snapshot := fingerprintOf(&rec)
		id := core.TradeIdentifier(rec.Order.Account, rec.Order.ID)
		m.access(ctx, func(s *core.RootState) {
			i := m.findMatch(s, core.ProcessingMessage{Counterparty: rec.Counterparty, Identifier: id})
			if i < 0 || fingerprintOf(&s.Trades[i]) != snapshot {
				return
			}
			m.view(&s.Trades[i], true).setState(next)
			changed++
		})
	}
	return changed
}
