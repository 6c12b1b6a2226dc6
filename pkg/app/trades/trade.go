package trades

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/democrit/pkg/app/core"
)

// Trade is a view of one TradeRecord from the point of view of the local
// account. It is never stored; the manager builds one whenever it needs to
// look at or advance a record.
type Trade struct {
	rec     *core.TradeRecord
	account string
	mgr     *Manager
	mutable bool

	// prep holds chain results computed before the state lock was taken.
	prep *outcome
}

func newTrade(mgr *Manager, account string, rec *core.TradeRecord, mutable bool) *Trade {
	return &Trade{rec: rec, account: account, mgr: mgr, mutable: mutable}
}

// Identifier is the routing key of the trade: maker account and order id.
func (t *Trade) Identifier() string {
	return core.TradeIdentifier(t.rec.Order.Account, t.rec.Order.ID)
}

func (t *Trade) Role() core.Role {
	if t.rec.Order.Account == t.account {
		return core.Maker
	}
	return core.Taker
}

// OrderType is the side the local account is on: the order's own side for
// the maker, the opposite one for the taker.
func (t *Trade) OrderType() core.OrderType {
	switch t.Role() {
	case core.Maker:
		typ := t.rec.Order.Type
		if typ != core.Bid && typ != core.Ask {
			panic(fmt.Sprintf("unexpected order type: %d", uint8(typ)))
		}
		return typ
	case core.Taker:
		return t.rec.Order.Type.Opposite()
	default:
		panic("unexpected role")
	}
}

func (t *Trade) isBuyer() bool  { return t.OrderType() == core.Bid }
func (t *Trade) isSeller() bool { return t.OrderType() == core.Ask }

func (t *Trade) buyerAndSeller() (buyer, seller string) {
	if t.isBuyer() {
		return t.account, t.rec.Counterparty
	}
	return t.rec.Counterparty, t.account
}

func (t *Trade) StartTime() time.Time {
	return time.Unix(t.rec.StartTime, 0)
}

func (t *Trade) IsFinalised() bool {
	return t.rec.State.Terminal()
}

// Record returns a copy of the underlying record.
func (t *Trade) Record() core.TradeRecord {
	return t.rec.Clone()
}

func (t *Trade) PublicInfo() core.PublicTrade {
	return core.PublicTrade{
		State:        t.rec.State,
		StartTime:    t.rec.StartTime,
		Counterparty: t.rec.Counterparty,
		Type:         t.OrderType(),
		Asset:        t.rec.Order.Asset,
		Units:        t.rec.Units,
		PriceSat:     t.rec.Order.PriceSat,
		Role:         t.Role(),
	}
}

func (t *Trade) Matches(msg core.ProcessingMessage) bool {
	return msg.Counterparty == t.rec.Counterparty && msg.Identifier == t.Identifier()
}

// InitProcessingMessage resets msg to a message addressed to the
// counterparty of this trade.
func (t *Trade) InitProcessingMessage(msg *core.ProcessingMessage) {
	msg.Reset()
	msg.Counterparty = t.rec.Counterparty
	msg.Identifier = t.Identifier()
}

// SetTakingOrder attaches the take request of this trade to msg.
func (t *Trade) SetTakingOrder(msg *core.ProcessingMessage) {
	msg.TakingOrder = &core.TakingOrder{ID: t.rec.Order.ID, Units: t.rec.Units}
}

// HandleMessage merges what the counterparty sent into the record. Only
// INITIATED trades take input from messages.
func (t *Trade) HandleMessage(msg core.ProcessingMessage) {
	t.requireMutable()
	if t.rec.State != core.Initiated {
		return
	}

	if sd := msg.SellerData; sd != nil && t.isBuyer() && t.rec.SellerData == nil {
		switch {
		case sd.NameAddress == "" || sd.ChiAddress == "":
			t.logf("seller_data_incomplete")
		case sd.NameOutput != nil:
			t.logf("seller_data_with_name_output")
		case sd.NameAddress == sd.ChiAddress:
			t.logf("seller_data_address_reuse")
		default:
			pub := sd.Public()
			t.rec.SellerData = &pub
		}
	}

	if msg.Psbt != "" && t.rec.TheirPsbt == "" {
		t.rec.TheirPsbt = msg.Psbt
	}
}

// HasReply advances the trade with the prepared chain results and fills in
// msg if the counterparty needs to hear from us.
func (t *Trade) HasReply(msg *core.ProcessingMessage) bool {
	t.requireMutable()
	if t.rec.State != core.Initiated {
		return false
	}
	st := t.nextStep()
	if st == stepNone {
		return false
	}
	p := t.prep
	t.prep = nil
	if p == nil || p.step != st {
		return false
	}
	return p.apply(t, msg)
}

// nextStep is the protocol step the local party has to take next.
func (t *Trade) nextStep() step {
	r := t.rec
	if r.State != core.Initiated {
		return stepNone
	}
	switch {
	case t.isSeller() && r.SellerData == nil:
		return stepSellerData
	case t.isBuyer() && r.SellerData != nil && r.OurPsbt == "":
		return stepBuyerAssemble
	case t.isBuyer() && t.Role() == core.Maker && r.OurPsbt != "" && r.TheirPsbt != "":
		return stepBuyerFinish
	case t.isSeller() && r.SellerData != nil && r.TheirPsbt != "" && r.OurPsbt == "":
		return stepSellerSign
	}
	return stepNone
}

func (t *Trade) setState(s core.TradeState) {
	if t.rec.State == s {
		return
	}
	t.logger().Infow("trade_state_changed",
		"identifier", t.Identifier(),
		"counterparty", t.rec.Counterparty,
		"from", t.rec.State.String(),
		"to", s.String(),
	)
	from := t.rec.State
	t.rec.State = s
	if t.mgr != nil {
		t.mgr.transition(t, from)
	}
}

func (t *Trade) logger() *zap.SugaredLogger {
	if t.mgr == nil {
		return zap.NewNop().Sugar()
	}
	return t.mgr.log
}

func (t *Trade) logf(event string) {
	t.logger().Warnw(event, "identifier", t.Identifier(), "counterparty", t.rec.Counterparty)
}

func (t *Trade) requireMutable() {
	if !t.mutable {
		panic("trade view is read-only")
	}
}
