package trades

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/democrit/pkg/app/checker"
	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/chain"
	"github.com/uhyunpark/democrit/pkg/metrics"
)

// step is one move of the settlement protocol by the local party.
type step uint8

const (
	stepNone step = iota
	// seller: generate addresses and look up the name output
	stepSellerData
	// buyer: check the seller's name and build the joint transaction
	stepBuyerAssemble
	// buyer maker: sign, combine with the seller's signature, broadcast
	stepBuyerFinish
	// seller: check the outputs and sign
	stepSellerSign
)

var stepNames = map[step]string{
	stepNone:          "none",
	stepSellerData:    "seller_data",
	stepBuyerAssemble: "buyer_assemble",
	stepBuyerFinish:   "buyer_finish",
	stepSellerSign:    "seller_sign",
}

func (s step) String() string { return stepNames[s] }

var errIncomplete = errors.New("transaction is not completely signed")

// outcome is the result of one step, computed without holding the state
// lock and applied to the record afterwards.
type outcome struct {
	step step

	// err is a chain or game state failure; invalid means the checks did
	// not pass.
	err     error
	invalid bool

	sellerData *core.SellerData
	ourPsbt    string
	replyPsbt  string
	txid       string
	state      core.TradeState
	reply      bool
}

// prepare runs the chain calls of the next step of t. t must be a view of
// a private copy of the record.
func (m *Manager) prepare(ctx context.Context, t *Trade) *outcome {
	st := t.nextStep()
	if st == stepNone {
		return nil
	}
	start := time.Now()
	defer func() { metrics.ObserveChainStep(st.String(), time.Since(start)) }()

	o := &outcome{step: st}
	switch st {
	case stepSellerData:
		m.prepareSellerData(ctx, t, o)
	case stepBuyerAssemble:
		m.prepareBuyerAssemble(ctx, t, o)
	case stepBuyerFinish:
		m.prepareBuyerFinish(ctx, t, o)
	case stepSellerSign:
		m.prepareSellerSign(ctx, t, o)
	}
	return o
}

func (m *Manager) checker(t *Trade) *checker.TradeChecker {
	buyer, seller := t.buyerAndSeller()
	return checker.New(m.spec, m.xaya, checker.Trade{
		Buyer:  buyer,
		Seller: seller,
		Asset:  t.rec.Order.Asset,
		Units:  t.rec.Units,
		Price:  t.rec.Order.PriceSat,
	}, m.log)
}

func (m *Manager) prepareSellerData(ctx context.Context, t *Trade, o *outcome) {
	nameAddr, err := m.xaya.GetNewAddress(ctx)
	if err != nil {
		o.err = fmt.Errorf("failed to get name address: %w", err)
		return
	}
	chiAddr, err := m.xaya.GetNewAddress(ctx)
	if err != nil {
		o.err = fmt.Errorf("failed to get chi address: %w", err)
		return
	}
	name, err := m.xaya.NameShow(ctx, chain.AccountName(t.account))
	if err != nil {
		o.err = fmt.Errorf("failed to look up own name: %w", err)
		return
	}
	o.sellerData = &core.SellerData{
		NameAddress: nameAddr,
		ChiAddress:  chiAddr,
		NameOutput:  &core.OutPoint{Hash: name.Txid, N: name.Vout},
	}
	o.reply = true
}

func (m *Manager) prepareBuyerAssemble(ctx context.Context, t *Trade, o *outcome) {
	c := m.checker(t)
	input, ok, err := c.CheckForBuyerTrade(ctx)
	if err != nil {
		o.err = fmt.Errorf("failed to check trade: %w", err)
		return
	}
	total, totalOK := c.TotalSat()
	if !ok || !totalOK {
		o.invalid = true
		return
	}
	value, err := c.NameUpdateValue()
	if err != nil {
		o.invalid = true
		return
	}

	_, seller := t.buyerAndSeller()
	sd := t.rec.SellerData
	psbt, err := m.asm.Construct(ctx, chain.Settlement{
		Seller:      seller,
		ChiAddress:  sd.ChiAddress,
		NameAddress: sd.NameAddress,
		Total:       total,
		NameInput:   input,
		Value:       value,
	})
	if err != nil {
		o.err = err
		return
	}

	o.reply = true
	if t.Role() == core.Maker {
		// The seller signs first and hands the transaction back to us.
		o.ourPsbt = psbt
		o.replyPsbt = psbt
		return
	}
	signed, err := m.xaya.WalletProcessPsbt(ctx, psbt)
	if err != nil {
		o.err = fmt.Errorf("failed to sign psbt: %w", err)
		return
	}
	o.ourPsbt = signed.Psbt
	o.replyPsbt = signed.Psbt
	o.state = core.Pending
}

func (m *Manager) prepareBuyerFinish(ctx context.Context, t *Trade, o *outcome) {
	signed, err := m.xaya.WalletProcessPsbt(ctx, t.rec.OurPsbt)
	if err != nil {
		o.err = fmt.Errorf("failed to sign psbt: %w", err)
		return
	}
	combined, err := m.xaya.CombinePsbt(ctx, []string{signed.Psbt, t.rec.TheirPsbt})
	if err != nil {
		o.err = fmt.Errorf("failed to combine psbts: %w", err)
		return
	}
	txid, err := m.finalizeAndSend(ctx, combined)
	if err != nil {
		o.err = err
		return
	}
	o.ourPsbt = signed.Psbt
	o.txid = txid
	o.state = core.Pending
}

func (m *Manager) prepareSellerSign(ctx context.Context, t *Trade, o *outcome) {
	c := m.checker(t)
	ok, err := c.CheckForSellerOutputs(ctx, t.rec.TheirPsbt, *t.rec.SellerData)
	if err != nil {
		o.err = fmt.Errorf("failed to check outputs: %w", err)
		return
	}
	if !ok {
		o.invalid = true
		return
	}
	signed, err := m.xaya.WalletProcessPsbt(ctx, t.rec.TheirPsbt)
	if err != nil {
		o.err = fmt.Errorf("failed to sign psbt: %w", err)
		return
	}
	// The signed psbt stays local unless only our name input was signed.
	ok, err = c.CheckForSellerSignature(ctx, t.rec.TheirPsbt, signed.Psbt, *t.rec.SellerData)
	if err != nil {
		o.err = fmt.Errorf("failed to check signature: %w", err)
		return
	}
	if !ok {
		o.invalid = true
		return
	}
	o.ourPsbt = signed.Psbt
	o.state = core.Pending
	if t.Role() == core.Taker {
		o.replyPsbt = signed.Psbt
		o.reply = true
		return
	}
	txid, err := m.finalizeAndSend(ctx, signed.Psbt)
	if err != nil {
		o.err = err
		return
	}
	o.txid = txid
}

func (m *Manager) finalizeAndSend(ctx context.Context, psbt string) (string, error) {
	fin, err := m.xaya.FinalizePsbt(ctx, psbt)
	if err != nil {
		return "", fmt.Errorf("failed to finalize psbt: %w", err)
	}
	if !fin.Complete {
		return "", errIncomplete
	}
	txid, err := m.xaya.SendRawTransaction(ctx, fin.Hex)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return txid, nil
}

// apply writes the outcome into the record behind t and builds the reply.
func (o *outcome) apply(t *Trade, msg *core.ProcessingMessage) bool {
	log := t.logger()
	switch {
	case o.err != nil:
		log.Errorw("trade_step_failed",
			"identifier", t.Identifier(),
			"counterparty", t.rec.Counterparty,
			"step", o.step.String(),
			"err", o.err,
		)
		// Nothing was committed yet when seller data cannot be produced;
		// the next message retries.
		if o.step != stepSellerData {
			t.setState(core.Failed)
		}
		return false
	case o.invalid:
		log.Warnw("trade_invalid",
			"identifier", t.Identifier(),
			"counterparty", t.rec.Counterparty,
			"step", o.step.String(),
		)
		t.setState(core.Abandoned)
		return false
	}

	if o.sellerData != nil {
		sd := *o.sellerData
		t.rec.SellerData = &sd
	}
	if o.ourPsbt != "" {
		t.rec.OurPsbt = o.ourPsbt
	}
	if o.txid != "" {
		t.rec.Txid = o.txid
		log.Infow("trade_broadcast", "identifier", t.Identifier(), "txid", o.txid)
	}
	if o.state != core.StateUnknown {
		t.setState(o.state)
	}
	if !o.reply {
		return false
	}

	t.InitProcessingMessage(msg)
	if o.sellerData != nil {
		pub := o.sellerData.Public()
		msg.SellerData = &pub
	}
	msg.Psbt = o.replyPsbt
	return true
}
