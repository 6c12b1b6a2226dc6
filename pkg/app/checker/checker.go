// Package checker verifies that a trade's on-chain data matches what was
// negotiated, from the buyer's and from the seller's side.
package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/uhyunpark/democrit/pkg/app/assets"
	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/chain"
)

// maxBlockAncestors bounds how far the name output's block may lag behind
// the block at which the game state was queried.
const maxBlockAncestors = 3

// Trade is the negotiated content of one trade.
type Trade struct {
	Buyer  string
	Seller string
	Asset  string
	Units  core.Amount
	Price  core.Amount
}

// TradeChecker runs the chain and game state checks for one trade.
type TradeChecker struct {
	spec  assets.Spec
	xaya  chain.Xaya
	trade Trade
	log   *zap.SugaredLogger
}

func New(spec assets.Spec, xaya chain.Xaya, trade Trade, log *zap.SugaredLogger) *TradeChecker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TradeChecker{spec: spec, xaya: xaya, trade: trade, log: log}
}

// NameUpdateValue returns the value of the seller's name_update that
// transfers the asset.
func (c *TradeChecker) NameUpdateValue() (string, error) {
	mv, err := c.spec.TransferMove(c.trade.Seller, c.trade.Buyer, c.trade.Asset, c.trade.Units)
	if err != nil {
		return "", fmt.Errorf("failed to build transfer move: %w", err)
	}
	value := map[string]any{
		"g": map[string]any{
			c.spec.GameID(): mv,
			"dem":           struct{}{},
		},
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode name value: %w", err)
	}
	return string(b), nil
}

// TotalSat returns price times units, or false if that overflows.
func (c *TradeChecker) TotalSat() (chain.Amount, bool) {
	units, price := c.trade.Units, c.trade.Price
	if units <= 0 || price < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(units), uint64(price))
	if hi != 0 || lo > 1<<63-1 {
		c.log.Warnw("total_overflow", "units", units, "price", price)
		return 0, false
	}
	return chain.Amount(lo), true
}

// CheckForBuyerTrade verifies, for the buyer, that the asset exists, that
// the buyer may receive it and that the seller's current name output is
// backed by a game state in which the seller owns the units. It returns
// the name output to spend. A false result with nil error means the trade
// is invalid.
func (c *TradeChecker) CheckForBuyerTrade(ctx context.Context) (chain.TxInput, bool, error) {
	t := c.trade
	ok, err := c.spec.IsAsset(ctx, t.Asset)
	if err != nil {
		return chain.TxInput{}, false, err
	}
	if !ok {
		c.log.Warnw("invalid_asset", "asset", t.Asset)
		return chain.TxInput{}, false, nil
	}
	ok, err = c.spec.CanBuy(ctx, t.Buyer, t.Asset, t.Units)
	if err != nil {
		return chain.TxInput{}, false, err
	}
	if !ok {
		c.log.Warnw("buyer_cannot_receive", "buyer", t.Buyer, "asset", t.Asset, "units", t.Units)
		return chain.TxInput{}, false, nil
	}

	// name_show gives the seller's current name output and gettxout the
	// block at which it was still unspent. The game state answering
	// CanSell must be at that block or a close descendant of it.
	name, err := c.xaya.NameShow(ctx, chain.AccountName(t.Seller))
	if err != nil {
		return chain.TxInput{}, false, err
	}
	input := chain.TxInput{Txid: name.Txid, Vout: name.Vout}

	utxo, err := c.xaya.GetTxOut(ctx, input.Txid, input.Vout)
	if err != nil {
		return chain.TxInput{}, false, err
	}
	if utxo == nil {
		c.log.Warnw("name_output_not_found", "name", name.Name, "txid", name.Txid, "vout", name.Vout)
		return chain.TxInput{}, false, nil
	}

	ok, gspBlock, err := c.spec.CanSell(ctx, t.Seller, t.Asset, t.Units)
	if err != nil {
		return chain.TxInput{}, false, err
	}
	if !ok {
		c.log.Warnw("seller_cannot_send", "seller", t.Seller, "asset", t.Asset, "units", t.Units)
		return chain.TxInput{}, false, nil
	}

	ok, err = c.isAncestor(ctx, utxo.BestBlock, gspBlock, maxBlockAncestors)
	if err != nil {
		return chain.TxInput{}, false, err
	}
	if !ok {
		c.log.Warnw("name_block_not_ancestor", "utxo_block", utxo.BestBlock, "gsp_block", gspBlock)
		return chain.TxInput{}, false, nil
	}
	return input, true, nil
}

func (c *TradeChecker) isAncestor(ctx context.Context, ancestor, child string, n int) (bool, error) {
	for ; ; n-- {
		if ancestor == child {
			return true, nil
		}
		if n == 0 {
			return false, nil
		}
		hdr, err := c.xaya.GetBlockHeader(ctx, child)
		if err != nil {
			return false, err
		}
		if hdr.PreviousBlockHash == "" {
			return false, nil
		}
		child = hdr.PreviousBlockHash
	}
}

// CheckForSellerOutputs verifies, for the seller, that psbt pays at least
// the total to the seller's CHI address and carries the expected name
// update to the name address.
func (c *TradeChecker) CheckForSellerOutputs(ctx context.Context, psbt string, sd core.SellerData) (bool, error) {
	if sd.ChiAddress == "" || sd.NameAddress == "" {
		return false, fmt.Errorf("seller data without addresses")
	}
	decoded, err := c.xaya.DecodePsbt(ctx, psbt)
	if err != nil {
		return false, err
	}
	total, ok := c.TotalSat()
	if !ok {
		c.log.Warnw("invalid_total", "units", c.trade.Units, "price", c.trade.Price)
		return false, nil
	}
	value, err := c.NameUpdateValue()
	if err != nil {
		return false, err
	}
	wantName := chain.AccountName(c.trade.Seller)

	foundChi := total == 0
	foundName := false
	for _, out := range decoded.Tx.Vout {
		spk := out.ScriptPubKey
		if op := spk.NameOp; op != nil {
			if op.NameEncoding != "" && op.NameEncoding != "utf8" {
				return false, fmt.Errorf("unexpected name encoding %q", op.NameEncoding)
			}
			if op.ValueEncoding != "" && op.ValueEncoding != "ascii" {
				return false, fmt.Errorf("unexpected value encoding %q", op.ValueEncoding)
			}
			if op.Op == chain.OpNameUpdate && op.Name == wantName && op.Value == value && spk.PaysTo(sd.NameAddress) {
				foundName = true
			}
			continue
		}
		if spk.PaysTo(sd.ChiAddress) && out.Value >= total {
			foundChi = true
		}
	}

	if !foundChi {
		c.log.Warnw("chi_output_missing", "seller", c.trade.Seller, "total", total.String())
		return false, nil
	}
	if !foundName {
		c.log.Warnw("name_output_missing", "seller", c.trade.Seller)
		return false, nil
	}
	return true, nil
}

// CheckForSellerSignature compares the buyer's psbt before and after the
// seller's wallet processed it. The only input the seller may have signed
// is the name output from the seller data; anything else means the buyer
// slipped other coins of the seller's wallet into the transaction.
func (c *TradeChecker) CheckForSellerSignature(ctx context.Context, before, after string, sd core.SellerData) (bool, error) {
	if sd.NameOutput == nil {
		return false, fmt.Errorf("seller data without name output")
	}
	dBefore, err := c.xaya.DecodePsbt(ctx, before)
	if err != nil {
		return false, err
	}
	dAfter, err := c.xaya.DecodePsbt(ctx, after)
	if err != nil {
		return false, err
	}

	vin := dBefore.Tx.Vin
	if len(vin) != len(dAfter.Tx.Vin) || len(dBefore.Inputs) != len(vin) || len(dAfter.Inputs) != len(vin) {
		c.log.Warnw("signed_psbt_shape_changed", "seller", c.trade.Seller)
		return false, nil
	}

	signedName := false
	for i, in := range vin {
		if dAfter.Tx.Vin[i] != in {
			c.log.Warnw("signed_psbt_inputs_changed", "seller", c.trade.Seller, "index", i)
			return false, nil
		}
		if dBefore.Inputs[i].Signed() || !dAfter.Inputs[i].Signed() {
			continue
		}
		if in.Txid != sd.NameOutput.Hash || in.Vout != sd.NameOutput.N {
			c.log.Warnw("seller_signed_extra_input", "seller", c.trade.Seller, "txid", in.Txid, "vout", in.Vout)
			return false, nil
		}
		signedName = true
	}
	if !signedName {
		c.log.Warnw("name_input_not_signed", "seller", c.trade.Seller)
		return false, nil
	}
	return true, nil
}
