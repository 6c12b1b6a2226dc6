package chain

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Settlement describes the two legs of one trade transaction.
type Settlement struct {
	// Seller owns the name p/<Seller> whose update carries the asset.
	Seller      string
	ChiAddress  string
	NameAddress string
	// Total is the CHI paid to ChiAddress.
	Total Amount
	// NameInput is the current outpoint of the seller's name.
	NameInput TxInput
	// Value is the name_update value transferring the asset.
	Value string
}

// AssemblerConfig configures transaction assembly.
type AssemblerConfig struct {
	// FeeRate is passed to walletcreatefundedpsbt in sat/vB. Zero lets
	// the wallet pick its default.
	FeeRate float64
}

// Assembler builds the joint PSBT of a trade: a wallet-funded currency leg
// and a raw claim leg, joined before anyone signs.
type Assembler struct {
	xaya Xaya
	cfg  AssemblerConfig
	log  *zap.SugaredLogger
}

func NewAssembler(xaya Xaya, cfg AssemblerConfig, log *zap.SugaredLogger) *Assembler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Assembler{xaya: xaya, cfg: cfg, log: log}
}

// Construct returns the unsigned joined PSBT for s.
func (a *Assembler) Construct(ctx context.Context, s Settlement) (string, error) {
	chiLeg, err := a.currencyLeg(ctx, s)
	if err != nil {
		return "", err
	}
	nameLeg, err := a.claimLeg(ctx, s)
	if err != nil {
		return "", err
	}
	joined, err := a.xaya.JoinPsbts(ctx, []string{chiLeg, nameLeg})
	if err != nil {
		return "", fmt.Errorf("failed to join psbts: %w", err)
	}
	a.log.Debugw("settlement_assembled",
		"seller", s.Seller,
		"total", s.Total.String(),
		"name_input", fmt.Sprintf("%s:%d", s.NameInput.Txid, s.NameInput.Vout),
	)
	return joined, nil
}

func (a *Assembler) currencyLeg(ctx context.Context, s Settlement) (string, error) {
	outputs := []Output{{Address: s.ChiAddress, Amount: s.Total}}
	psbt, err := a.xaya.WalletCreateFundedPsbt(ctx, nil, outputs, FundOptions{FeeRate: a.cfg.FeeRate})
	if err != nil {
		return "", fmt.Errorf("failed to fund currency leg: %w", err)
	}
	return psbt, nil
}

func (a *Assembler) claimLeg(ctx context.Context, s Settlement) (string, error) {
	inputs := []TxInput{s.NameInput}
	outputs := []Output{{Address: s.NameAddress, Amount: NameOutputValue}}
	raw, err := a.xaya.CreatePsbt(ctx, inputs, outputs)
	if err != nil {
		return "", fmt.Errorf("failed to create claim leg: %w", err)
	}
	op := NameOperation{Op: OpNameUpdate, Name: AccountName(s.Seller), Value: s.Value}
	named, err := a.xaya.NamePsbt(ctx, raw, 0, op)
	if err != nil {
		return "", fmt.Errorf("failed to attach name operation: %w", err)
	}
	return named, nil
}
