// Package chain talks to the Xaya Core wallet and builds the joint
// settlement transaction of a trade.
package chain

import "context"

// Xaya is the subset of the Xaya Core RPC interface a trade needs.
type Xaya interface {
	GetNewAddress(ctx context.Context) (string, error)
	NameShow(ctx context.Context, name string) (NameData, error)
	// GetTxOut returns nil if the output is spent or unknown.
	GetTxOut(ctx context.Context, txid string, vout uint32) (*TxOutInfo, error)
	GetBlockHeader(ctx context.Context, hash string) (BlockHeader, error)

	WalletCreateFundedPsbt(ctx context.Context, inputs []TxInput, outputs []Output, opts FundOptions) (string, error)
	CreatePsbt(ctx context.Context, inputs []TxInput, outputs []Output) (string, error)
	NamePsbt(ctx context.Context, psbt string, vout int, op NameOperation) (string, error)
	JoinPsbts(ctx context.Context, psbts []string) (string, error)
	DecodePsbt(ctx context.Context, psbt string) (DecodedPsbt, error)

	WalletProcessPsbt(ctx context.Context, psbt string) (ProcessedPsbt, error)
	CombinePsbt(ctx context.Context, psbts []string) (string, error)
	FinalizePsbt(ctx context.Context, psbt string) (FinalizedPsbt, error)
	SendRawTransaction(ctx context.Context, hex string) (string, error)
}

// AccountName returns the Xaya name that holds an account.
func AccountName(account string) string {
	return "p/" + account
}
