// Package assets describes the game-specific view of tradable assets.
package assets

import (
	"context"
	"encoding/json"

	"github.com/uhyunpark/democrit/pkg/app/core"
)

// Spec answers questions about assets of one game. Implementations must
// be safe for concurrent use.
//
// CanSell must not change its answer for a name unless that name is
// updated on chain: the buyer relies on it when it checks the seller's
// name output against the game state.
type Spec interface {
	GameID() string
	IsAsset(ctx context.Context, asset string) (bool, error)
	// CanSell reports whether name owns n units of asset and returns the
	// block hash at which the game state was evaluated.
	CanSell(ctx context.Context, name, asset string, n core.Amount) (bool, string, error)
	CanBuy(ctx context.Context, name, asset string, n core.Amount) (bool, error)
	// TransferMove is the game move by which sender hands n units of asset
	// to receiver.
	TransferMove(sender, receiver, asset string, n core.Amount) (json.RawMessage, error)
}
