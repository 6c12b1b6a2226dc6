package trades

import (
	"context"

	"github.com/uhyunpark/democrit/pkg/app/core"
)

// PendingPolicy decides what happens to a trade that stayed PENDING past
// the staleness threshold. It returns the new state, or PENDING to keep
// waiting. It is called without holding the state lock and may query the
// chain.
type PendingPolicy interface {
	Resolve(ctx context.Context, rec core.TradeRecord) core.TradeState
}

// KeepPending never leaves PENDING.
type KeepPending struct{}

func (KeepPending) Resolve(context.Context, core.TradeRecord) core.TradeState {
	return core.Pending
}

// PendingPolicyFunc adapts a function to PendingPolicy.
type PendingPolicyFunc func(ctx context.Context, rec core.TradeRecord) core.TradeState

func (f PendingPolicyFunc) Resolve(ctx context.Context, rec core.TradeRecord) core.TradeState {
	return f(ctx, rec)
}
