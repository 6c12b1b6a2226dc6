package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/uhyunpark/democrit/pkg/app/core"
)

// NonFungibleGameID is the game id of the nonfungible GSP.
const NonFungibleGameID = "nf"

// nfAsset is the JSON form of an asset in the nonfungible game.
type nfAsset struct {
	Minter string `json:"m"`
	Name   string `json:"a"`
}

// parseNfAsset splits "minter\nasset".
func parseNfAsset(s string) (nfAsset, bool) {
	minter, name, ok := strings.Cut(s, core.Separator)
	if !ok {
		return nfAsset{}, false
	}
	return nfAsset{Minter: minter, Name: name}, true
}

// NonFungible implements Spec on top of the nonfungible GSP's RPC.
type NonFungible struct {
	mu  sync.Mutex
	gsp *rpc.Client
}

func NewNonFungible(gsp *rpc.Client) *NonFungible {
	return &NonFungible{gsp: gsp}
}

// DialNonFungible connects to the GSP at url.
func DialNonFungible(ctx context.Context, url string) (*NonFungible, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gsp rpc: %w", err)
	}
	return NewNonFungible(c), nil
}

func (nf *NonFungible) Close() { nf.gsp.Close() }

func (nf *NonFungible) call(ctx context.Context, out any, method string, args ...any) error {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	if err := nf.gsp.CallContext(ctx, out, method, args...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (nf *NonFungible) GameID() string { return NonFungibleGameID }

func (nf *NonFungible) IsAsset(ctx context.Context, asset string) (bool, error) {
	a, ok := parseNfAsset(asset)
	if !ok {
		return false, nil
	}
	var res struct {
		Data json.RawMessage `json:"data"`
	}
	if err := nf.call(ctx, &res, "getassetdetails", a); err != nil {
		return false, err
	}
	return len(res.Data) > 0 && string(res.Data) != "null", nil
}

func (nf *NonFungible) CanSell(ctx context.Context, name, asset string, n core.Amount) (bool, string, error) {
	a, ok := parseNfAsset(asset)
	if !ok {
		return false, "", fmt.Errorf("invalid asset %q", asset)
	}
	var res struct {
		Data      *int64 `json:"data"`
		BlockHash string `json:"blockhash"`
	}
	if err := nf.call(ctx, &res, "getbalance", a, name); err != nil {
		return false, "", err
	}
	if res.Data == nil || res.BlockHash == "" {
		return false, "", fmt.Errorf("unexpected getbalance response for %q", name)
	}
	return n <= *res.Data, res.BlockHash, nil
}

// CanBuy is always true; anyone can receive assets.
func (nf *NonFungible) CanBuy(context.Context, string, string, core.Amount) (bool, error) {
	return true, nil
}

func (nf *NonFungible) TransferMove(_, receiver, asset string, n core.Amount) (json.RawMessage, error) {
	a, ok := parseNfAsset(asset)
	if !ok {
		return nil, fmt.Errorf("invalid asset %q", asset)
	}
	move := map[string]any{
		"t": map[string]any{
			"a": a,
			"n": n,
			"r": receiver,
		},
	}
	b, err := json.Marshal(move)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer move: %w", err)
	}
	return b, nil
}

var _ Spec = (*NonFungible)(nil)
