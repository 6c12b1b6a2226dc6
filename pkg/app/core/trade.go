package core

import (
	"fmt"
	"strings"
)

// TradeState is the lifecycle of a trade record.
type TradeState uint8

const (
	StateUnknown TradeState = iota
	// Initiated: negotiation is running, nothing of ours is signed yet.
	Initiated
	// Pending: our signature went out, waiting for the transaction to settle.
	Pending
	Abandoned
	Success
	Failed
)

var tradeStateNames = map[TradeState]string{
	Initiated: "INITIATED",
	Pending:   "PENDING",
	Abandoned: "ABANDONED",
	Success:   "SUCCESS",
	Failed:    "FAILED",
}

func (s TradeState) String() string {
	if n, ok := tradeStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("TradeState(%d)", uint8(s))
}

// Terminal reports whether no further processing happens in this state.
func (s TradeState) Terminal() bool {
	return s == Abandoned || s == Success || s == Failed
}

func (s TradeState) MarshalText() ([]byte, error) {
	n, ok := tradeStateNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid trade state %d", uint8(s))
	}
	return []byte(n), nil
}

func (s *TradeState) UnmarshalText(b []byte) error {
	want := strings.ToUpper(string(b))
	for st, n := range tradeStateNames {
		if n == want {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("invalid trade state %q", string(b))
}

// Role of the local party in a trade.
type Role uint8

const (
	Maker Role = iota + 1
	Taker
)

func (r Role) String() string {
	switch r {
	case Maker:
		return "MAKER"
	case Taker:
		return "TAKER"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if r != Maker && r != Taker {
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "MAKER":
		*r = Maker
	case "TAKER":
		*r = Taker
	default:
		return fmt.Errorf("invalid role %q", string(b))
	}
	return nil
}

// OutPoint references a transaction output.
type OutPoint struct {
	Hash string `json:"hash"`
	N    uint32 `json:"n"`
}

// SellerData is what the selling party contributes to the settlement:
// where it receives CHI, where the claim goes, and the claim's current
// outpoint (kept private by the seller).
type SellerData struct {
	NameAddress string    `json:"name_address,omitempty"`
	ChiAddress  string    `json:"chi_address,omitempty"`
	NameOutput  *OutPoint `json:"name_output,omitempty"`
}

// Public returns the part of the seller data that is sent to the buyer.
func (sd SellerData) Public() SellerData {
	return SellerData{NameAddress: sd.NameAddress, ChiAddress: sd.ChiAddress}
}

// TradeRecord is the persisted state of one trade.
type TradeRecord struct {
	Order        Order       `json:"order"`
	Units        Amount      `json:"units"`
	StartTime    int64       `json:"start_time"`
	Counterparty string      `json:"counterparty"`
	State        TradeState  `json:"state"`
	SellerData   *SellerData `json:"seller_data,omitempty"`
	OurPsbt      string      `json:"our_psbt,omitempty"`
	TheirPsbt    string      `json:"their_psbt,omitempty"`
	Txid         string      `json:"txid,omitempty"`
}

// Clone returns a deep copy of the record.
func (r TradeRecord) Clone() TradeRecord {
	if r.SellerData != nil {
		sd := *r.SellerData
		if sd.NameOutput != nil {
			out := *sd.NameOutput
			sd.NameOutput = &out
		}
		r.SellerData = &sd
	}
	return r
}

// PublicTrade is the projection of a trade shown to users and archived.
type PublicTrade struct {
	State        TradeState `json:"state"`
	StartTime    int64      `json:"start_time"`
	Counterparty string     `json:"counterparty"`
	Type         OrderType  `json:"type"`
	Asset        string     `json:"asset"`
	Units        Amount     `json:"units"`
	PriceSat     Amount     `json:"price_sat"`
	Role         Role       `json:"role"`
}
