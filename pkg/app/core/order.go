package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Amount counts asset units or satoshis of CHI.
type Amount = int64

// OrderType is the side of an order from the point of view of its owner.
type OrderType uint8

const (
	// OrderTypeUnknown marks an order without a side; it never validates.
	OrderTypeUnknown OrderType = iota
	Bid
	Ask
)

func (t OrderType) String() string {
	switch t {
	case Bid:
		return "BID"
	case Ask:
		return "ASK"
	default:
		return fmt.Sprintf("OrderType(%d)", uint8(t))
	}
}

// Opposite returns the other side (BID <-> ASK). It panics on anything else.
func (t OrderType) Opposite() OrderType {
	switch t {
	case Bid:
		return Ask
	case Ask:
		return Bid
	default:
		panic(fmt.Sprintf("unexpected order type: %d", uint8(t)))
	}
}

func (t OrderType) MarshalText() ([]byte, error) {
	switch t {
	case Bid, Ask:
		return []byte(t.String()), nil
	case OrderTypeUnknown:
		return []byte(""), nil
	default:
		return nil, fmt.Errorf("invalid order type %d", uint8(t))
	}
}

func (t *OrderType) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "BID":
		*t = Bid
	case "ASK":
		*t = Ask
	case "":
		*t = OrderTypeUnknown
	default:
		return fmt.Errorf("invalid order type %q", string(b))
	}
	return nil
}

// Order is a standing offer of one account. Account and ID are set once the
// order is published; own orders stored by the registry leave them empty.
type Order struct {
	Account  string    `json:"account,omitempty"`
	ID       string    `json:"id,omitempty"`
	Asset    string    `json:"asset"`
	Type     OrderType `json:"type"`
	PriceSat Amount    `json:"price_sat"`
	MinUnits Amount    `json:"min_units,omitempty"`
	MaxUnits Amount    `json:"max_units"`

	// HasPrice distinguishes an explicit zero price from a missing one.
	HasPrice bool `json:"-"`
}

// orderJSON keeps "price_sat" optional on the wire.
type orderJSON struct {
	Account  string    `json:"account,omitempty"`
	ID       string    `json:"id,omitempty"`
	Asset    string    `json:"asset"`
	Type     OrderType `json:"type"`
	PriceSat *Amount   `json:"price_sat,omitempty"`
	MinUnits Amount    `json:"min_units,omitempty"`
	MaxUnits Amount    `json:"max_units"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	w := orderJSON{
		Account:  o.Account,
		ID:       o.ID,
		Asset:    o.Asset,
		Type:     o.Type,
		MinUnits: o.MinUnits,
		MaxUnits: o.MaxUnits,
	}
	if o.HasPrice {
		price := o.PriceSat
		w.PriceSat = &price
	}
	return json.Marshal(w)
}

func (o *Order) UnmarshalJSON(b []byte) error {
	var w orderJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*o = Order{
		Account:  w.Account,
		ID:       w.ID,
		Asset:    w.Asset,
		Type:     w.Type,
		MinUnits: w.MinUnits,
		MaxUnits: w.MaxUnits,
	}
	if w.PriceSat != nil {
		o.PriceSat = *w.PriceSat
		o.HasPrice = true
	}
	return nil
}

// WithPrice returns a copy of o with an explicit price.
func (o Order) WithPrice(sat Amount) Order {
	o.PriceSat = sat
	o.HasPrice = true
	return o
}

// OrdersOfAccount is the set of orders one account publishes, keyed by ID.
type OrdersOfAccount struct {
	Account string           `json:"account"`
	Orders  map[string]Order `json:"orders,omitempty"`
}

// OwnOrder is an order of the local account together with its lock flag.
type OwnOrder struct {
	Order  Order `json:"order"`
	Locked bool  `json:"locked,omitempty"`
}

// Separator joins maker account and order ID into a trade identifier.
// Newlines are not valid in account names or order IDs.
const Separator = "\n"

// ValidAccount reports whether name can be used as an account name.
func ValidAccount(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r == '\n' || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// TradeIdentifier builds the routing key for trades on an order.
func TradeIdentifier(account, orderID string) string {
	return account + Separator + orderID
}

// OwnOrderBook is the persisted set of the local account's orders.
type OwnOrderBook struct {
	NextFreeID uint64              `json:"next_free_id"`
	Orders     map[string]OwnOrder `json:"orders,omitempty"`
}

// LessOrderID orders IDs numerically when both are decimal numbers and
// lexically otherwise.
func LessOrderID(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
