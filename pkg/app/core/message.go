package core

// TakingOrder asks the maker to start a trade on one of its orders.
type TakingOrder struct {
	ID    string `json:"id"`
	Units Amount `json:"units"`
}

// ProcessingMessage is exchanged between the two parties of a trade.
//
// Counterparty names the other side: the recipient when sending, the
// authenticated sender once the transport delivered it.
type ProcessingMessage struct {
	Counterparty string       `json:"counterparty"`
	Identifier   string       `json:"identifier"`
	TakingOrder  *TakingOrder `json:"taking_order,omitempty"`
	SellerData   *SellerData  `json:"seller_data,omitempty"`
	Psbt         string       `json:"psbt,omitempty"`
}

// Reset clears all fields.
func (m *ProcessingMessage) Reset() {
	*m = ProcessingMessage{}
}
