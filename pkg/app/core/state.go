package core

// StateVersion is bumped whenever the persisted layout of RootState changes.
const StateVersion = 1

// RootState is everything one running party persists about its trades.
type RootState struct {
	Version int           `json:"version"`
	Account string        `json:"account"`
	Trades  []TradeRecord `json:"trades,omitempty"`
	Archive []PublicTrade `json:"archive,omitempty"`
}

// NewRootState returns an empty state for account.
func NewRootState(account string) RootState {
	return RootState{Version: StateVersion, Account: account}
}

// Clone returns a deep copy of s.
func (s RootState) Clone() RootState {
	c := s
	if s.Trades != nil {
		c.Trades = make([]TradeRecord, len(s.Trades))
		for i, r := range s.Trades {
			c.Trades[i] = r.Clone()
		}
	}
	if s.Archive != nil {
		c.Archive = append([]PublicTrade(nil), s.Archive...)
	}
	return c
}
