package trades

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/democrit/pkg/app/core"
)

func testRecord(maker string, typ core.OrderType) core.TradeRecord {
	return core.TradeRecord{
		Order: core.Order{
			Account:  maker,
			ID:       "42",
			Asset:    "sword",
			Type:     typ,
			PriceSat: 1000,
			HasPrice: true,
			MinUnits: 1,
			MaxUnits: 5,
		},
		Units:        3,
		StartTime:    1_700_000_000,
		Counterparty: "other",
		State:        core.Initiated,
	}
}

func TestTradeRoleAndOrderType(t *testing.T) {
	tests := []struct {
		name     string
		maker    string
		typ      core.OrderType
		wantRole core.Role
		wantType core.OrderType
	}{
		{"maker bid", "me", core.Bid, core.Maker, core.Bid},
		{"maker ask", "me", core.Ask, core.Maker, core.Ask},
		{"taker of bid", "other", core.Bid, core.Taker, core.Ask},
		{"taker of ask", "other", core.Ask, core.Taker, core.Bid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord(tt.maker, tt.typ)
			tr := newTrade(nil, "me", &rec, false)
			assert.Equal(t, tt.wantRole, tr.Role())
			assert.Equal(t, tt.wantType, tr.OrderType())
		})
	}
}

func TestTradeOrderTypeInvalid(t *testing.T) {
	for _, maker := range []string{"me", "other"} {
		rec := testRecord(maker, core.OrderTypeUnknown)
		tr := newTrade(nil, "me", &rec, false)
		assert.Panics(t, func() { tr.OrderType() }, maker)
	}
}

func TestTradeIdentifierAndMatches(t *testing.T) {
	rec := testRecord("other", core.Ask)
	tr := newTrade(nil, "me", &rec, false)
	assert.Equal(t, "other\n42", tr.Identifier())

	assert.True(t, tr.Matches(core.ProcessingMessage{Counterparty: "other", Identifier: "other\n42"}))
	assert.False(t, tr.Matches(core.ProcessingMessage{Counterparty: "third", Identifier: "other\n42"}))
	assert.False(t, tr.Matches(core.ProcessingMessage{Counterparty: "other", Identifier: "other\n43"}))

	var msg core.ProcessingMessage
	msg.Psbt = "stale"
	tr.InitProcessingMessage(&msg)
	assert.Equal(t, core.ProcessingMessage{Counterparty: "other", Identifier: "other\n42"}, msg)

	tr.SetTakingOrder(&msg)
	assert.Equal(t, &core.TakingOrder{ID: "42", Units: 3}, msg.TakingOrder)
}

func TestTradePublicInfo(t *testing.T) {
	rec := testRecord("other", core.Ask)
	rec.SellerData = &core.SellerData{NameAddress: "n", ChiAddress: "c"}
	rec.OurPsbt = "secret"
	tr := newTrade(nil, "me", &rec, false)

	assert.Equal(t, core.PublicTrade{
		State:        core.Initiated,
		StartTime:    1_700_000_000,
		Counterparty: "other",
		Type:         core.Bid,
		Asset:        "sword",
		Units:        3,
		PriceSat:     1000,
		Role:         core.Taker,
	}, tr.PublicInfo())
	assert.Equal(t, int64(1_700_000_000), tr.StartTime().Unix())
}

func TestTradeIsFinalised(t *testing.T) {
	for st, want := range map[core.TradeState]bool{
		core.Initiated: false,
		core.Pending:   false,
		core.Abandoned: true,
		core.Success:   true,
		core.Failed:    true,
	} {
		rec := testRecord("me", core.Bid)
		rec.State = st
		assert.Equal(t, want, newTrade(nil, "me", &rec, false).IsFinalised(), st.String())
	}
}

func TestTradeHandleMessage(t *testing.T) {
	good := &core.SellerData{NameAddress: "n", ChiAddress: "c"}

	tests := []struct {
		name      string
		maker     string
		typ       core.OrderType
		state     core.TradeState
		existing  *core.SellerData
		sd        *core.SellerData
		wantMerge bool
	}{
		{"buyer merges", "me", core.Bid, core.Initiated, nil, good, true},
		{"taker buyer merges", "other", core.Ask, core.Initiated, nil, good, true},
		{"seller ignores", "me", core.Ask, core.Initiated, nil, good, false},
		{"already known", "me", core.Bid, core.Initiated, &core.SellerData{NameAddress: "x", ChiAddress: "y"}, good, false},
		{"missing chi address", "me", core.Bid, core.Initiated, nil, &core.SellerData{NameAddress: "n"}, false},
		{"same addresses", "me", core.Bid, core.Initiated, nil, &core.SellerData{NameAddress: "a", ChiAddress: "a"}, false},
		{"with name output", "me", core.Bid, core.Initiated, nil,
			&core.SellerData{NameAddress: "n", ChiAddress: "c", NameOutput: &core.OutPoint{Hash: "h"}}, false},
		{"pending ignores", "me", core.Bid, core.Pending, nil, good, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord(tt.maker, tt.typ)
			rec.State = tt.state
			rec.SellerData = tt.existing
			tr := newTrade(nil, "me", &rec, true)

			tr.HandleMessage(core.ProcessingMessage{SellerData: tt.sd})
			if tt.wantMerge {
				require.NotNil(t, rec.SellerData)
				assert.Equal(t, *tt.sd, *rec.SellerData)
			} else {
				assert.Equal(t, tt.existing, rec.SellerData)
			}
		})
	}
}

func TestTradeHandleMessagePsbt(t *testing.T) {
	rec := testRecord("me", core.Ask)
	tr := newTrade(nil, "me", &rec, true)

	tr.HandleMessage(core.ProcessingMessage{Psbt: "first"})
	tr.HandleMessage(core.ProcessingMessage{Psbt: "second"})
	assert.Equal(t, "first", rec.TheirPsbt)

	rec2 := testRecord("me", core.Ask)
	rec2.State = core.Pending
	newTrade(nil, "me", &rec2, true).HandleMessage(core.ProcessingMessage{Psbt: "late"})
	assert.Empty(t, rec2.TheirPsbt)
}

func TestTradeReadOnly(t *testing.T) {
	rec := testRecord("me", core.Ask)
	tr := newTrade(nil, "me", &rec, false)
	var msg core.ProcessingMessage
	assert.Panics(t, func() { tr.HandleMessage(msg) })
	assert.Panics(t, func() { tr.HasReply(&msg) })
}

func TestTradeHasReplyWithoutPreparation(t *testing.T) {
	rec := testRecord("me", core.Ask)
	tr := newTrade(nil, "me", &rec, true)
	var msg core.ProcessingMessage
	assert.False(t, tr.HasReply(&msg))
	assert.Nil(t, rec.SellerData)

	// Results of another step are not applied.
	tr.prep = &outcome{step: stepBuyerAssemble, reply: true}
	assert.False(t, tr.HasReply(&msg))
}

func TestTradeNextStep(t *testing.T) {
	sd := &core.SellerData{NameAddress: "n", ChiAddress: "c"}
	tests := []struct {
		name  string
		maker string
		typ   core.OrderType
		edit  func(r *core.TradeRecord)
		want  step
	}{
		{"seller without data", "me", core.Ask, func(r *core.TradeRecord) {}, stepSellerData},
		{"seller waiting", "me", core.Ask, func(r *core.TradeRecord) { r.SellerData = sd }, stepNone},
		{"seller with psbt", "other", core.Bid, func(r *core.TradeRecord) { r.SellerData = sd; r.TheirPsbt = "p" }, stepSellerSign},
		{"buyer waiting", "me", core.Bid, func(r *core.TradeRecord) {}, stepNone},
		{"buyer with data", "other", core.Ask, func(r *core.TradeRecord) { r.SellerData = sd }, stepBuyerAssemble},
		{"maker buyer with both psbts", "me", core.Bid, func(r *core.TradeRecord) {
			r.SellerData = sd
			r.OurPsbt = "a"
			r.TheirPsbt = "b"
		}, stepBuyerFinish},
		{"taker buyer with both psbts", "other", core.Ask, func(r *core.TradeRecord) {
			r.SellerData = sd
			r.OurPsbt = "a"
			r.TheirPsbt = "b"
		}, stepNone},
		{"pending", "me", core.Ask, func(r *core.TradeRecord) { r.State = core.Pending }, stepNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord(tt.maker, tt.typ)
			tt.edit(&rec)
			assert.Equal(t, tt.want, newTrade(nil, "me", &rec, false).nextStep())
		})
	}
}
