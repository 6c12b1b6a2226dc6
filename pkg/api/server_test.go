package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/app/core/orderbook"
	"github.com/uhyunpark/democrit/pkg/app/democrit"
)

type fakeService struct {
	added   []core.Order
	takeErr error
	taken   []TakeOrderRequest
	own     map[string]core.OwnOrder
}

func (f *fakeService) Status() democrit.Status {
	return democrit.Status{Account: "alice", GameID: "nf", Connected: true}
}

func (f *fakeService) GetOrdersForAsset(asset string) orderbook.ForAsset {
	return orderbook.ForAsset{
		Asset: asset,
		Bids:  []core.Order{},
		Asks:  []core.Order{core.Order{Account: "bob", ID: "1", Asset: asset, Type: core.Ask, MaxUnits: 2}.WithPrice(7)},
	}
}

func (f *fakeService) GetOrdersByAsset() map[string]orderbook.ForAsset {
	return map[string]orderbook.ForAsset{"gold": f.GetOrdersForAsset("gold")}
}

func (f *fakeService) GetOwnOrders() map[string]core.OwnOrder { return f.own }

func (f *fakeService) AddOrder(_ context.Context, o core.Order) (string, error) {
	if o.Asset == "bad" {
		return "", core.ErrInvalidOrder
	}
	f.added = append(f.added, o)
	return fmt.Sprint(len(f.added) - 1), nil
}

func (f *fakeService) CancelOrder(_ context.Context, id string) bool {
	_, ok := f.own[id]
	delete(f.own, id)
	return ok
}

func (f *fakeService) GetTrades() []core.PublicTrade {
	return []core.PublicTrade{{State: core.Pending, Counterparty: "bob", Type: core.Bid, Asset: "gold", Units: 1, PriceSat: 7, Role: core.Taker}}
}

func (f *fakeService) TakeOrder(_ context.Context, account, id string, units core.Amount) (string, error) {
	if f.takeErr != nil {
		return "", f.takeErr
	}
	f.taken = append(f.taken, TakeOrderRequest{Account: account, OrderID: id, Units: units})
	return core.TradeIdentifier(account, id), nil
}

func newTestServer(svc *fakeService) *Server {
	return NewServer(svc, []string{"http://localhost:3000"}, nil)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestReadEndpoints(t *testing.T) {
	svc := &fakeService{own: map[string]core.OwnOrder{"0": {Order: core.Order{Asset: "gold", Type: core.Bid, MaxUnits: 1}.WithPrice(3), Locked: true}}}
	s := newTestServer(svc)

	tests := []struct {
		target string
		status int
		check  func(t *testing.T, body []byte)
	}{
		{"/health", http.StatusOK, func(t *testing.T, body []byte) {
			assert.JSONEq(t, `{"status":"ok"}`, string(body))
		}},
		{"/api/v1/status", http.StatusOK, func(t *testing.T, body []byte) {
			var st democrit.Status
			require.NoError(t, json.Unmarshal(body, &st))
			assert.Equal(t, "alice", st.Account)
			assert.True(t, st.Connected)
		}},
		{"/api/v1/orderbook?asset=gold", http.StatusOK, func(t *testing.T, body []byte) {
			var fa orderbook.ForAsset
			require.NoError(t, json.Unmarshal(body, &fa))
			require.Len(t, fa.Asks, 1)
			assert.Equal(t, core.Amount(7), fa.Asks[0].PriceSat)
		}},
		{"/api/v1/orderbook", http.StatusBadRequest, nil},
		{"/api/v1/orderbook/by-asset", http.StatusOK, func(t *testing.T, body []byte) {
			var m map[string]orderbook.ForAsset
			require.NoError(t, json.Unmarshal(body, &m))
			assert.Contains(t, m, "gold")
		}},
		{"/api/v1/own-orders", http.StatusOK, func(t *testing.T, body []byte) {
			var m map[string]core.OwnOrder
			require.NoError(t, json.Unmarshal(body, &m))
			assert.True(t, m["0"].Locked)
		}},
		{"/api/v1/trades", http.StatusOK, func(t *testing.T, body []byte) {
			var trades []core.PublicTrade
			require.NoError(t, json.Unmarshal(body, &trades))
			require.Len(t, trades, 1)
			assert.Equal(t, core.Pending, trades[0].State)
		}},
		{"/metrics", http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := do(t, s, "GET", tt.target, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestAddAndCancelOrder(t *testing.T) {
	svc := &fakeService{own: map[string]core.OwnOrder{"4": {}}}
	s := newTestServer(svc)

	rec := do(t, s, "POST", "/api/v1/own-orders", `{"asset":"gold","type":"ASK","price_sat":10,"max_units":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AddOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "0", resp.OrderID)
	require.Len(t, svc.added, 1)
	assert.True(t, svc.added[0].HasPrice)
	assert.Equal(t, core.Ask, svc.added[0].Type)

	rec = do(t, s, "POST", "/api/v1/own-orders", `{"asset":"bad","type":"ASK","price_sat":10,"max_units":2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "POST", "/api/v1/own-orders", `{"asset":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "DELETE", "/api/v1/own-orders/4", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, "DELETE", "/api/v1/own-orders/4", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTakeOrder(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"ok", `{"account":"bob","orderId":"1","units":2}`, nil, http.StatusOK},
		{"missing account", `{"orderId":"1","units":2}`, nil, http.StatusBadRequest},
		{"unknown", `{"account":"bob","orderId":"9","units":2}`, core.ErrUnknownOrder, http.StatusNotFound},
		{"invalid", `{"account":"bob","orderId":"1","units":99}`, core.ErrInvalidOrder, http.StatusBadRequest},
		{"offline", `{"account":"bob","orderId":"1","units":2}`, democrit.ErrNotConnected, http.StatusServiceUnavailable},
		{"send failed", `{"account":"bob","orderId":"1","units":2}`, fmt.Errorf("failed to send take request: %w", context.DeadlineExceeded), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{takeErr: tt.err}
			rec := do(t, newTestServer(svc), "POST", "/api/v1/trades", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var resp TakeOrderResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "bob\n1", resp.Identifier)
			assert.Equal(t, []TakeOrderRequest{{Account: "bob", OrderID: "1", Units: 2}}, svc.taken)
		})
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(&fakeService{})
	req := httptest.NewRequest("OPTIONS", "/api/v1/trades", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestServer(&fakeService{})
	go s.Hub().Run(ctx)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{democrit.ChannelTrades}}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack WSMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe", ack.Type)

	s.Hub().Notify(democrit.ChannelOrderBook, "ignored")
	s.Hub().Notify(democrit.ChannelTrades, []string{"x"})

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, democrit.ChannelTrades, msg.Type)
	assert.Equal(t, []any{"x"}, msg.Data)
}
