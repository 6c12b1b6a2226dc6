// Package p2p carries order announcements over gossipsub and trade
// messages over direct libp2p streams. Every payload travels in a signed
// envelope; the sender's account is pinned to its key on first contact.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/crypto"
	"github.com/uhyunpark/democrit/pkg/util"
)

const (
	ProtocolTrade = protocol.ID("/democrit/trade/1.0.0")

	DefaultMaxAge  = 10 * time.Minute
	maxMessageSize = 1 << 20
)

// ErrUnknownPeer is returned when no route to the counterparty is known
// yet. Routes are learned from order announcements and inbound streams.
var ErrUnknownPeer = errors.New("no route to account")

// OrdersTopic is the gossipsub topic for one game.
func OrdersTopic(gameID string) string {
	return "democrit/" + gameID + "/orders"
}

// Handler receives authenticated inbound traffic.
type Handler interface {
	HandleOrders(ctx context.Context, from string, orders core.OrdersOfAccount)
	HandleMessage(ctx context.Context, msg core.ProcessingMessage)
	HandleDisconnect(account string)
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	GameID     string
	Account    string
	Signer     *crypto.Signer
	Pins       *Pins // optional, in-memory if nil
	Handler    Handler
	MaxAge     time.Duration
	Clock      util.Clock
	Logger     *zap.SugaredLogger
}

// Net is the libp2p transport of one account.
type Net struct {
	ctx     context.Context
	h       host.Host
	ps      *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler Handler
	log     *zap.SugaredLogger

	account string
	signer  *crypto.Signer
	pins    *Pins
	replay  *replayGuard
	clock   util.Clock
	maxAge  time.Duration

	muR    sync.Mutex
	routes map[string]peer.ID
}

func NewNet(ctx context.Context, cfg Config) (*Net, error) {
	if cfg.Signer == nil {
		return nil, errors.New("p2p: signer required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Pins == nil {
		cfg.Pins = NewPins(nil)
	}

	key, err := p2pcrypto.UnmarshalSecp256k1PrivateKey(cfg.Signer.PrivateKeyBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to convert identity key: %w", err)
	}
	opts := []libp2p.Option{libp2p.Identity(key)}
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &Net{
		ctx:     ctx,
		h:       h,
		ps:      ps,
		handler: cfg.Handler,
		log:     cfg.Logger,
		account: cfg.Account,
		signer:  cfg.Signer,
		pins:    cfg.Pins,
		replay:  newReplayGuard(cfg.MaxAge),
		clock:   cfg.Clock,
		maxAge:  cfg.MaxAge,
		routes:  make(map[string]peer.ID),
	}

	if n.topic, err = ps.Join(OrdersTopic(cfg.GameID)); err != nil {
		h.Close()
		return nil, err
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(ProtocolTrade, n.handleTradeStream)
	h.Network().Notify(&network.NotifyBundle{DisconnectedF: n.disconnected})

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	go n.handleOrders(ctx)

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr,
		"topic", OrdersTopic(cfg.GameID), "key", cfg.Signer.Address().Hex())
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Net) Host() host.Host { return n.h }

// Addrs returns the dialable addresses of this node including its peer ID.
func (n *Net) Addrs() []string {
	var res []string
	for _, a := range n.h.Addrs() {
		res = append(res, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return res
}

func (n *Net) Close() error {
	n.sub.Cancel()
	return n.h.Close()
}

func (n *Net) Connected() bool {
	return len(n.h.Network().Peers()) > 0
}

func (n *Net) PublishOrders(ctx context.Context, orders core.OrdersOfAccount) error {
	payload, err := json.Marshal(orders)
	if err != nil {
		return fmt.Errorf("failed to encode orders: %w", err)
	}
	data, err := seal(n.signer, KindOrders, n.account, payload, n.clock.Now())
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

func (n *Net) SendMessage(ctx context.Context, msg core.ProcessingMessage) error {
	n.muR.Lock()
	pid, ok := n.routes[msg.Counterparty]
	n.muR.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, msg.Counterparty)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data, err := seal(n.signer, KindMessage, n.account, payload, n.clock.Now())
	if err != nil {
		return err
	}

	stream, err := n.h.NewStream(ctx, pid, ProtocolTrade)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", msg.Counterparty, err)
	}
	defer stream.Close()
	if _, err := stream.Write(data); err != nil {
		stream.Reset()
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// accept authenticates an inbound envelope of the wanted kind.
func (n *Net) accept(data []byte, want Kind) (Envelope, bool) {
	now := n.clock.Now()
	e, addr, err := open(data, now, n.maxAge)
	if err != nil {
		n.log.Debugw("envelope_rejected", "err", err)
		return e, false
	}
	if e.Kind != want {
		n.log.Debugw("envelope_rejected", "kind", e.Kind, "want", want)
		return e, false
	}
	if !core.ValidAccount(e.Account) {
		n.log.Debugw("envelope_rejected", "err", core.ErrInvalidAccount)
		return e, false
	}
	if !n.replay.fresh(e.ID, now) {
		n.log.Debugw("envelope_replayed", "id", e.ID, "account", e.Account)
		return e, false
	}
	if err := n.pins.Check(e.Account, addr); err != nil {
		n.log.Warnw("envelope_rejected", "account", e.Account, "key", addr.Hex(), "err", err)
		return e, false
	}
	return e, true
}

func (n *Net) learnRoute(account string, pid peer.ID) {
	n.muR.Lock()
	n.routes[account] = pid
	n.muR.Unlock()
}

// inbound

func (n *Net) handleOrders(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		from := msg.GetFrom()
		if from == n.h.ID() {
			continue
		}
		e, ok := n.accept(msg.Data, KindOrders)
		if !ok || e.Account == n.account {
			continue
		}
		var orders core.OrdersOfAccount
		if err := json.Unmarshal(e.Payload, &orders); err != nil {
			n.log.Debugw("orders_decode_failed", "account", e.Account, "err", err)
			continue
		}
		n.learnRoute(e.Account, from)
		if n.handler != nil {
			n.handler.HandleOrders(ctx, e.Account, orders)
		}
	}
}

func (n *Net) handleTradeStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(io.LimitReader(s, maxMessageSize))
	if err != nil {
		return
	}
	e, ok := n.accept(data, KindMessage)
	if !ok {
		return
	}
	var msg core.ProcessingMessage
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		n.log.Debugw("message_decode_failed", "account", e.Account, "err", err)
		return
	}
	if msg.Counterparty != n.account {
		n.log.Debugw("message_misaddressed", "from", e.Account, "to", msg.Counterparty)
		return
	}
	n.learnRoute(e.Account, s.Conn().RemotePeer())

	msg.Counterparty = e.Account
	if n.handler != nil {
		n.handler.HandleMessage(n.ctx, msg)
	}
}

func (n *Net) disconnected(nw network.Network, c network.Conn) {
	pid := c.RemotePeer()
	if nw.Connectedness(pid) == network.Connected {
		return
	}

	var gone []string
	n.muR.Lock()
	for acc, p := range n.routes {
		if p == pid {
			gone = append(gone, acc)
			delete(n.routes, acc)
		}
	}
	n.muR.Unlock()

	if n.handler == nil {
		return
	}
	// Notifiee callbacks must not block the swarm.
	go func() {
		for _, acc := range gone {
			n.handler.HandleDisconnect(acc)
		}
	}()
}
