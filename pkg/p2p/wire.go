package p2p

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/democrit/pkg/crypto"
)

// Kind tells what an envelope carries.
type Kind uint8

const (
	KindOrders  Kind = iota + 1 // JSON core.OrdersOfAccount
	KindMessage                 // JSON core.ProcessingMessage
)

func init() {
	gob.Register(Envelope{})
}

// Envelope is what goes over the wire. The signature covers every other
// field, so the account name travels bound to the sender's key.
type Envelope struct {
	ID      string
	Kind    Kind
	Account string
	Sent    int64 // unix seconds
	Payload []byte
	Sig     []byte
}

var (
	ErrBadSignature = errors.New("envelope signature invalid")
	ErrStale        = errors.New("envelope outside the accepted time window")
)

func (e *Envelope) digest() []byte {
	var sent [8]byte
	binary.BigEndian.PutUint64(sent[:], uint64(e.Sent))
	return crypto.Digest(
		[]byte(e.ID),
		[]byte{byte(e.Kind)},
		[]byte(e.Account),
		sent[:],
		e.Payload,
	)
}

// seal builds and signs an envelope.
func seal(signer *crypto.Signer, kind Kind, account string, payload []byte, now time.Time) ([]byte, error) {
	e := Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		Account: account,
		Sent:    now.Unix(),
		Payload: payload,
	}
	sig, err := signer.Sign(e.digest())
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}
	e.Sig = sig
	return gobEncode(e)
}

// open decodes an envelope and returns it with the address that signed it.
// Envelopes older than maxAge or from the future are rejected.
func open(data []byte, now time.Time, maxAge time.Duration) (Envelope, common.Address, error) {
	var e Envelope
	if err := gobDecode(data, &e); err != nil {
		return e, common.Address{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.ID == "" || e.Account == "" {
		return e, common.Address{}, errors.New("envelope without id or account")
	}
	sent := time.Unix(e.Sent, 0)
	if sent.Before(now.Add(-maxAge)) || sent.After(now.Add(clockSkew)) {
		return e, common.Address{}, ErrStale
	}
	addr, err := crypto.RecoverAddress(e.digest(), e.Sig)
	if err != nil {
		return e, common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return e, addr, nil
}

const clockSkew = time.Minute

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
