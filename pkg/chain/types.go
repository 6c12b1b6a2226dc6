package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coin is the number of satoshis in one CHI.
const Coin = 100_000_000

// Amount is a CHI value in satoshis. On the wire it is a decimal number of
// CHI with up to eight fractional digits.
type Amount int64

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%08d", sign, v/Coin, v%Coin)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAmount converts a decimal CHI string to satoshis without going
// through floating point.
func ParseAmount(s string) (Amount, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		v := Amount(math.Round(f * Coin))
		if neg {
			v = -v
		}
		return v, nil
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 8 {
		return 0, fmt.Errorf("invalid amount %q: too many decimals", s)
	}
	frac += strings.Repeat("0", 8-len(frac))
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if w > (math.MaxInt64-f)/Coin {
		return 0, fmt.Errorf("invalid amount %q: overflow", s)
	}
	v := Amount(w*Coin + f)
	if neg {
		v = -v
	}
	return v, nil
}

// NameOutputValue is the fixed amount locked in a name output.
const NameOutputValue Amount = Coin / 100

// TxInput references an output to spend.
type TxInput struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// Output pays Amount to Address. It is encoded as {"<address>": amount}.
type Output struct {
	Address string
	Amount  Amount
}

func (o Output) MarshalJSON() ([]byte, error) {
	key, err := json.Marshal(o.Address)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.Write(key)
	buf.WriteByte(':')
	buf.WriteString(o.Amount.String())
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *Output) UnmarshalJSON(b []byte) error {
	var m map[string]Amount
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("output must have exactly one address, got %d", len(m))
	}
	for addr, amt := range m {
		o.Address = addr
		o.Amount = amt
	}
	return nil
}

// FundOptions are the options passed to walletcreatefundedpsbt.
type FundOptions struct {
	FeeRate float64 `json:"fee_rate,omitempty"`
}

// NameOperation is attached to an output with namepsbt.
type NameOperation struct {
	Op    string `json:"op"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

const OpNameUpdate = "name_update"

// NameData is the result of name_show.
type NameData struct {
	Name    string `json:"name"`
	Value   string `json:"value,omitempty"`
	Txid    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Address string `json:"address,omitempty"`
}

// TxOutInfo is the result of gettxout for an unspent output.
type TxOutInfo struct {
	BestBlock     string `json:"bestblock"`
	Confirmations int64  `json:"confirmations"`
	Value         Amount `json:"value"`
}

type BlockHeader struct {
	Hash              string `json:"hash"`
	Height            int64  `json:"height"`
	PreviousBlockHash string `json:"previousblockhash,omitempty"`
	NextBlockHash     string `json:"nextblockhash,omitempty"`
}

type NameOp struct {
	Op            string `json:"op"`
	Name          string `json:"name,omitempty"`
	Value         string `json:"value,omitempty"`
	NameEncoding  string `json:"name_encoding,omitempty"`
	ValueEncoding string `json:"value_encoding,omitempty"`
}

type ScriptPubKey struct {
	Address   string   `json:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	NameOp    *NameOp  `json:"nameOp,omitempty"`
}

// PaysTo reports whether the script pays exactly one address, addr.
func (s ScriptPubKey) PaysTo(addr string) bool {
	if s.Address != "" {
		return len(s.Addresses) <= 1 && s.Address == addr
	}
	return len(s.Addresses) == 1 && s.Addresses[0] == addr
}

type TxIn struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type TxOut struct {
	Value        Amount       `json:"value"`
	N            int          `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

type RawTx struct {
	Txid string  `json:"txid,omitempty"`
	Vin  []TxIn  `json:"vin"`
	Vout []TxOut `json:"vout"`
}

// PsbtInput is the per-input part of decodepsbt that tells whether the
// input carries a signature yet.
type PsbtInput struct {
	PartialSignatures  map[string]string `json:"partial_signatures,omitempty"`
	FinalScriptSig     json.RawMessage   `json:"final_scriptSig,omitempty"`
	FinalScriptWitness []string          `json:"final_scriptwitness,omitempty"`
}

// Signed reports whether any signature data is attached to the input.
func (in PsbtInput) Signed() bool {
	return len(in.PartialSignatures) > 0 || len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

// DecodedPsbt is the result of decodepsbt. Per-output PSBT metadata is
// kept opaque.
type DecodedPsbt struct {
	Tx      RawTx             `json:"tx"`
	Inputs  []PsbtInput       `json:"inputs"`
	Outputs []json.RawMessage `json:"outputs"`
	Fee     *Amount           `json:"fee,omitempty"`
}

type ProcessedPsbt struct {
	Psbt     string `json:"psbt"`
	Complete bool   `json:"complete"`
}

type FinalizedPsbt struct {
	Psbt     string `json:"psbt,omitempty"`
	Hex      string `json:"hex,omitempty"`
	Complete bool   `json:"complete"`
}
