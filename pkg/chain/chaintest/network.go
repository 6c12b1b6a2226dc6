// Package chaintest provides an in-memory Xaya network for tests. PSBTs are
// opaque handles into a registry shared by all wallets of one network.
package chaintest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/democrit/pkg/chain"
)

// Fee is deducted from every wallet-funded PSBT.
const Fee chain.Amount = 1_000

type coin struct {
	owner   string
	address string
	value   chain.Amount
	nameOp  *chain.NameOp
}

type psbtData struct {
	vin    []chain.TxIn
	vout   []chain.TxOut
	signed map[int]bool
}

func (p *psbtData) clone() *psbtData {
	c := &psbtData{
		vin:    append([]chain.TxIn(nil), p.vin...),
		vout:   make([]chain.TxOut, len(p.vout)),
		signed: make(map[int]bool, len(p.signed)),
	}
	for i, out := range p.vout {
		if out.ScriptPubKey.NameOp != nil {
			op := *out.ScriptPubKey.NameOp
			out.ScriptPubKey.NameOp = &op
		}
		c.vout[i] = out
	}
	for k, v := range p.signed {
		c.signed[k] = v
	}
	return c
}

func (p *psbtData) sameTx(o *psbtData) bool {
	a, _ := json.Marshal(chain.RawTx{Vin: p.vin, Vout: p.vout})
	b, _ := json.Marshal(chain.RawTx{Vin: o.vin, Vout: o.vout})
	return string(a) == string(b)
}

// Network is a shared fake chain with its UTXO set, names and blocks.
type Network struct {
	mu sync.Mutex

	counter int
	coins   map[chain.TxIn]*coin
	owners  map[string]string
	names   map[string]chain.NameData
	psbts   map[string]*psbtData
	raw     map[string]*psbtData
	blocks  map[string]chain.BlockHeader
	tip     string
	sent    []chain.RawTx
	failing map[string]error
	feeRate map[string]float64
}

func NewNetwork() *Network {
	n := &Network{
		coins:   make(map[chain.TxIn]*coin),
		owners:  make(map[string]string),
		names:   make(map[string]chain.NameData),
		psbts:   make(map[string]*psbtData),
		raw:     make(map[string]*psbtData),
		blocks:  make(map[string]chain.BlockHeader),
		failing: make(map[string]error),
		feeRate: make(map[string]float64),
	}
	n.tip = "block 0"
	n.blocks[n.tip] = chain.BlockHeader{Hash: n.tip}
	return n
}

func (n *Network) next() int {
	n.counter++
	return n.counter
}

// Wallet returns the wallet view of one party.
func (n *Network) Wallet(name string) *Wallet {
	return &Wallet{net: n, name: name}
}

// MineBlock appends a block on top of the tip and returns its hash.
func (n *Network) MineBlock() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	prev := n.blocks[n.tip]
	hash := fmt.Sprintf("block %d", prev.Height+1)
	n.blocks[hash] = chain.BlockHeader{Hash: hash, Height: prev.Height + 1, PreviousBlockHash: prev.Hash}
	prev.NextBlockHash = hash
	n.blocks[prev.Hash] = prev
	n.tip = hash
	return hash
}

func (n *Network) Tip() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tip
}

// Sent returns the transactions broadcast so far.
func (n *Network) Sent() []chain.RawTx {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]chain.RawTx(nil), n.sent...)
}

// Name returns the current state of a registered name.
func (n *Network) Name(name string) (chain.NameData, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.names[name]
	return d, ok
}

func (n *Network) addCoin(owner string, value chain.Amount, op *chain.NameOp) chain.TxInput {
	addr := n.newAddress(owner)
	txid := fmt.Sprintf("txid %d", n.next())
	in := chain.TxIn{Txid: txid, Vout: 0}
	n.coins[in] = &coin{owner: owner, address: addr, value: value, nameOp: op}
	if op != nil {
		n.names[op.Name] = chain.NameData{Name: op.Name, Value: op.Value, Txid: txid, Vout: 0, Address: addr}
	}
	return chain.TxInput{Txid: txid, Vout: 0}
}

func (n *Network) newAddress(owner string) string {
	addr := fmt.Sprintf("%s addr %d", owner, n.next())
	n.owners[addr] = owner
	return addr
}

func (n *Network) store(p *psbtData) string {
	id := fmt.Sprintf("psbt %d", n.next())
	n.psbts[id] = p
	return id
}

func (n *Network) load(id string) (*psbtData, error) {
	p, ok := n.psbts[id]
	if !ok {
		return nil, fmt.Errorf("unknown psbt %q", id)
	}
	return p, nil
}

func (n *Network) complete(p *psbtData) bool {
	for i, in := range p.vin {
		if _, ok := n.coins[in]; !ok {
			return false
		}
		if !p.signed[i] {
			return false
		}
	}
	return true
}

func (n *Network) check(wallet, method string) error {
	if err, ok := n.failing[wallet+"/"+method]; ok {
		return err
	}
	return n.failing["*/"+method]
}

// Wallet is the view of one party on the network. It implements chain.Xaya.
type Wallet struct {
	net  *Network
	name string
}

var _ chain.Xaya = (*Wallet)(nil)

func (w *Wallet) Name() string { return w.name }

// Fail makes every later call of method return err. A nil err clears it.
func (w *Wallet) Fail(method string, err error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err == nil {
		delete(w.net.failing, w.name+"/"+method)
		return
	}
	w.net.failing[w.name+"/"+method] = err
}

// Fund gives the wallet a spendable coin.
func (w *Wallet) Fund(value chain.Amount) chain.TxInput {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	return w.net.addCoin(w.name, value, nil)
}

// RegisterName creates name owned by the wallet.
func (w *Wallet) RegisterName(name, value string) chain.TxInput {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	return w.net.addCoin(w.name, chain.NameOutputValue, &chain.NameOp{Op: "name_register", Name: name, Value: value})
}

// LastFeeRate is the fee rate of the most recent funding request.
func (w *Wallet) LastFeeRate() float64 {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	return w.net.feeRate[w.name]
}

// Balance sums the wallet's plain currency coins.
func (w *Wallet) Balance() chain.Amount {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	var total chain.Amount
	for _, c := range w.net.coins {
		if c.owner == w.name && c.nameOp == nil {
			total += c.value
		}
	}
	return total
}

func (w *Wallet) GetNewAddress(context.Context) (string, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "getnewaddress"); err != nil {
		return "", err
	}
	return w.net.newAddress(w.name), nil
}

func (w *Wallet) NameShow(_ context.Context, name string) (chain.NameData, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "name_show"); err != nil {
		return chain.NameData{}, err
	}
	d, ok := w.net.names[name]
	if !ok {
		return chain.NameData{}, fmt.Errorf("name not found: %q", name)
	}
	return d, nil
}

func (w *Wallet) GetTxOut(_ context.Context, txid string, vout uint32) (*chain.TxOutInfo, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "gettxout"); err != nil {
		return nil, err
	}
	c, ok := w.net.coins[chain.TxIn{Txid: txid, Vout: vout}]
	if !ok {
		return nil, nil
	}
	return &chain.TxOutInfo{BestBlock: w.net.tip, Confirmations: 1, Value: c.value}, nil
}

func (w *Wallet) GetBlockHeader(_ context.Context, hash string) (chain.BlockHeader, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "getblockheader"); err != nil {
		return chain.BlockHeader{}, err
	}
	h, ok := w.net.blocks[hash]
	if !ok {
		return chain.BlockHeader{}, fmt.Errorf("block not found: %q", hash)
	}
	return h, nil
}

func (w *Wallet) WalletCreateFundedPsbt(_ context.Context, inputs []chain.TxInput, outputs []chain.Output, opts chain.FundOptions) (string, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "walletcreatefundedpsbt"); err != nil {
		return "", err
	}
	w.net.feeRate[w.name] = opts.FeeRate

	p := &psbtData{signed: make(map[int]bool)}
	var need chain.Amount = Fee
	for _, o := range outputs {
		need += o.Amount
	}
	var have chain.Amount
	for _, in := range inputs {
		c, ok := w.net.coins[chain.TxIn{Txid: in.Txid, Vout: in.Vout}]
		if !ok {
			return "", fmt.Errorf("unknown input %s:%d", in.Txid, in.Vout)
		}
		p.vin = append(p.vin, chain.TxIn{Txid: in.Txid, Vout: in.Vout})
		have += c.value
	}
	for _, in := range w.spendable() {
		if have >= need {
			break
		}
		p.vin = append(p.vin, in)
		have += w.net.coins[in].value
	}
	if have < need {
		return "", fmt.Errorf("insufficient funds: have %s, need %s", have, need)
	}
	for _, o := range outputs {
		p.vout = append(p.vout, w.output(o))
	}
	if change := have - need; change > 0 {
		p.vout = append(p.vout, w.output(chain.Output{Address: w.net.newAddress(w.name), Amount: change}))
	}
	renumber(p)
	return w.net.store(p), nil
}

// spendable returns the wallet's currency coins in a stable order.
func (w *Wallet) spendable() []chain.TxIn {
	var res []chain.TxIn
	for in, c := range w.net.coins {
		if c.owner == w.name && c.nameOp == nil {
			res = append(res, in)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Txid != res[j].Txid {
			return res[i].Txid < res[j].Txid
		}
		return res[i].Vout < res[j].Vout
	})
	return res
}

func (w *Wallet) output(o chain.Output) chain.TxOut {
	return chain.TxOut{Value: o.Amount, ScriptPubKey: chain.ScriptPubKey{Address: o.Address}}
}

func renumber(p *psbtData) {
	for i := range p.vout {
		p.vout[i].N = i
	}
}

func (w *Wallet) CreatePsbt(_ context.Context, inputs []chain.TxInput, outputs []chain.Output) (string, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "createpsbt"); err != nil {
		return "", err
	}
	p := &psbtData{signed: make(map[int]bool)}
	for _, in := range inputs {
		p.vin = append(p.vin, chain.TxIn{Txid: in.Txid, Vout: in.Vout})
	}
	for _, o := range outputs {
		p.vout = append(p.vout, w.output(o))
	}
	renumber(p)
	return w.net.store(p), nil
}

func (w *Wallet) NamePsbt(_ context.Context, id string, vout int, op chain.NameOperation) (string, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "namepsbt"); err != nil {
		return "", err
	}
	src, err := w.net.load(id)
	if err != nil {
		return "", err
	}
	if vout < 0 || vout >= len(src.vout) {
		return "", fmt.Errorf("vout %d out of range", vout)
	}
	p := src.clone()
	p.vout[vout].ScriptPubKey.NameOp = &chain.NameOp{Op: op.Op, Name: op.Name, Value: op.Value}
	return w.net.store(p), nil
}

func (w *Wallet) JoinPsbts(_ context.Context, ids []string) (string, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "joinpsbts"); err != nil {
		return "", err
	}
	p := &psbtData{signed: make(map[int]bool)}
	for _, id := range ids {
		src, err := w.net.load(id)
		if err != nil {
			return "", err
		}
		off := len(p.vin)
		p.vin = append(p.vin, src.vin...)
		p.vout = append(p.vout, src.clone().vout...)
		for i, s := range src.signed {
			p.signed[off+i] = s
		}
	}
	renumber(p)
	return w.net.store(p), nil
}

func (w *Wallet) DecodePsbt(_ context.Context, id string) (chain.DecodedPsbt, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "decodepsbt"); err != nil {
		return chain.DecodedPsbt{}, err
	}
	p, err := w.net.load(id)
	if err != nil {
		return chain.DecodedPsbt{}, err
	}
	c := p.clone()
	res := chain.DecodedPsbt{Tx: chain.RawTx{Vin: c.vin, Vout: c.vout}}
	for i := range c.vin {
		var in chain.PsbtInput
		if c.signed[i] {
			in.FinalScriptWitness = []string{fmt.Sprintf("sig %d", i)}
		}
		res.Inputs = append(res.Inputs, in)
	}
	for range c.vout {
		res.Outputs = append(res.Outputs, json.RawMessage(`{}`))
	}
	return res, nil
}

func (w *Wallet) WalletProcessPsbt(_ context.Context, id string) (chain.ProcessedPsbt, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "walletprocesspsbt"); err != nil {
		return chain.ProcessedPsbt{}, err
	}
	src, err := w.net.load(id)
	if err != nil {
		return chain.ProcessedPsbt{}, err
	}
	p := src.clone()
	for i, in := range p.vin {
		if c, ok := w.net.coins[in]; ok && c.owner == w.name {
			p.signed[i] = true
		}
	}
	return chain.ProcessedPsbt{Psbt: w.net.store(p), Complete: w.net.complete(p)}, nil
}

func (w *Wallet) CombinePsbt(_ context.Context, ids []string) (string, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "combinepsbt"); err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no psbts to combine")
	}
	first, err := w.net.load(ids[0])
	if err != nil {
		return "", err
	}
	p := first.clone()
	for _, id := range ids[1:] {
		o, err := w.net.load(id)
		if err != nil {
			return "", err
		}
		if !p.sameTx(o) {
			return "", fmt.Errorf("psbts do not refer to the same transaction")
		}
		for i, s := range o.signed {
			p.signed[i] = p.signed[i] || s
		}
	}
	return w.net.store(p), nil
}

func (w *Wallet) FinalizePsbt(_ context.Context, id string) (chain.FinalizedPsbt, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "finalizepsbt"); err != nil {
		return chain.FinalizedPsbt{}, err
	}
	p, err := w.net.load(id)
	if err != nil {
		return chain.FinalizedPsbt{}, err
	}
	if !w.net.complete(p) {
		return chain.FinalizedPsbt{Psbt: id}, nil
	}
	hex := fmt.Sprintf("rawtx %d", w.net.next())
	w.net.raw[hex] = p.clone()
	return chain.FinalizedPsbt{Hex: hex, Complete: true}, nil
}

func (w *Wallet) SendRawTransaction(_ context.Context, hex string) (string, error) {
	w.net.mu.Lock()
	defer w.net.mu.Unlock()
	if err := w.net.check(w.name, "sendrawtransaction"); err != nil {
		return "", err
	}
	p, ok := w.net.raw[hex]
	if !ok {
		return "", fmt.Errorf("unknown transaction %q", hex)
	}
	for _, in := range p.vin {
		if _, ok := w.net.coins[in]; !ok {
			return "", fmt.Errorf("input %s:%d is spent", in.Txid, in.Vout)
		}
	}
	for _, in := range p.vin {
		delete(w.net.coins, in)
	}
	txid := fmt.Sprintf("txid %d", w.net.next())
	for i, out := range p.vout {
		addr := out.ScriptPubKey.Address
		c := &coin{owner: w.net.owners[addr], address: addr, value: out.Value, nameOp: out.ScriptPubKey.NameOp}
		w.net.coins[chain.TxIn{Txid: txid, Vout: uint32(i)}] = c
		if op := c.nameOp; op != nil {
			w.net.names[op.Name] = chain.NameData{Name: op.Name, Value: op.Value, Txid: txid, Vout: uint32(i), Address: addr}
		}
	}
	w.net.sent = append(w.net.sent, chain.RawTx{Txid: txid, Vin: p.vin, Vout: p.vout})
	delete(w.net.raw, hex)
	return txid, nil
}
