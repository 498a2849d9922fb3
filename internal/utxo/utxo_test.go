package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// Well-known mainnet addresses used as destinations.
const (
	destP2PKH  = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"
	destP2SH   = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"
	destBech32 = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
)

type keySigner struct {
	key   *btcec.PrivateKey
	mu    sync.Mutex
	calls int
}

func (s *keySigner) Sign(ctx context.Context, w *wallet.Wallet, payload []byte) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return ecdsa.Sign(s.key, payload).Serialize(), nil
}

type fakeSource struct {
	utxos []backend.UTXO
	err   error
	calls int
}

func (f *fakeSource) UnspentOutputs(ctx context.Context, address string) ([]backend.UTXO, error) {
	f.calls++
	return f.utxos, f.err
}

type fakeRelay struct {
	raw   []string
	err   error
	calls int
}

func (f *fakeRelay) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.raw = append(f.raw, rawTxHex)
	return "", nil
}

func testKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x11}, 32))
	return key
}

func testWallet(t *testing.T, key *btcec.PrivateKey, addrType chain.AddressType) *wallet.Wallet {
	t.Helper()
	params := chain.MustGet("BTC", chain.Mainnet)
	addr, err := wallet.EncodeAddress(key.PubKey(), params, addrType)
	if err != nil {
		t.Fatalf("EncodeAddress() error = %v", err)
	}
	return &wallet.Wallet{
		ID:          "w",
		Owner:       "user-1",
		Asset:       chain.AssetBTC,
		Address:     addr,
		PublicKey:   hex.EncodeToString(key.PubKey().SerializeCompressed()),
		AddressType: addrType,
	}
}

func txid(b byte) string {
	return strings.Repeat(hex.EncodeToString([]byte{b}), 32)
}

func newTestEngine(src Source, relay Relay, signer Signer) *Engine {
	return NewEngine(&Config{
		Source:  src,
		Relay:   relay,
		Signer:  signer,
		Network: chain.Mainnet,
		Logger:  logging.Discard(),
	})
}

// verifyTx executes every input script of rawHex against the outputs it spends.
func verifyTx(t *testing.T, rawHex string, spent []backend.UTXO, sourceAddr string) *wire.MsgTx {
	t.Helper()

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		t.Fatalf("invalid hex: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	addr, err := btcutil.DecodeAddress(sourceAddr, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("DecodeAddress() error = %v", err)
	}
	pkScript, _ := txscript.PayToAddrScript(addr)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(int64(spent[i].Amount), pkScript))
	}
	sigHashes := txscript.NewTxSigHashes(&tx, fetcher)

	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(pkScript, &tx, i, txscript.StandardVerifyFlags, nil, sigHashes, int64(spent[i].Amount), fetcher)
		if err != nil {
			t.Fatalf("NewEngine(input %d) error = %v", i, err)
		}
		if err := vm.Execute(); err != nil {
			t.Errorf("input %d failed script verification: %v", i, err)
		}
	}
	return &tx
}

func TestSelectOldestFirst(t *testing.T) {
	utxos := []backend.UTXO{
		{TxID: "new", Amount: 30000, Confirmations: 1},
		{TxID: "old", Amount: 30000, Confirmations: 100},
		{TxID: "mid", Amount: 30000, Confirmations: 10},
	}

	selected, total, err := Select(utxos, 50000, OldestFirst)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(selected) != 2 || selected[0].TxID != "old" || selected[1].TxID != "mid" {
		t.Errorf("selected = %+v, want old then mid", selected)
	}
	if total != 60000 {
		t.Errorf("total = %d, want 60000", total)
	}

	selected, _, err = Select(utxos, 50000, NewestFirst)
	if err != nil {
		t.Fatalf("Select(newest) error = %v", err)
	}
	if selected[0].TxID != "new" || selected[1].TxID != "mid" {
		t.Errorf("newest-first selected = %+v", selected)
	}
}

func TestSelectStopsEarly(t *testing.T) {
	utxos := []backend.UTXO{
		{TxID: "a", Amount: 100000, Confirmations: 5},
		{TxID: "b", Amount: 1, Confirmations: 4},
	}
	selected, total, err := Select(utxos, 100000, OldestFirst)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(selected) != 1 || total != 100000 {
		t.Errorf("selected %d outputs totalling %d, want 1 output of 100000", len(selected), total)
	}
}

func TestSelectInsufficient(t *testing.T) {
	utxos := []backend.UTXO{{TxID: "a", Amount: 50000}}
	_, total, err := Select(utxos, 52000, OldestFirst)
	if !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("Select() error = %v, want ErrInsufficientFunds", err)
	}
	if total != 50000 {
		t.Errorf("total = %d, want 50000", total)
	}
}

func TestParseOrder(t *testing.T) {
	if o, err := ParseOrder(""); err != nil || o != OldestFirst {
		t.Errorf("ParseOrder(\"\") = %s, %v", o, err)
	}
	if o, err := ParseOrder("newest-first"); err != nil || o != NewestFirst {
		t.Errorf("ParseOrder(newest-first) = %s, %v", o, err)
	}
	if _, err := ParseOrder("largest"); err == nil {
		t.Error("ParseOrder(largest) should fail")
	}
}

func TestSendInsufficientFunds(t *testing.T) {
	key := testKey(t)
	w := testWallet(t, key, chain.AddressP2SH_P2WPKH)
	src := &fakeSource{utxos: []backend.UTXO{
		{TxID: txid(1), Vout: 0, Amount: 30000, Confirmations: 3},
		{TxID: txid(2), Vout: 1, Amount: 20000, Confirmations: 2},
	}}
	relay := &fakeRelay{}
	signer := &keySigner{key: key}

	e := newTestEngine(src, relay, signer)
	_, err := e.Send(context.Background(), w, destP2PKH, "0.0004")
	if errs.KindOf(err) != errs.KindInsufficientFunds {
		t.Fatalf("Send() kind = %s (%v), want InsufficientFundsError", errs.KindOf(err), err)
	}
	if relay.calls != 0 {
		t.Errorf("relay called %d times, want 0", relay.calls)
	}
	if signer.calls != 0 {
		t.Errorf("signer called %d times, want 0", signer.calls)
	}
}

func TestSendNestedSegwit(t *testing.T) {
	key := testKey(t)
	w := testWallet(t, key, chain.AddressP2SH_P2WPKH)
	utxos := []backend.UTXO{
		{TxID: txid(1), Vout: 0, Amount: 50000, Confirmations: 10},
		{TxID: txid(2), Vout: 3, Amount: 40000, Confirmations: 5},
		{TxID: txid(3), Vout: 1, Amount: 70000, Confirmations: 1},
	}
	src := &fakeSource{utxos: utxos}
	relay := &fakeRelay{}
	signer := &keySigner{key: key}

	e := newTestEngine(src, relay, signer)
	sent, err := e.Send(context.Background(), w, destBech32, "0.0006")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(sent.Inputs) != 2 {
		t.Fatalf("len(Inputs) = %d, want 2 (oldest two)", len(sent.Inputs))
	}
	if sent.Inputs[0].TxID != txid(1) || sent.Inputs[1].TxID != txid(2) {
		t.Errorf("inputs not consumed oldest first: %+v", sent.Inputs)
	}

	var outTotal uint64
	for _, o := range sent.Outputs {
		outTotal += o.Value
	}
	if outTotal != sent.InputTotal()-sent.Fee {
		t.Errorf("outputs %d != inputs %d - fee %d", outTotal, sent.InputTotal(), sent.Fee)
	}
	if sent.Outputs[0].Value != 60000 || sent.Outputs[0].Address != destBech32 {
		t.Errorf("destination output = %+v", sent.Outputs[0])
	}
	if len(sent.Outputs) != 2 || !sent.Outputs[1].Change || sent.Outputs[1].Value != 18000 {
		t.Errorf("change output = %+v, want 18000 back to source", sent.Outputs)
	}
	if sent.Outputs[1].Address != w.Address {
		t.Errorf("change address = %s, want %s", sent.Outputs[1].Address, w.Address)
	}

	if relay.calls != 1 {
		t.Fatalf("relay called %d times, want 1", relay.calls)
	}
	if relay.raw[0] != sent.RawHex {
		t.Error("relay received different raw tx")
	}
	if signer.calls != 2 {
		t.Errorf("signer called %d times, want one per input", signer.calls)
	}

	tx := verifyTx(t, sent.RawHex, sent.Inputs, w.Address)
	if tx.TxHash().String() != sent.Hash {
		t.Errorf("Hash = %s, want %s", sent.Hash, tx.TxHash())
	}
	for i, in := range tx.TxIn {
		if len(in.Witness) != 2 {
			t.Errorf("input %d witness items = %d, want 2", i, len(in.Witness))
		}
	}
}

func TestSendDustChange(t *testing.T) {
	// 48000 to the destination plus the 12000 floor leaves the extra as change.
	tests := []struct {
		name        string
		extra       uint64
		wantOutputs int
		wantFee     uint64
	}{
		{"no change", 0, 1, DefaultFeeFloor},
		{"dust folded into fee", 300, 1, DefaultFeeFloor + 300},
		{"one below limit", DustLimit - 1, 1, DefaultFeeFloor + DustLimit - 1},
		{"at limit", DustLimit, 2, DefaultFeeFloor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := testKey(t)
			w := testWallet(t, key, chain.AddressP2SH_P2WPKH)
			src := &fakeSource{utxos: []backend.UTXO{
				{TxID: txid(4), Vout: 0, Amount: 60000 + tt.extra, Confirmations: 3},
			}}
			e := newTestEngine(src, &fakeRelay{}, &keySigner{key: key})

			sent, err := e.Send(context.Background(), w, destBech32, "0.00048")
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if len(sent.Outputs) != tt.wantOutputs {
				t.Fatalf("len(Outputs) = %d, want %d: %+v", len(sent.Outputs), tt.wantOutputs, sent.Outputs)
			}
			if sent.Fee != tt.wantFee {
				t.Errorf("Fee = %d, want %d", sent.Fee, tt.wantFee)
			}
			if sent.Fee < e.FeeFloor() {
				t.Errorf("Fee = %d, below floor %d", sent.Fee, e.FeeFloor())
			}

			var outTotal uint64
			for _, o := range sent.Outputs {
				outTotal += o.Value
			}
			if outTotal+sent.Fee != sent.InputTotal() {
				t.Errorf("outputs %d + fee %d != inputs %d", outTotal, sent.Fee, sent.InputTotal())
			}

			tx := verifyTx(t, sent.RawHex, sent.Inputs, w.Address)
			if len(tx.TxOut) != tt.wantOutputs {
				t.Errorf("serialized outputs = %d, want %d", len(tx.TxOut), tt.wantOutputs)
			}
		})
	}
}

func TestSendLegacy(t *testing.T) {
	key := testKey(t)
	w := testWallet(t, key, chain.AddressP2PKH)
	src := &fakeSource{utxos: []backend.UTXO{
		{TxID: txid(7), Vout: 2, Amount: 112000, Confirmations: 6},
	}}
	relay := &fakeRelay{}

	e := newTestEngine(src, relay, &keySigner{key: key})
	sent, err := e.Send(context.Background(), w, destP2SH, "0.001")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// 112000 - 100000 - 12000 leaves nothing for change.
	if len(sent.Outputs) != 1 {
		t.Errorf("len(Outputs) = %d, want 1 (no change)", len(sent.Outputs))
	}

	tx := verifyTx(t, sent.RawHex, sent.Inputs, w.Address)
	if len(tx.TxIn[0].Witness) != 0 {
		t.Error("legacy input should not carry a witness")
	}
}

func TestSendInvalidDestination(t *testing.T) {
	key := testKey(t)
	w := testWallet(t, key, chain.AddressP2SH_P2WPKH)
	src := &fakeSource{utxos: []backend.UTXO{{TxID: txid(1), Amount: 1000000, Confirmations: 1}}}
	relay := &fakeRelay{}
	signer := &keySigner{key: key}

	e := newTestEngine(src, relay, signer)

	for _, dest := range []string{"not-an-address", "0x5e3845A1d78DB544613EdbE43Dc1Ea497266d3b8", "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn"} {
		_, err := e.Send(context.Background(), w, dest, "0.001")
		if errs.KindOf(err) != errs.KindInvalidDestination {
			t.Errorf("Send(%s) kind = %s, want InvalidDestinationError", dest, errs.KindOf(err))
		}
	}
	if signer.calls != 0 || relay.calls != 0 {
		t.Errorf("signer/relay called (%d/%d), want none", signer.calls, relay.calls)
	}
}

func TestSendBroadcastFailure(t *testing.T) {
	key := testKey(t)
	w := testWallet(t, key, chain.AddressP2SH_P2WPKH)
	src := &fakeSource{utxos: []backend.UTXO{{TxID: txid(1), Amount: 1000000, Confirmations: 1}}}
	relay := &fakeRelay{err: backend.ErrBroadcastFailed}

	e := newTestEngine(src, relay, &keySigner{key: key})
	_, err := e.Send(context.Background(), w, destP2PKH, "0.001")
	if !errors.Is(err, errs.ErrBroadcast) {
		t.Fatalf("Send() error = %v, want ErrBroadcast", err)
	}
	if relay.calls != 1 {
		t.Errorf("relay called %d times, want exactly 1 (no retry)", relay.calls)
	}
}

func TestSendSourceUnavailable(t *testing.T) {
	key := testKey(t)
	w := testWallet(t, key, chain.AddressP2SH_P2WPKH)
	src := &fakeSource{err: backend.ErrRateLimited}

	e := newTestEngine(src, &fakeRelay{}, &keySigner{key: key})
	_, err := e.Send(context.Background(), w, destP2PKH, "0.001")
	if !errors.Is(err, errs.ErrExplorerUnavailable) {
		t.Errorf("Send() error = %v, want ErrExplorerUnavailable", err)
	}
}

func TestSendRejectsBadAmounts(t *testing.T) {
	key := testKey(t)
	w := testWallet(t, key, chain.AddressP2SH_P2WPKH)
	src := &fakeSource{}

	e := newTestEngine(src, &fakeRelay{}, &keySigner{key: key})
	for _, amount := range []string{"0", "-1", "abc", "0.000000001"} {
		_, err := e.Send(context.Background(), w, destP2PKH, amount)
		if !errors.Is(err, errs.ErrInvalidAmount) {
			t.Errorf("Send(amount=%s) error = %v, want ErrInvalidAmount", amount, err)
		}
	}
	if src.calls != 0 {
		t.Errorf("source called %d times, want 0", src.calls)
	}
}

func TestSendRejectsAccountWallet(t *testing.T) {
	e := newTestEngine(&fakeSource{}, &fakeRelay{}, &keySigner{key: testKey(t)})
	_, err := e.Send(context.Background(), &wallet.Wallet{Asset: chain.AssetETH}, destP2PKH, "1")
	if !errors.Is(err, errs.ErrUnsupportedAsset) {
		t.Errorf("Send() error = %v, want ErrUnsupportedAsset", err)
	}
}
