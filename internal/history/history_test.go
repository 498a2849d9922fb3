package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/codec"
	"github.com/klingon-exchange/klingon-custody/internal/storage"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

const (
	ethAddr   = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	otherAddr = "0x1111111111111111111111111111111111111111"
	incoAddr  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	btcAddr   = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"
	btcOther  = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"
)

type fakeAccount struct {
	mu         sync.Mutex
	native     []backend.EtherscanTx
	token      []backend.EtherscanTx
	err        error
	block      bool
	txCalls    int
	tokenCalls int
	contract   string
}

func (f *fakeAccount) TxList(ctx context.Context, address string) ([]backend.EtherscanTx, error) {
	f.mu.Lock()
	f.txCalls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.native, f.err
}

func (f *fakeAccount) TokenTxList(ctx context.Context, address, contract string) ([]backend.EtherscanTx, error) {
	f.mu.Lock()
	f.tokenCalls++
	f.contract = contract
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.token, f.err
}

type fakeUTXO struct {
	raw *backend.RawAddr
	err error
}

func (f *fakeUTXO) RawAddr(ctx context.Context, address string) (*backend.RawAddr, error) {
	return f.raw, f.err
}

type fakeWallets []*wallet.Wallet

func (f fakeWallets) ListWallets(ctx context.Context, owner string) ([]*wallet.Wallet, error) {
	return f, nil
}

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestReconciler(store *storage.Storage, account AccountExplorer, utxo UTXOExplorer) *Reconciler {
	return NewReconciler(&Config{
		Storage: store,
		Account: account,
		UTXO:    utxo,
		Codec:   codec.New(&chain.TokenInfo{Symbol: "INCO", Decimals: 18, Address: incoAddr}),
		Timeout: 50 * time.Millisecond,
		Links:   Links{AccountTx: "https://etherscan.io/", BTCTx: "https://www.blockchain.com/btc"},
		Logger:  logging.Discard(),
	})
}

func etherscanRows() (native, token []backend.EtherscanTx) {
	native = []backend.EtherscanTx{
		{Hash: "0xaaa", TimeStamp: "1700000100", BlockNumber: "100", From: otherAddr, To: ethAddr,
			Value: "1000000000000000000", GasUsed: "21000", GasPrice: "2000000000"},
		{Hash: "0xbbb", TimeStamp: "1700000200", BlockNumber: "101", From: ethAddr, To: incoAddr,
			Value: "0", GasUsed: "50000", GasPrice: "1000000000"},
	}
	token = []backend.EtherscanTx{
		{Hash: "0xbbb", TimeStamp: "1700000200", BlockNumber: "101", From: ethAddr, To: otherAddr,
			Value: "5000000000000000000", GasUsed: "50000", GasPrice: "1000000000",
			ContractAddress: incoAddr, TokenSymbol: "INCO", TokenDecimal: "18"},
	}
	return native, token
}

func TestFetchHistoryAccount(t *testing.T) {
	store := newTestStorage(t)
	native, token := etherscanRows()
	account := &fakeAccount{native: native, token: token}
	r := newTestReconciler(store, account, nil)

	txs, err := r.FetchHistory(context.Background(), ethAddr, chain.AssetUnknown)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("len(txs) = %d, want 3", len(txs))
	}
	if account.contract != strings.ToLower(incoAddr) {
		t.Errorf("tokentx contract = %s, want %s", account.contract, strings.ToLower(incoAddr))
	}

	// Same timestamp: ordered by hash, then contract ("" before the token).
	want := []struct {
		hash     string
		contract string
		symbol   chain.Asset
	}{
		{"0xbbb", "", chain.AssetETH},
		{"0xbbb", strings.ToLower(incoAddr), chain.AssetINCO},
		{"0xaaa", "", chain.AssetETH},
	}
	for i, w := range want {
		if txs[i].Hash != w.hash || txs[i].Contract != w.contract || txs[i].Symbol != w.symbol {
			t.Errorf("txs[%d] = (%s, %q, %s), want (%s, %q, %s)",
				i, txs[i].Hash, txs[i].Contract, txs[i].Symbol, w.hash, w.contract, w.symbol)
		}
	}

	first := txs[2]
	if first.Value != "1" {
		t.Errorf("Value = %s, want 1", first.Value)
	}
	if first.RawFee != "42000000000000" {
		t.Errorf("RawFee = %s, want 42000000000000", first.RawFee)
	}
	if first.Fee != "0.000042" {
		t.Errorf("Fee = %s, want 0.000042", first.Fee)
	}
	if first.Details != "https://etherscan.io/tx/0xaaa" {
		t.Errorf("Details = %s, want https://etherscan.io/tx/0xaaa", first.Details)
	}
	if txs[1].Value != "5" {
		t.Errorf("token Value = %s, want 5", txs[1].Value)
	}

	n, err := store.CountTransactions()
	if err != nil {
		t.Fatalf("CountTransactions() error = %v", err)
	}
	if n != 3 {
		t.Errorf("stored rows = %d, want 3", n)
	}
}

func TestFetchHistorySkipsFailedTransactions(t *testing.T) {
	tests := []struct {
		name string
		row  backend.EtherscanTx
	}{
		{"isError", backend.EtherscanTx{Hash: "0xdead", TimeStamp: "1700000300", From: ethAddr, To: otherAddr,
			Value: "1000000000000000000", GasUsed: "21000", GasPrice: "1", IsError: "1"}},
		{"reverted receipt", backend.EtherscanTx{Hash: "0xdead", TimeStamp: "1700000300", From: ethAddr, To: otherAddr,
			Value: "1000000000000000000", GasUsed: "21000", GasPrice: "1", TxReceiptStatus: "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStorage(t)
			native, _ := etherscanRows()
			native = append(native, tt.row)
			r := newTestReconciler(store, &fakeAccount{native: native}, nil)

			txs, err := r.FetchHistory(context.Background(), ethAddr, chain.AssetUnknown)
			if err != nil {
				t.Fatalf("FetchHistory() error = %v", err)
			}
			if len(txs) != 2 {
				t.Errorf("len(txs) = %d, want 2", len(txs))
			}
			for _, tx := range txs {
				if tx.Hash == "0xdead" {
					t.Errorf("failed transaction %s returned", tx.Hash)
				}
			}
			n, _ := store.CountTransactions()
			if n != 2 {
				t.Errorf("stored rows = %d, want 2", n)
			}
		})
	}
}

func TestFetchHistoryIdempotent(t *testing.T) {
	store := newTestStorage(t)
	native, token := etherscanRows()
	r := newTestReconciler(store, &fakeAccount{native: native, token: token}, nil)

	for i := 0; i < 3; i++ {
		if _, err := r.FetchHistory(context.Background(), ethAddr, chain.AssetUnknown); err != nil {
			t.Fatalf("FetchHistory() error = %v", err)
		}
	}

	n, _ := store.CountTransactions()
	if n != 3 {
		t.Errorf("stored rows = %d, want 3", n)
	}
}

func TestFetchHistoryFilter(t *testing.T) {
	tests := []struct {
		name       string
		filter     chain.Asset
		wantTx     int
		wantToken  int
		wantLen    int
		wantSymbol chain.Asset
	}{
		{"eth only", chain.AssetETH, 1, 0, 2, chain.AssetETH},
		{"inco only", chain.AssetINCO, 0, 1, 1, chain.AssetINCO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			native, token := etherscanRows()
			account := &fakeAccount{native: native, token: token}
			r := newTestReconciler(newTestStorage(t), account, nil)

			txs, err := r.FetchHistory(context.Background(), ethAddr, tt.filter)
			if err != nil {
				t.Fatalf("FetchHistory() error = %v", err)
			}
			if account.txCalls != tt.wantTx || account.tokenCalls != tt.wantToken {
				t.Errorf("calls = (%d, %d), want (%d, %d)", account.txCalls, account.tokenCalls, tt.wantTx, tt.wantToken)
			}
			if len(txs) != tt.wantLen {
				t.Fatalf("len(txs) = %d, want %d", len(txs), tt.wantLen)
			}
			for _, tx := range txs {
				if tx.Symbol != tt.wantSymbol {
					t.Errorf("Symbol = %s, want %s", tx.Symbol, tt.wantSymbol)
				}
			}
		})
	}
}

func seedStore(t *testing.T, store *storage.Storage) {
	t.Helper()
	rows := []*storage.TxRecord{
		{Hash: "0x01", From: ethAddr, To: otherAddr, Value: "1", Fee: "1", Symbol: "ETH", Timestamp: 10},
		{Hash: "0x02", From: otherAddr, To: "0x742D35CC6634C0532925A3B844BC454E4438F44E", Value: "2", Fee: "1", Symbol: "ETH", Timestamp: 30},
		{Hash: "0x03", Contract: incoAddr, From: otherAddr, To: ethAddr, Value: "3", Fee: "1", Symbol: "INCO", Timestamp: 20},
		{Hash: "0x04", From: otherAddr, To: otherAddr, Value: "4", Fee: "1", Symbol: "ETH", Timestamp: 40},
	}
	for _, row := range rows {
		if _, err := store.SaveTransaction(row); err != nil {
			t.Fatalf("SaveTransaction() error = %v", err)
		}
	}
}

func TestFetchHistoryTimeoutServesStore(t *testing.T) {
	store := newTestStorage(t)
	seedStore(t, store)
	r := newTestReconciler(store, &fakeAccount{block: true}, nil)

	start := time.Now()
	txs, err := r.FetchHistory(context.Background(), ethAddr, chain.AssetUnknown)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("FetchHistory took %v, want bounded by the explorer timeout", elapsed)
	}

	if len(txs) != 3 {
		t.Fatalf("len(txs) = %d, want 3", len(txs))
	}
	wantOrder := []string{"0x02", "0x03", "0x01"}
	for i, h := range wantOrder {
		if txs[i].Hash != h {
			t.Errorf("txs[%d].Hash = %s, want %s", i, txs[i].Hash, h)
		}
	}
}

func TestFetchHistoryErrorServesStoreFiltered(t *testing.T) {
	store := newTestStorage(t)
	seedStore(t, store)
	r := newTestReconciler(store, &fakeAccount{err: errors.New("502 bad gateway")}, nil)

	txs, err := r.FetchHistory(context.Background(), ethAddr, chain.AssetINCO)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(txs) != 1 || txs[0].Hash != "0x03" {
		t.Errorf("txs = %v, want only 0x03", txs)
	}
}

func TestFetchHistoryEmptyServesStore(t *testing.T) {
	store := newTestStorage(t)
	seedStore(t, store)
	r := newTestReconciler(store, &fakeAccount{}, nil)

	txs, err := r.FetchHistory(context.Background(), ethAddr, chain.AssetETH)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(txs) != 2 {
		t.Errorf("len(txs) = %d, want 2", len(txs))
	}
}

func TestFetchHistoryNothingAnywhere(t *testing.T) {
	r := newTestReconciler(newTestStorage(t), &fakeAccount{err: errors.New("down")}, nil)

	txs, err := r.FetchHistory(context.Background(), ethAddr, chain.AssetUnknown)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if txs == nil || len(txs) != 0 {
		t.Errorf("txs = %v, want empty non-nil slice", txs)
	}
}

func TestFetchHistoryUTXO(t *testing.T) {
	height := int64(800000)
	raw := &backend.RawAddr{
		Address: btcAddr,
		Txs: []backend.RawTx{
			{
				// Incoming: btcOther pays 50000 to btcAddr, 10000 change back.
				Hash: "in", Time: 100, BlockHeight: &height,
				Inputs: []backend.RawInput{{PrevOut: &backend.RawOutput{Addr: btcOther, Value: 70000}}},
				Out: []backend.RawOutput{
					{Addr: btcAddr, Value: 50000, N: 0},
					{Addr: btcOther, Value: 10000, N: 1},
				},
			},
			{
				// Outgoing: btcAddr sends 30000, 8000 change, 12000 fee.
				Hash: "out", Time: 200,
				Inputs: []backend.RawInput{{PrevOut: &backend.RawOutput{Addr: btcAddr, Value: 50000}}},
				Out: []backend.RawOutput{
					{Addr: btcOther, Value: 30000, N: 0},
					{Addr: btcAddr, Value: 8000, N: 1},
				},
			},
		},
	}
	store := newTestStorage(t)
	r := newTestReconciler(store, nil, &fakeUTXO{raw: raw})

	txs, err := r.FetchHistory(context.Background(), btcAddr, chain.AssetUnknown)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len(txs) = %d, want 2", len(txs))
	}

	out, in := txs[0], txs[1]
	if out.Hash != "out" || out.From != btcAddr || out.To != btcOther {
		t.Errorf("outgoing = %s %s->%s, want out %s->%s", out.Hash, out.From, out.To, btcAddr, btcOther)
	}
	if out.RawValue != "30000" || out.RawFee != "12000" {
		t.Errorf("outgoing value/fee = %s/%s, want 30000/12000", out.RawValue, out.RawFee)
	}
	if out.Value != "0.0003" {
		t.Errorf("outgoing Value = %s, want 0.0003", out.Value)
	}
	if out.BlockNumber != "" {
		t.Errorf("unconfirmed BlockNumber = %q, want empty", out.BlockNumber)
	}
	if out.Details != "https://www.blockchain.com/btc/tx/out" {
		t.Errorf("Details = %s", out.Details)
	}

	if in.From != btcOther || in.To != btcAddr || in.RawValue != "50000" || in.RawFee != "10000" {
		t.Errorf("incoming = %s->%s value %s fee %s, want %s->%s value 50000 fee 10000",
			in.From, in.To, in.RawValue, in.RawFee, btcOther, btcAddr)
	}
	if in.BlockNumber != "800000" {
		t.Errorf("BlockNumber = %s, want 800000", in.BlockNumber)
	}
	if in.Symbol != chain.AssetBTC {
		t.Errorf("Symbol = %s, want BTC", in.Symbol)
	}
}

func TestFetchHistoryCorrectsSymbol(t *testing.T) {
	store := newTestStorage(t)
	_, token := etherscanRows()
	// Recorded before the token contract was configured.
	if _, err := store.SaveTransaction(&storage.TxRecord{
		Hash: "0xbbb", Contract: incoAddr, From: ethAddr, To: otherAddr,
		Value: "5000000000000000000", Fee: "0", Symbol: "ETH", Timestamp: 1700000200,
	}); err != nil {
		t.Fatalf("SaveTransaction() error = %v", err)
	}

	r := newTestReconciler(store, &fakeAccount{token: token}, nil)
	if _, err := r.FetchHistory(context.Background(), ethAddr, chain.AssetINCO); err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}

	got, err := store.GetTransaction("0xbbb", incoAddr)
	if err != nil || got == nil {
		t.Fatalf("GetTransaction() = %v, %v", got, err)
	}
	if got.Symbol != "INCO" {
		t.Errorf("Symbol = %s, want INCO", got.Symbol)
	}
}

func TestFetchOwnerHistory(t *testing.T) {
	store := newTestStorage(t)
	native, token := etherscanRows()
	height := int64(10)
	utxo := &fakeUTXO{raw: &backend.RawAddr{Txs: []backend.RawTx{{
		Hash: "btc1", Time: 1700000150, BlockHeight: &height,
		Inputs: []backend.RawInput{{PrevOut: &backend.RawOutput{Addr: btcOther, Value: 2000}}},
		Out:    []backend.RawOutput{{Addr: btcAddr, Value: 1000}},
	}}}}

	account := &fakeAccount{native: native, token: token}
	r := NewReconciler(&Config{
		Storage: store,
		Account: account,
		UTXO:    utxo,
		Wallets: fakeWallets{
			{Asset: chain.AssetETH, Address: ethAddr},
			{Asset: chain.AssetINCO, Address: ethAddr},
			{Asset: chain.AssetBTC, Address: btcAddr},
		},
		Codec:  codec.New(&chain.TokenInfo{Symbol: "INCO", Decimals: 18, Address: incoAddr}),
		Logger: logging.Discard(),
	})

	txs, err := r.FetchOwnerHistory(context.Background(), "user-1", chain.AssetUnknown)
	if err != nil {
		t.Fatalf("FetchOwnerHistory() error = %v", err)
	}
	if len(txs) != 4 {
		t.Fatalf("len(txs) = %d, want 4", len(txs))
	}
	// Both account wallets share an address, which is queried once.
	if account.txCalls != 1 || account.tokenCalls != 1 {
		t.Errorf("explorer calls = (%d, %d), want (1, 1)", account.txCalls, account.tokenCalls)
	}
	wantHashes := []string{"0xbbb", "0xbbb", "btc1", "0xaaa"}
	for i, h := range wantHashes {
		if txs[i].Hash != h {
			t.Errorf("txs[%d].Hash = %s, want %s", i, txs[i].Hash, h)
		}
	}

	btcOnly, err := r.FetchOwnerHistory(context.Background(), "user-1", chain.AssetBTC)
	if err != nil {
		t.Fatalf("FetchOwnerHistory(BTC) error = %v", err)
	}
	if len(btcOnly) != 1 || btcOnly[0].Hash != "btc1" {
		t.Errorf("BTC history = %v, want only btc1", btcOnly)
	}
}

func TestRecord(t *testing.T) {
	store := newTestStorage(t)
	r := newTestReconciler(store, nil, nil)

	rec := &storage.TxRecord{Hash: "0xfeed", From: ethAddr, To: otherAddr, Value: "1", Symbol: "ETH", Timestamp: 1}
	inserted, err := r.Record(context.Background(), rec)
	if err != nil || !inserted {
		t.Fatalf("Record() = %v, %v, want true, nil", inserted, err)
	}
	inserted, err = r.Record(context.Background(), rec)
	if err != nil || inserted {
		t.Errorf("second Record() = %v, %v, want false, nil", inserted, err)
	}

	if _, err := r.Record(context.Background(), &storage.TxRecord{}); err == nil {
		t.Error("Record() without hash error = nil, want error")
	}
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		address string
		filter  chain.Asset
		want    chain.Family
	}{
		{ethAddr, chain.AssetUnknown, chain.FamilyAccount},
		{btcAddr, chain.AssetUnknown, chain.FamilyUTXO},
		{"742d35cc6634c0532925a3b844bc454e4438f44e", chain.AssetUnknown, chain.FamilyUTXO},
		{btcAddr, chain.AssetINCO, chain.FamilyAccount},
	}
	for _, tt := range tests {
		if got := familyOf(tt.address, tt.filter); got != tt.want {
			t.Errorf("familyOf(%s, %s) = %s, want %s", tt.address, tt.filter, got, tt.want)
		}
	}
}
