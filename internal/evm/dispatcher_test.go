package evm

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/codec"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

const (
	testChainID  = 11155111
	testDest     = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	testContract = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

type fakeNode struct {
	nonce     uint64
	nonceErr  error
	gasPrice  *big.Int
	gasErr    error
	sendErr   error
	sent      []*types.Transaction
	receipt   *types.Receipt
	receiptEr error
}

func (f *fakeNode) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(testChainID), nil
}

func (f *fakeNode) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeNode) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, f.gasErr
}

func (f *fakeNode) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeNode) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptEr
}

type keySigner struct {
	key   *btcec.PrivateKey
	calls int
}

func (s *keySigner) Sign(ctx context.Context, w *wallet.Wallet, payload []byte) ([]byte, error) {
	s.calls++
	return crypto.Sign(payload, s.key.ToECDSA())
}

func testKey() *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x22}, 32))
	return key
}

func testWallet(t *testing.T, key *btcec.PrivateKey, asset chain.Asset) *wallet.Wallet {
	t.Helper()
	params := chain.MustGet("ETH", chain.Testnet)
	addr, err := wallet.EncodeAddress(key.PubKey(), params, chain.AddressEVM)
	if err != nil {
		t.Fatalf("EncodeAddress() error = %v", err)
	}
	return &wallet.Wallet{
		ID:          "w",
		Owner:       "user-1",
		Asset:       asset,
		Address:     addr,
		PublicKey:   hex.EncodeToString(key.PubKey().SerializeCompressed()),
		AddressType: chain.AddressEVM,
	}
}

func newTestDispatcher(node *fakeNode, signer Signer) *Dispatcher {
	return NewDispatcher(&Config{
		Node:    node,
		Signer:  signer,
		Codec:   codec.New(&chain.TokenInfo{Symbol: "INCO", Decimals: 18, Address: testContract}),
		ChainID: testChainID,
		Logger:  logging.Discard(),
	})
}

func senderOf(t *testing.T, tx *types.Transaction) common.Address {
	t.Helper()
	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(testChainID)), tx)
	if err != nil {
		t.Fatalf("Sender() error = %v", err)
	}
	return from
}

func TestSendNative(t *testing.T) {
	key := testKey()
	w := testWallet(t, key, chain.AssetETH)
	node := &fakeNode{nonce: 7, gasPrice: big.NewInt(3_000_000_000)}
	signer := &keySigner{key: key}
	d := newTestDispatcher(node, signer)

	sent, err := d.Send(context.Background(), w, testDest, "1.0")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(node.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(node.sent))
	}
	tx := node.sent[0]

	oneEther := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if tx.Value().Cmp(oneEther) != 0 {
		t.Errorf("tx value = %s, want %s", tx.Value(), oneEther)
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(testDest) {
		t.Errorf("tx to = %v, want %s", tx.To(), testDest)
	}
	if tx.Nonce() != 7 {
		t.Errorf("tx nonce = %d, want 7", tx.Nonce())
	}
	if tx.Gas() != DefaultGasLimit {
		t.Errorf("tx gas = %d, want %d", tx.Gas(), DefaultGasLimit)
	}
	if tx.GasPrice().Cmp(big.NewInt(3_000_000_000)) != 0 {
		t.Errorf("tx gas price = %s, want 3 gwei", tx.GasPrice())
	}
	if len(tx.Data()) != 0 {
		t.Errorf("tx data = %x, want empty", tx.Data())
	}
	if from := senderOf(t, tx); !strings.EqualFold(from.Hex(), w.Address) {
		t.Errorf("sender = %s, want %s", from.Hex(), w.Address)
	}
	if tx.ChainId().Uint64() != testChainID {
		t.Errorf("chain id = %s, want %d", tx.ChainId(), testChainID)
	}

	if sent.Hash != tx.Hash().Hex() {
		t.Errorf("SentTx.Hash = %s, want %s", sent.Hash, tx.Hash().Hex())
	}
	if sent.Contract != "" {
		t.Errorf("SentTx.Contract = %q, want empty", sent.Contract)
	}
	if sent.Value.Cmp(oneEther) != 0 {
		t.Errorf("SentTx.Value = %s, want %s", sent.Value, oneEther)
	}
	wantFee := new(big.Int).Mul(big.NewInt(3_000_000_000), big.NewInt(21000))
	if sent.MaxFee().Cmp(wantFee) != 0 {
		t.Errorf("MaxFee() = %s, want %s", sent.MaxFee(), wantFee)
	}
	if signer.calls != 1 {
		t.Errorf("signer calls = %d, want 1", signer.calls)
	}
}

func TestSendToken(t *testing.T) {
	key := testKey()
	w := testWallet(t, key, chain.AssetINCO)
	node := &fakeNode{nonce: 2, gasPrice: big.NewInt(2_000_000_000)}
	d := newTestDispatcher(node, &keySigner{key: key})

	sent, err := d.Send(context.Background(), w, testDest, "25.5")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	tx := node.sent[0]

	if tx.Value().Sign() != 0 {
		t.Errorf("tx value = %s, want 0", tx.Value())
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(testContract) {
		t.Errorf("tx to = %v, want token contract", tx.To())
	}
	if tx.Gas() != DefaultERC20GasLimit {
		t.Errorf("tx gas = %d, want %d", tx.Gas(), DefaultERC20GasLimit)
	}

	to, amount, err := DecodeTransfer(tx.Data())
	if err != nil {
		t.Fatalf("DecodeTransfer() error = %v", err)
	}
	if to != common.HexToAddress(testDest) {
		t.Errorf("transfer recipient = %s, want %s", to.Hex(), testDest)
	}
	want, _ := new(big.Int).SetString("25500000000000000000", 10)
	if amount.Cmp(want) != 0 {
		t.Errorf("transfer amount = %s, want %s", amount, want)
	}

	if sent.Contract != strings.ToLower(testContract) {
		t.Errorf("SentTx.Contract = %q, want %q", sent.Contract, strings.ToLower(testContract))
	}
	if sent.To != common.HexToAddress(testDest).Hex() {
		t.Errorf("SentTx.To = %s, want recipient", sent.To)
	}
}

func TestSendGasFloor(t *testing.T) {
	floor := big.NewInt(5_000_000_000)
	tests := []struct {
		name      string
		suggested *big.Int
		err       error
		want      *big.Int
	}{
		{"below floor", big.NewInt(1), nil, floor},
		{"above floor", big.NewInt(9_000_000_000), nil, big.NewInt(9_000_000_000)},
		{"suggestion fails", nil, errors.New("rpc down"), floor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := testKey()
			node := &fakeNode{gasPrice: tt.suggested, gasErr: tt.err}
			d := NewDispatcher(&Config{
				Node:     node,
				Signer:   &keySigner{key: key},
				ChainID:  testChainID,
				GasFloor: floor,
				Logger:   logging.Discard(),
			})

			sent, err := d.Send(context.Background(), testWallet(t, key, chain.AssetETH), testDest, "0.1")
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if sent.GasPrice.Cmp(tt.want) != 0 {
				t.Errorf("gas price = %s, want %s", sent.GasPrice, tt.want)
			}
		})
	}
}

func TestSendRejectsBeforeSigning(t *testing.T) {
	key := testKey()
	tests := []struct {
		name   string
		asset  chain.Asset
		dest   string
		amount string
		node   *fakeNode
		want   error
	}{
		{"unsupported asset", chain.AssetBTC, testDest, "1", &fakeNode{}, errs.ErrUnsupportedAsset},
		{"invalid destination", chain.AssetETH, "0x1234", "1", &fakeNode{}, errs.ErrInvalidDestination},
		{"btc destination", chain.AssetETH, "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", "1", &fakeNode{}, errs.ErrInvalidDestination},
		{"zero amount", chain.AssetETH, testDest, "0", &fakeNode{}, errs.ErrInvalidAmount},
		{"native amount over uint256", chain.AssetETH, testDest, "1" + strings.Repeat("0", 60), &fakeNode{}, errs.ErrInvalidAmount},
		{"token amount over uint256", chain.AssetINCO, testDest, "1" + strings.Repeat("0", 60), &fakeNode{}, errs.ErrInvalidAmount},
		{"nonce failure", chain.AssetETH, testDest, "1", &fakeNode{nonceErr: errors.New("timeout")}, errs.ErrNonceResolution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer := &keySigner{key: key}
			d := newTestDispatcher(tt.node, signer)

			_, err := d.Send(context.Background(), testWallet(t, key, tt.asset), tt.dest, tt.amount)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Send() error = %v, want %v", err, tt.want)
			}
			if signer.calls != 0 {
				t.Errorf("signer calls = %d, want 0", signer.calls)
			}
			if len(tt.node.sent) != 0 {
				t.Errorf("sent %d transactions, want 0", len(tt.node.sent))
			}
		})
	}
}

func TestSendTokenWithoutContract(t *testing.T) {
	key := testKey()
	d := NewDispatcher(&Config{
		Node:    &fakeNode{},
		Signer:  &keySigner{key: key},
		ChainID: testChainID,
		Logger:  logging.Discard(),
	})

	_, err := d.Send(context.Background(), testWallet(t, key, chain.AssetINCO), testDest, "1")
	if !errors.Is(err, errs.ErrUnsupportedAsset) {
		t.Errorf("Send() error = %v, want %v", err, errs.ErrUnsupportedAsset)
	}
}

func TestSendRejectionMapping(t *testing.T) {
	tests := []struct {
		name    string
		sendErr error
		want    error
	}{
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), errs.ErrInsufficientFunds},
		{"other", errors.New("replacement transaction underpriced"), errs.ErrBroadcast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := testKey()
			d := newTestDispatcher(&fakeNode{gasPrice: big.NewInt(1), sendErr: tt.sendErr}, &keySigner{key: key})

			_, err := d.Send(context.Background(), testWallet(t, key, chain.AssetETH), testDest, "1")
			if !errors.Is(err, tt.want) {
				t.Errorf("Send() error = %v, want %v", err, tt.want)
			}
			if got := errs.KindOf(err); got != errs.KindOf(tt.want) {
				t.Errorf("KindOf() = %s, want %s", got, errs.KindOf(tt.want))
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		receipt *types.Receipt
		err     error
		want    Status
		wantErr bool
	}{
		{"not found", nil, ethereum.NotFound, StatusPending, false},
		{"success", &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), GasUsed: 21000, EffectiveGasPrice: big.NewInt(2)}, nil, StatusConfirmed, false},
		{"reverted", &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100), GasUsed: 30000}, nil, StatusFailed, false},
		{"node error", nil, errors.New("connection refused"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(&fakeNode{receipt: tt.receipt, receiptEr: tt.err}, nil)

			r, err := d.Confirm(context.Background(), hash)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Confirm() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Confirm() error = %v", err)
			}
			if r.Status != tt.want {
				t.Errorf("Status = %s, want %s", r.Status, tt.want)
			}
			if tt.want == StatusConfirmed {
				if r.BlockNumber != 100 {
					t.Errorf("BlockNumber = %d, want 100", r.BlockNumber)
				}
				if r.Fee().Int64() != 42000 {
					t.Errorf("Fee() = %s, want 42000", r.Fee())
				}
			}
		})
	}
}

func TestEncodeTransferSelector(t *testing.T) {
	data, err := EncodeTransfer(common.HexToAddress(testDest), big.NewInt(1))
	if err != nil {
		t.Fatalf("EncodeTransfer() error = %v", err)
	}
	// transfer(address,uint256)
	if got := hex.EncodeToString(data[:4]); got != "a9059cbb" {
		t.Errorf("selector = %s, want a9059cbb", got)
	}
	if len(data) != 4+32+32 {
		t.Errorf("len(data) = %d, want 68", len(data))
	}
}
