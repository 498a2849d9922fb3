// Package evm submits transfers on the account chain: native ETH value
// transfers and ERC-20 transfers of the configured token. Transactions are
// legacy EIP-155 transactions signed through the wallet store.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/codec"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// Gas defaults.
const (
	DefaultGasLimit      = uint64(21000)
	DefaultERC20GasLimit = uint64(65000)
)

// DefaultGasFloor is the minimum gas price, 1 gwei.
var DefaultGasFloor = big.NewInt(1_000_000_000)

// Signer produces signatures with a wallet's private key.
type Signer interface {
	Sign(ctx context.Context, w *wallet.Wallet, payload []byte) ([]byte, error)
}

// Status is the on-chain state of a submitted transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// SentTx describes a submitted account-chain transaction.
type SentTx struct {
	Hash     string      `json:"hash"`
	Asset    chain.Asset `json:"asset"`
	From     string      `json:"from"`
	To       string      `json:"to"`       // recipient, not the token contract
	Value    *big.Int    `json:"value"`    // base units moved to the recipient
	Contract string      `json:"contract"` // lower-cased token contract, empty for ETH
	Nonce    uint64      `json:"nonce"`
	GasPrice *big.Int    `json:"gas_price"`
	GasLimit uint64      `json:"gas_limit"`
}

// MaxFee returns gas price times gas limit.
func (s *SentTx) MaxFee() *big.Int {
	return new(big.Int).Mul(s.GasPrice, new(big.Int).SetUint64(s.GasLimit))
}

// Receipt is the outcome of Confirm.
type Receipt struct {
	Hash        string   `json:"hash"`
	Status      Status   `json:"status"`
	BlockNumber uint64   `json:"block_number,omitempty"`
	GasUsed     uint64   `json:"gas_used,omitempty"`
	GasPrice    *big.Int `json:"gas_price,omitempty"`
}

// Fee returns gas used times effective gas price, or nil when unknown.
func (r *Receipt) Fee() *big.Int {
	if r.GasPrice == nil {
		return nil
	}
	return new(big.Int).Mul(r.GasPrice, new(big.Int).SetUint64(r.GasUsed))
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	Node    backend.EVMNode
	Signer  Signer
	Codec   *codec.Codec
	ChainID uint64

	GasFloor       *big.Int // wei, DefaultGasFloor if nil
	GasLimitNative uint64
	GasLimitToken  uint64

	Logger *logging.Logger
}

// Dispatcher sends ETH and token transfers from custody wallets.
type Dispatcher struct {
	node     backend.EVMNode
	signer   Signer
	codec    *codec.Codec
	chainID  *big.Int
	gasFloor *big.Int
	gasLimit map[chain.Asset]uint64
	log      *logging.Logger
}

// NewDispatcher creates an account-chain dispatcher.
func NewDispatcher(cfg *Config) *Dispatcher {
	floor := cfg.GasFloor
	if floor == nil || floor.Sign() <= 0 {
		floor = DefaultGasFloor
	}
	native := cfg.GasLimitNative
	if native == 0 {
		native = DefaultGasLimit
	}
	token := cfg.GasLimitToken
	if token == 0 {
		token = DefaultERC20GasLimit
	}
	c := cfg.Codec
	if c == nil {
		c = codec.New(nil)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("evm")
	}

	return &Dispatcher{
		node:     cfg.Node,
		signer:   cfg.Signer,
		codec:    c,
		chainID:  new(big.Int).SetUint64(cfg.ChainID),
		gasFloor: new(big.Int).Set(floor),
		gasLimit: map[chain.Asset]uint64{
			chain.AssetETH:  native,
			chain.AssetINCO: token,
		},
		log: log,
	}
}

// ChainID returns the EIP-155 chain id transactions are signed for.
func (d *Dispatcher) ChainID() uint64 {
	return d.chainID.Uint64()
}

// Send transfers amount (human units) of the wallet's asset to destination.
// ETH moves as transaction value; INCO moves as an ERC-20 transfer call to
// the token contract with zero value.
func (d *Dispatcher) Send(ctx context.Context, w *wallet.Wallet, destination, amount string) (*SentTx, error) {
	var contract string
	switch w.Asset {
	case chain.AssetETH:
	case chain.AssetINCO:
		contract = d.codec.ContractFor(chain.AssetINCO)
		if !common.IsHexAddress(contract) {
			return nil, fmt.Errorf("%w: %s token contract not configured", errs.ErrUnsupportedAsset, w.Asset)
		}
	default:
		return nil, errs.UnsupportedAsset(w.Asset.String())
	}

	value, err := d.codec.ToBaseInt(w.Asset, amount)
	if err != nil {
		return nil, err
	}
	if value.Sign() <= 0 {
		return nil, errs.InvalidAmount(amount, "must be greater than zero")
	}
	if value.BitLen() > 256 {
		return nil, errs.InvalidAmount(amount, "exceeds uint256")
	}

	destination = strings.TrimSpace(destination)
	if !common.IsHexAddress(destination) {
		return nil, errs.InvalidDestination(destination, errors.New("not a 20-byte hex address"))
	}
	to := common.HexToAddress(destination)
	from := common.HexToAddress(w.Address)

	nonce, err := d.node.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, errs.NonceResolution(err)
	}

	gasPrice := d.gasPrice(ctx)
	gasLimit := d.gasLimit[w.Asset]

	var tx *types.Transaction
	if contract == "" {
		tx = types.NewTransaction(nonce, to, value, gasLimit, gasPrice, nil)
	} else {
		data, err := EncodeTransfer(to, value)
		if err != nil {
			return nil, errs.InvalidAmount(amount, err.Error())
		}
		tx = types.NewTransaction(nonce, common.HexToAddress(contract), big.NewInt(0), gasLimit, gasPrice, data)
	}

	signed, err := d.sign(ctx, w, tx)
	if err != nil {
		return nil, err
	}
	hash := signed.Hash().Hex()

	if err := d.node.SendTransaction(ctx, signed); err != nil {
		d.log.Warn("Transaction rejected", "asset", w.Asset, "hash", hash, "error", err)
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			need := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
			if contract == "" {
				need.Add(need, value)
			}
			return nil, errs.InsufficientFunds(need.String()+" wei", "unknown")
		}
		return nil, errs.Broadcast(err)
	}

	d.log.Info("Transaction sent",
		"asset", w.Asset,
		"hash", hash,
		"from", w.Address,
		"to", to.Hex(),
		"value", value,
		"nonce", nonce,
		"gas_price", gasPrice,
	)

	return &SentTx{
		Hash:     hash,
		Asset:    w.Asset,
		From:     w.Address,
		To:       to.Hex(),
		Value:    value,
		Contract: contract,
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
	}, nil
}

// Confirm reads the receipt of a submitted transaction. A missing receipt
// means the transaction is still pending.
func (d *Dispatcher) Confirm(ctx context.Context, hash string) (*Receipt, error) {
	receipt, err := d.node.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return &Receipt{Hash: hash, Status: StatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for %s: %w", hash, err)
	}

	r := &Receipt{
		Hash:     hash,
		Status:   StatusFailed,
		GasUsed:  receipt.GasUsed,
		GasPrice: receipt.EffectiveGasPrice,
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		r.Status = StatusConfirmed
	}
	return r, nil
}

// gasPrice returns the node's suggestion raised to the floor.
func (d *Dispatcher) gasPrice(ctx context.Context) *big.Int {
	suggested, err := d.node.SuggestGasPrice(ctx)
	if err != nil || suggested == nil {
		d.log.Debug("Gas price suggestion unavailable, using floor", "floor", d.gasFloor, "error", err)
		return new(big.Int).Set(d.gasFloor)
	}
	if suggested.Cmp(d.gasFloor) < 0 {
		return new(big.Int).Set(d.gasFloor)
	}
	return suggested
}

// sign signs the EIP-155 hash of tx through the wallet store.
func (d *Dispatcher) sign(ctx context.Context, w *wallet.Wallet, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.NewEIP155Signer(d.chainID)
	sig, err := d.signer.Sign(ctx, w, signer.Hash(tx).Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to attach signature: %w", err)
	}
	return signed, nil
}
