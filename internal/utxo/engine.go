package utxo

import (
	"context"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/codec"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// DefaultFeeFloor is the flat fee, in satoshis, added to every send.
const DefaultFeeFloor = 12000

// Source lists the unspent outputs of an address.
type Source interface {
	UnspentOutputs(ctx context.Context, address string) ([]backend.UTXO, error)
}

// Relay broadcasts a raw transaction.
type Relay interface {
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}

// SentTx describes a broadcast transaction.
type SentTx struct {
	Hash    string         `json:"hash"`
	From    string         `json:"from"`
	To      string         `json:"to"`
	Amount  uint64         `json:"amount"` // satoshis to destination
	Fee     uint64         `json:"fee"`
	Inputs  []backend.UTXO `json:"inputs"`
	Outputs []Output       `json:"outputs"`
	RawHex  string         `json:"-"`
}

// InputTotal returns the sum of the spent outputs.
func (s *SentTx) InputTotal() uint64 {
	var total uint64
	for _, in := range s.Inputs {
		total += in.Amount
	}
	return total
}

// Config holds the dependencies of an Engine.
type Config struct {
	Source  Source
	Relay   Relay
	Signer  Signer
	Codec   *codec.Codec
	Network chain.Network

	FeeFloor uint64 // satoshis, DefaultFeeFloor if zero
	Order    Order

	Logger *logging.Logger
}

// Engine sends BTC from custody wallets.
type Engine struct {
	source   Source
	relay    Relay
	signer   Signer
	codec    *codec.Codec
	params   *chain.Params
	feeFloor uint64
	order    Order
	log      *logging.Logger
}

// NewEngine creates a UTXO engine.
func NewEngine(cfg *Config) *Engine {
	network := cfg.Network
	if network == "" {
		network = chain.Mainnet
	}
	feeFloor := cfg.FeeFloor
	if feeFloor == 0 {
		feeFloor = DefaultFeeFloor
	}
	order := cfg.Order
	if order == "" {
		order = OldestFirst
	}
	c := cfg.Codec
	if c == nil {
		c = codec.New(nil)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("utxo")
	}

	return &Engine{
		source:   cfg.Source,
		relay:    cfg.Relay,
		signer:   cfg.Signer,
		codec:    c,
		params:   chain.MustGet("BTC", network),
		feeFloor: feeFloor,
		order:    order,
		log:      log,
	}
}

// FeeFloor returns the flat fee in satoshis.
func (e *Engine) FeeFloor() uint64 {
	return e.feeFloor
}

// Send transfers amount (human units) from w to destination.
//
// Nothing is signed unless the destination decodes for this network and the
// selected outputs cover amount plus fee. Broadcast failures are returned as
// BroadcastError without retry.
func (e *Engine) Send(ctx context.Context, w *wallet.Wallet, destination, amount string) (*SentTx, error) {
	if w.Asset.Family() != chain.FamilyUTXO {
		return nil, errs.UnsupportedAsset(w.Asset.String())
	}

	value, err := e.codec.ToBaseInt(chain.AssetBTC, amount)
	if err != nil {
		return nil, err
	}
	if value.Sign() <= 0 {
		return nil, errs.InvalidAmount(amount, "must be greater than zero")
	}
	if !value.IsUint64() {
		return nil, errs.InvalidAmount(amount, "too large")
	}
	sat := value.Uint64()

	dest, err := e.decodeDestination(destination)
	if err != nil {
		return nil, err
	}

	source, err := btcutil.DecodeAddress(w.Address, e.params.Net)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address %s: %w", w.Address, err)
	}
	pubKey, err := w.PubKey()
	if err != nil {
		return nil, err
	}

	utxos, err := e.source.UnspentOutputs(ctx, w.Address)
	if err != nil {
		return nil, errs.ExplorerUnavailable("utxo source", err)
	}

	selected, total, err := Select(utxos, sat+e.feeFloor, e.order)
	if err != nil {
		e.log.Info("Insufficient funds", "address", w.Address, "required", sat+e.feeFloor, "available", total)
		return nil, err
	}

	unsigned, err := buildTx(selected, total, source, dest, sat, e.feeFloor)
	if err != nil {
		return nil, err
	}

	if err := signInputs(ctx, unsigned, w, source, pubKey, e.params.Net, e.signer); err != nil {
		return nil, err
	}

	rawHex, err := serialize(unsigned.tx)
	if err != nil {
		return nil, err
	}
	hash := unsigned.tx.TxHash().String()

	relayed, err := e.relay.Broadcast(ctx, rawHex)
	if err != nil {
		e.log.Warn("Broadcast failed", "hash", hash, "error", err)
		return nil, errs.Broadcast(err)
	}
	if relayed != "" && !strings.EqualFold(relayed, hash) {
		e.log.Warn("Relay reported a different hash", "local", hash, "relay", relayed)
	}

	e.log.Info("Transaction broadcast",
		"hash", hash,
		"from", w.Address,
		"to", destination,
		"amount", sat,
		"fee", unsigned.fee,
		"inputs", len(selected),
	)

	return &SentTx{
		Hash:    hash,
		From:    w.Address,
		To:      dest.EncodeAddress(),
		Amount:  sat,
		Fee:     unsigned.fee,
		Inputs:  unsigned.inputs,
		Outputs: unsigned.outputs,
		RawHex:  rawHex,
	}, nil
}

// decodeDestination parses a destination address for this network.
func (e *Engine) decodeDestination(destination string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(strings.TrimSpace(destination), e.params.Net)
	if err != nil {
		return nil, errs.InvalidDestination(destination, err)
	}
	if !addr.IsForNet(e.params.Net) {
		return nil, errs.InvalidDestination(destination, fmt.Errorf("address is not for %s", e.params.Net.Name))
	}
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash,
		*btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash,
		*btcutil.AddressTaproot:
		return addr, nil
	default:
		return nil, errs.InvalidDestination(destination, fmt.Errorf("unsupported address type %T", addr))
	}
}
