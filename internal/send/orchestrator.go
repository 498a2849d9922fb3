// Package send is the single entry point for outgoing transfers. It validates
// a request, resolves the owner's wallet, routes the transfer to the UTXO or
// account-chain engine and queues the broadcast transaction for follow-up by
// the Tracker.
package send

import (
	"context"
	"strconv"
	"strings"

	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/codec"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/evm"
	"github.com/klingon-exchange/klingon-custody/internal/storage"
	"github.com/klingon-exchange/klingon-custody/internal/utxo"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// Event names pushed to the Notifier.
const (
	EventTxSubmitted = "tx_submitted"
	EventTxConfirmed = "tx_confirmed"
	EventTxFailed    = "tx_failed"
	EventTxDropped   = "tx_dropped"
)

// WalletStore resolves an owner's wallet for an asset.
type WalletStore interface {
	GetWallet(ctx context.Context, owner string, asset chain.Asset) (*wallet.Wallet, error)
}

// UTXOEngine sends from UTXO-based wallets.
type UTXOEngine interface {
	Send(ctx context.Context, w *wallet.Wallet, destination, amount string) (*utxo.SentTx, error)
}

// AccountEngine sends from account-based wallets and reports receipts.
type AccountEngine interface {
	Send(ctx context.Context, w *wallet.Wallet, destination, amount string) (*evm.SentTx, error)
	Confirm(ctx context.Context, hash string) (*evm.Receipt, error)
}

// Notifier receives transaction lifecycle events.
type Notifier interface {
	Notify(event string, data interface{})
}

// TxEvent is the payload of every lifecycle event.
type TxEvent struct {
	Hash   string `json:"hash"`
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	From   string `json:"from"`
	To     string `json:"to"`
	Value  string `json:"value"` // base units
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of a send as reported to callers.
type Result struct {
	Success bool         `json:"success"`
	TxHash  string       `json:"txHash,omitempty"`
	Asset   string       `json:"asset,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

// ResultError carries the machine-readable kind of a failed send.
type ResultError struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Config holds the dependencies of an Orchestrator.
type Config struct {
	Wallets  WalletStore
	UTXO     UTXOEngine
	Account  AccountEngine
	Storage  *storage.Storage
	Notifier Notifier
	Logger   *logging.Logger
}

// Orchestrator validates and dispatches send requests.
type Orchestrator struct {
	wallets  WalletStore
	utxo     UTXOEngine
	account  AccountEngine
	storage  *storage.Storage
	notifier Notifier
	locks    *keyedMutex
	log      *logging.Logger
}

// NewOrchestrator creates a send orchestrator.
func NewOrchestrator(cfg *Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("send")
	}
	return &Orchestrator{
		wallets:  cfg.Wallets,
		utxo:     cfg.UTXO,
		account:  cfg.Account,
		storage:  cfg.Storage,
		notifier: cfg.Notifier,
		locks:    newKeyedMutex(),
		log:      log,
	}
}

// Send moves amount (human units) of asset from owner's wallet to
// destination. The returned Result is never nil; on failure it carries the
// error kind and err is the underlying error.
//
// No explorer, node or relay is contacted until the request has passed
// validation: required fields, asset symbol, wallet lookup, and destination
// differing from the source address.
func (o *Orchestrator) Send(ctx context.Context, owner, asset, destination, amount string) (*Result, error) {
	sym := strings.ToUpper(strings.TrimSpace(asset))

	hash, err := o.send(ctx, owner, sym, strings.TrimSpace(destination), strings.TrimSpace(amount))
	if err != nil {
		o.log.Info("Send rejected", "owner", owner, "asset", sym, "kind", errs.KindOf(err), "error", err)
		return &Result{
			Asset: sym,
			Error: &ResultError{Kind: errs.KindOf(err), Message: err.Error()},
		}, err
	}
	return &Result{Success: true, TxHash: hash, Asset: sym}, nil
}

func (o *Orchestrator) send(ctx context.Context, owner, sym, destination, amount string) (string, error) {
	switch {
	case sym == "":
		return "", errs.MissingField("asset")
	case amount == "":
		return "", errs.MissingField("amount")
	case destination == "":
		return "", errs.MissingField("destination")
	case strings.TrimSpace(owner) == "":
		return "", errs.MissingField("owner")
	}

	asset := chain.ParseAsset(sym)
	if !asset.Known() {
		return "", errs.UnknownAsset(sym)
	}

	w, err := o.wallets.GetWallet(ctx, owner, asset)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(destination, w.Address) {
		return "", errs.SameAddress(destination)
	}

	family, err := codec.Classify(asset)
	if err != nil {
		return "", err
	}

	unlock := o.locks.Lock(owner + "|" + asset.String())
	defer unlock()

	switch family {
	case chain.FamilyUTXO:
		return o.sendUTXO(ctx, w, destination, amount)
	case chain.FamilyAccount:
		return o.sendAccount(ctx, w, destination, amount)
	default:
		return "", errs.UnsupportedAsset(sym)
	}
}

func (o *Orchestrator) sendUTXO(ctx context.Context, w *wallet.Wallet, destination, amount string) (string, error) {
	if o.utxo == nil {
		return "", errs.UnsupportedAsset(w.Asset.String())
	}
	sent, err := o.utxo.Send(ctx, w, destination, amount)
	if err != nil {
		return "", err
	}

	o.submitted(&storage.PendingTx{
		Hash:   sent.Hash,
		Owner:  w.Owner,
		Asset:  w.Asset.String(),
		Family: string(chain.FamilyUTXO),
		From:   sent.From,
		To:     sent.To,
		Value:  strconv.FormatUint(sent.Amount, 10),
		Fee:    strconv.FormatUint(sent.Fee, 10),
	})
	return sent.Hash, nil
}

func (o *Orchestrator) sendAccount(ctx context.Context, w *wallet.Wallet, destination, amount string) (string, error) {
	if o.account == nil {
		return "", errs.UnsupportedAsset(w.Asset.String())
	}
	sent, err := o.account.Send(ctx, w, destination, amount)
	if err != nil {
		return "", err
	}

	nonce := sent.Nonce
	o.submitted(&storage.PendingTx{
		Hash:     sent.Hash,
		Owner:    w.Owner,
		Asset:    w.Asset.String(),
		Family:   string(chain.FamilyAccount),
		Contract: sent.Contract,
		From:     sent.From,
		To:       sent.To,
		Value:    sent.Value.String(),
		Fee:      sent.MaxFee().String(),
		FeePrice: sent.GasPrice.String(),
		Nonce:    &nonce,
	})
	return sent.Hash, nil
}

// submitted queues the follow-up for a broadcast transaction and announces
// it. The transaction is already on the network, so queue failures are
// logged rather than returned.
func (o *Orchestrator) submitted(p *storage.PendingTx) {
	if o.storage != nil {
		if err := o.storage.EnqueuePending(p); err != nil {
			o.log.Error("Failed to queue broadcast transaction", "hash", p.Hash, "error", err)
		}
	}

	o.log.Info("Transaction submitted", "owner", p.Owner, "asset", p.Asset, "hash", p.Hash)
	notify(o.notifier, EventTxSubmitted, p, string(storage.PendingStatusPending), "")
}

func notify(n Notifier, event string, p *storage.PendingTx, status, errMsg string) {
	if n == nil {
		return
	}
	n.Notify(event, &TxEvent{
		Hash:   p.Hash,
		Owner:  p.Owner,
		Asset:  p.Asset,
		From:   p.From,
		To:     p.To,
		Value:  p.Value,
		Status: status,
		Error:  errMsg,
	})
}
