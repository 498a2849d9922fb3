// Package history reconciles transaction history between block explorers
// and the local canonical store. Explorer results are normalized, persisted
// idempotently on (hash, contract) and returned newest first; when explorers
// fail or report nothing the stored rows are served instead.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/codec"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/storage"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// AccountExplorer lists account-chain transactions (etherscan-compatible).
type AccountExplorer interface {
	TxList(ctx context.Context, address string) ([]backend.EtherscanTx, error)
	TokenTxList(ctx context.Context, address, contract string) ([]backend.EtherscanTx, error)
}

// UTXOExplorer returns the recent transaction window of a BTC address.
type UTXOExplorer interface {
	RawAddr(ctx context.Context, address string) (*backend.RawAddr, error)
}

// WalletLister lists an owner's wallets.
type WalletLister interface {
	ListWallets(ctx context.Context, owner string) ([]*wallet.Wallet, error)
}

// Links holds explorer base URLs used to build per-transaction links.
type Links struct {
	AccountTx string
	BTCTx     string
}

// CanonicalTransaction is one reconciled transaction.
type CanonicalTransaction struct {
	Hash        string      `json:"txHash"`
	Contract    string      `json:"contract,omitempty"`
	Symbol      chain.Asset `json:"symbol"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Value       string      `json:"value"`    // human units of Symbol
	RawValue    string      `json:"rawValue"` // base units
	BlockNumber string      `json:"blockNumber"`
	Fee         string      `json:"fee"`    // human units of the chain's native coin
	RawFee      string      `json:"rawFee"` // base units
	FeePrice    string      `json:"feePrice,omitempty"`
	Timestamp   int64       `json:"time"`
	Details     string      `json:"details,omitempty"`
}

// Config holds the dependencies of a Reconciler.
type Config struct {
	Storage *storage.Storage
	Account AccountExplorer
	UTXO    UTXOExplorer
	Wallets WalletLister
	Codec   *codec.Codec
	Timeout time.Duration // per explorer call, backend.DefaultExplorerTimeout if zero
	Links   Links
	Logger  *logging.Logger
}

// Reconciler serves transaction history.
type Reconciler struct {
	store   *storage.Storage
	account AccountExplorer
	utxo    UTXOExplorer
	wallets WalletLister
	codec   *codec.Codec
	timeout time.Duration
	links   Links
	log     *logging.Logger
}

// NewReconciler creates a history reconciler.
func NewReconciler(cfg *Config) *Reconciler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = backend.DefaultExplorerTimeout
	}
	c := cfg.Codec
	if c == nil {
		c = codec.New(nil)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("history")
	}
	return &Reconciler{
		store:   cfg.Storage,
		account: cfg.Account,
		utxo:    cfg.UTXO,
		wallets: cfg.Wallets,
		codec:   c,
		timeout: timeout,
		links:   cfg.Links,
		log:     log,
	}
}

// FetchHistory returns the history of address, newest first. filter narrows
// the result to one asset; chain.AssetUnknown means every asset of the
// address's family. Explorer failures are not returned: the stored rows for
// the address are served instead, possibly none.
func (r *Reconciler) FetchHistory(ctx context.Context, address string, filter chain.Asset) ([]*CanonicalTransaction, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errs.MissingField("address")
	}

	family := familyOf(address, filter)

	var records []*storage.TxRecord
	var err error
	switch family {
	case chain.FamilyAccount:
		records, err = r.fetchAccount(ctx, address, filter)
	default:
		records, err = r.fetchUTXO(ctx, address)
	}

	if err != nil || len(records) == 0 {
		if err != nil {
			r.log.Warn("Explorer unavailable, serving stored history", "address", address, "error", err)
		} else {
			r.log.Debug("Explorer returned no transactions, serving stored history", "address", address)
		}
		return r.fromStore(address, filter)
	}

	r.persist(records)

	if filter.Known() {
		records = filterSymbol(records, filter)
	}
	return r.present(records), nil
}

// FetchOwnerHistory merges the history of every wallet address of owner.
// Wallets of another family than filter are skipped.
func (r *Reconciler) FetchOwnerHistory(ctx context.Context, owner string, filter chain.Asset) ([]*CanonicalTransaction, error) {
	if owner == "" {
		return nil, errs.MissingField("owner")
	}
	if r.wallets == nil {
		return nil, errors.New("no wallet lister configured")
	}

	wallets, err := r.wallets.ListWallets(ctx, owner)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		all []*CanonicalTransaction
	)
	g, gctx := errgroup.WithContext(ctx)
	seen := make(map[string]bool)
	for _, w := range wallets {
		w := w
		if filter.Known() && w.Asset.Family() != filter.Family() {
			continue
		}
		// Token wallets share the address of their native wallet.
		key := strings.ToLower(w.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		g.Go(func() error {
			txs, err := r.FetchHistory(gctx, w.Address, filter)
			if err != nil {
				return fmt.Errorf("history of %s wallet: %w", w.Asset, err)
			}
			mu.Lock()
			all = append(all, txs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return sortTransactions(dedupe(all)), nil
}

// Record persists one canonical transaction. inserted is false when the
// (hash, contract) pair was already stored.
func (r *Reconciler) Record(ctx context.Context, rec *storage.TxRecord) (inserted bool, err error) {
	if rec == nil || rec.Hash == "" {
		return false, errs.MissingField("hash")
	}
	inserted, err = r.store.SaveTransaction(rec)
	if err != nil {
		return false, fmt.Errorf("failed to save transaction %s: %w", rec.Hash, err)
	}
	if inserted {
		r.log.Info("Transaction recorded", "hash", rec.Hash, "symbol", rec.Symbol)
	}
	return inserted, nil
}

// fetchAccount runs the native and token legs concurrently. The first leg to
// fail cancels the other and fails the fetch.
func (r *Reconciler) fetchAccount(ctx context.Context, address string, filter chain.Asset) ([]*storage.TxRecord, error) {
	if r.account == nil {
		return nil, errs.ExplorerUnavailable("account", errors.New("not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	wantNative := !filter.Known() || filter == chain.AssetETH
	contract := r.codec.ContractFor(chain.AssetINCO)
	wantToken := (!filter.Known() || filter == chain.AssetINCO) && contract != ""

	var native, token []*storage.TxRecord
	g, gctx := errgroup.WithContext(ctx)
	if wantNative {
		g.Go(func() error {
			rows, err := r.account.TxList(gctx, address)
			if err != nil {
				return errs.ExplorerUnavailable("txlist", err)
			}
			native = r.fromEtherscan(rows, false)
			return nil
		})
	}
	if wantToken {
		g.Go(func() error {
			rows, err := r.account.TokenTxList(gctx, address, contract)
			if err != nil {
				return errs.ExplorerUnavailable("tokentx", err)
			}
			token = r.fromEtherscan(rows, true)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return append(native, token...), nil
}

func (r *Reconciler) fetchUTXO(ctx context.Context, address string) ([]*storage.TxRecord, error) {
	if r.utxo == nil {
		return nil, errs.ExplorerUnavailable("rawaddr", errors.New("not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.utxo.RawAddr(ctx, address)
	if err != nil {
		return nil, errs.ExplorerUnavailable("rawaddr", err)
	}
	return fromRawAddr(raw, address), nil
}

// persist upserts records. A stored row whose symbol no longer matches the
// classification is corrected. Failures are logged only.
func (r *Reconciler) persist(records []*storage.TxRecord) {
	for _, rec := range records {
		inserted, err := r.store.SaveTransaction(rec)
		if err != nil {
			r.log.Warn("Failed to persist transaction", "hash", rec.Hash, "error", err)
			continue
		}
		if inserted {
			continue
		}

		stored, err := r.store.GetTransaction(rec.Hash, rec.Contract)
		if err != nil || stored == nil {
			continue
		}
		if stored.Symbol != rec.Symbol {
			if err := r.store.CorrectSymbol(rec.Hash, rec.Contract, rec.Symbol); err != nil {
				r.log.Warn("Failed to correct symbol", "hash", rec.Hash, "error", err)
				continue
			}
			r.log.Info("Transaction symbol corrected", "hash", rec.Hash, "from", stored.Symbol, "to", rec.Symbol)
		}
	}
}

func (r *Reconciler) fromStore(address string, filter chain.Asset) ([]*CanonicalTransaction, error) {
	var symbol string
	if filter.Known() {
		symbol = filter.String()
	}
	records, err := r.store.ListTransactionsByAddress(address, symbol, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored history: %w", err)
	}
	return r.present(records), nil
}

// present converts records to their output form, deduplicated and sorted.
func (r *Reconciler) present(records []*storage.TxRecord) []*CanonicalTransaction {
	out := make([]*CanonicalTransaction, 0, len(records))
	for _, rec := range records {
		out = append(out, r.canonical(rec))
	}
	return sortTransactions(dedupe(out))
}

func (r *Reconciler) canonical(rec *storage.TxRecord) *CanonicalTransaction {
	symbol := chain.ParseAsset(rec.Symbol)

	tx := &CanonicalTransaction{
		Hash:        rec.Hash,
		Contract:    rec.Contract,
		Symbol:      symbol,
		From:        rec.From,
		To:          rec.To,
		Value:       r.human(symbol, rec.Value),
		RawValue:    rec.Value,
		BlockNumber: rec.BlockNumber,
		RawFee:      rec.Fee,
		FeePrice:    rec.FeePrice,
		Timestamp:   rec.Timestamp,
	}

	switch symbol.Family() {
	case chain.FamilyAccount:
		tx.Fee = r.human(chain.AssetETH, rec.Fee)
		if r.links.AccountTx != "" {
			tx.Details = strings.TrimRight(r.links.AccountTx, "/") + "/tx/" + rec.Hash
		}
	case chain.FamilyUTXO:
		tx.Fee = r.human(chain.AssetBTC, rec.Fee)
		if r.links.BTCTx != "" {
			tx.Details = strings.TrimRight(r.links.BTCTx, "/") + "/tx/" + rec.Hash
		}
	default:
		tx.Fee = rec.Fee
	}
	return tx
}

// human formats base units, returning the input unchanged if it does not parse.
func (r *Reconciler) human(asset chain.Asset, base string) string {
	if base == "" {
		return "0"
	}
	h, err := r.codec.ToHumanUnits(asset, base)
	if err != nil {
		return base
	}
	return h
}

// familyOf picks the ledger to query: the filter's when given, otherwise
// the address shape (0x-prefixed hex is account-based).
func familyOf(address string, filter chain.Asset) chain.Family {
	if filter.Known() {
		return filter.Family()
	}
	if strings.HasPrefix(strings.ToLower(address), "0x") && common.IsHexAddress(address) {
		return chain.FamilyAccount
	}
	return chain.FamilyUTXO
}

func filterSymbol(records []*storage.TxRecord, filter chain.Asset) []*storage.TxRecord {
	out := records[:0]
	for _, rec := range records {
		if rec.Symbol == filter.String() {
			out = append(out, rec)
		}
	}
	return out
}

// dedupe keeps the first transaction per (hash, contract).
func dedupe(txs []*CanonicalTransaction) []*CanonicalTransaction {
	seen := make(map[string]struct{}, len(txs))
	out := make([]*CanonicalTransaction, 0, len(txs))
	for _, tx := range txs {
		key := strings.ToLower(tx.Hash) + "|" + strings.ToLower(tx.Contract)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tx)
	}
	return out
}

// sortTransactions orders by timestamp descending, then hash and contract.
func sortTransactions(txs []*CanonicalTransaction) []*CanonicalTransaction {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		if a.Hash != b.Hash {
			return a.Hash < b.Hash
		}
		return a.Contract < b.Contract
	})
	return txs
}
