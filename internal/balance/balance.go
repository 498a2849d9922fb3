// Package balance aggregates the on-chain balances of an owner's wallets.
package balance

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/codec"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// AccountSource reads native and token balances on the account chain.
type AccountSource interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, address, contract string) (*big.Int, error)
}

// UTXOSource reads the confirmed balance of a BTC address in satoshis.
type UTXOSource interface {
	FinalBalance(ctx context.Context, address string) (uint64, error)
}

// WalletLister lists an owner's wallets.
type WalletLister interface {
	ListWallets(ctx context.Context, owner string) ([]*wallet.Wallet, error)
}

// Balance is one asset balance held at one address.
type Balance struct {
	Asset    chain.Asset `json:"coin"`
	Address  string      `json:"address"`
	Balance  string      `json:"balance"` // human units
	Raw      string      `json:"raw"`     // base units
	Contract string      `json:"contract,omitempty"`
}

// Config holds the dependencies of an Aggregator.
type Config struct {
	Wallets WalletLister
	Account AccountSource
	UTXO    UTXOSource
	Codec   *codec.Codec
	Timeout time.Duration
	Logger  *logging.Logger
}

// Aggregator queries balances for every wallet of an owner concurrently.
type Aggregator struct {
	wallets WalletLister
	account AccountSource
	utxo    UTXOSource
	codec   *codec.Codec
	timeout time.Duration
	log     *logging.Logger
}

// NewAggregator creates a balance aggregator.
func NewAggregator(cfg *Config) *Aggregator {
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
		log = logging.GetDefault().Component("balance")
	}
	return &Aggregator{
		wallets: cfg.Wallets,
		account: cfg.Account,
		utxo:    cfg.UTXO,
		codec:   c,
		timeout: timeout,
		log:     log,
	}
}

// leg is one balance query.
type leg struct {
	asset   chain.Asset
	address string
	fetch   func(ctx context.Context) (*big.Int, error)
}

// GetBalances returns the balances of owner's wallets ordered by asset then
// address. filter narrows the rows to one asset; chain.AssetUnknown returns
// all. Every account-chain address yields its native row, which pays the gas
// of token transfers, and its token row. A leg that fails is logged and left
// out; the remaining rows are still returned.
func (a *Aggregator) GetBalances(ctx context.Context, owner string, filter chain.Asset) ([]Balance, error) {
	if owner == "" {
		return nil, errs.MissingField("owner")
	}

	wallets, err := a.wallets.ListWallets(ctx, owner)
	if err != nil {
		return nil, err
	}

	// Wallets sharing an address (ETH and INCO) query each leg once.
	var legs []leg
	seen := make(map[string]bool)
	for _, w := range wallets {
		for _, l := range a.legsFor(w) {
			if filter.Known() && l.asset != filter {
				continue
			}
			key := l.asset.String() + "|" + strings.ToLower(l.address)
			if seen[key] {
				continue
			}
			seen[key] = true
			legs = append(legs, l)
		}
	}

	var (
		mu   sync.Mutex
		rows = make([]Balance, 0, len(legs))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range legs {
		l := l
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()

			raw, err := l.fetch(lctx)
			if err != nil {
				a.log.Warn("Balance unavailable", "asset", l.asset, "address", l.address, "error", err)
				return nil
			}
			human, err := a.codec.HumanFromInt(l.asset, raw)
			if err != nil {
				a.log.Warn("Balance not representable", "asset", l.asset, "address", l.address, "error", err)
				return nil
			}

			mu.Lock()
			rows = append(rows, Balance{
				Asset:    l.asset,
				Address:  l.address,
				Balance:  human,
				Raw:      raw.String(),
				Contract: a.codec.ContractFor(l.asset),
			})
			mu.Unlock()
			return nil
		})
	}
	// Legs never return errors; failures are omitted above.
	_ = g.Wait()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Asset != rows[j].Asset {
			return rows[i].Asset.String() < rows[j].Asset.String()
		}
		return rows[i].Address < rows[j].Address
	})
	return rows, nil
}

// legsFor returns the balance queries for one wallet.
func (a *Aggregator) legsFor(w *wallet.Wallet) []leg {
	address := w.Address
	contract := a.codec.ContractFor(chain.AssetINCO)

	native := leg{asset: chain.AssetETH, address: address, fetch: func(ctx context.Context) (*big.Int, error) {
		if a.account == nil {
			return nil, errs.ExplorerUnavailable("balance", errNotConfigured)
		}
		return a.account.Balance(ctx, address)
	}}
	token := leg{asset: chain.AssetINCO, address: address, fetch: func(ctx context.Context) (*big.Int, error) {
		if a.account == nil || contract == "" {
			return nil, errs.ExplorerUnavailable("tokenbalance", errNotConfigured)
		}
		return a.account.TokenBalance(ctx, address, contract)
	}}

	switch w.Asset {
	case chain.AssetETH, chain.AssetINCO:
		return []leg{native, token}
	case chain.AssetBTC:
		return []leg{{asset: chain.AssetBTC, address: address, fetch: func(ctx context.Context) (*big.Int, error) {
			if a.utxo == nil {
				return nil, errs.ExplorerUnavailable("final_balance", errNotConfigured)
			}
			sat, err := a.utxo.FinalBalance(ctx, address)
			if err != nil {
				return nil, err
			}
			return new(big.Int).SetUint64(sat), nil
		}}}
	default:
		return nil
	}
}

var errNotConfigured = errors.New("not configured")
