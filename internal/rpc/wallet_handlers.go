package rpc

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/klingon-custody/internal/balance"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/history"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
)

// ========================================
// Wallet store handlers
// ========================================

// WalletParams identifies one wallet.
type WalletParams struct {
	Owner string `json:"owner"`
	Asset string `json:"asset"`
}

// OwnerParams identifies an owner.
type OwnerParams struct {
	Owner string `json:"owner"`
}

// WalletResult is the response for wallet_create and wallet_get.
type WalletResult struct {
	Success bool           `json:"success"`
	Wallet  *wallet.Wallet `json:"wallet"`
}

// WalletListResult is the response for wallet_list and wallet_provision.
type WalletListResult struct {
	Success bool             `json:"success"`
	Wallets []*wallet.Wallet `json:"wallets"`
}

func (s *Server) walletCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireOwner(p.Owner); err != nil {
		return nil, err
	}
	asset, err := requireAsset(p.Asset)
	if err != nil {
		return nil, err
	}

	w, err := s.wallets.CreateWallet(ctx, p.Owner, asset)
	if err != nil {
		return nil, err
	}
	return &WalletResult{Success: true, Wallet: w}, nil
}

func (s *Server) walletGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireOwner(p.Owner); err != nil {
		return nil, err
	}
	asset, err := requireAsset(p.Asset)
	if err != nil {
		return nil, err
	}

	w, err := s.wallets.GetWallet(ctx, p.Owner, asset)
	if err != nil {
		return nil, err
	}
	return &WalletResult{Success: true, Wallet: w}, nil
}

func (s *Server) walletList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OwnerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireOwner(p.Owner); err != nil {
		return nil, err
	}

	wallets, err := s.wallets.ListWallets(ctx, p.Owner)
	if err != nil {
		return nil, err
	}
	if wallets == nil {
		wallets = []*wallet.Wallet{}
	}
	return &WalletListResult{Success: true, Wallets: wallets}, nil
}

func (s *Server) walletProvision(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OwnerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireOwner(p.Owner); err != nil {
		return nil, err
	}

	wallets, err := s.wallets.ProvisionOwner(ctx, p.Owner)
	if err != nil {
		return nil, err
	}
	return &WalletListResult{Success: true, Wallets: wallets}, nil
}

// ========================================
// Transfer handlers
// ========================================

// WalletSendParams is the request for wallet_send.
type WalletSendParams struct {
	Owner       string `json:"owner"`
	Asset       string `json:"asset"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"` // human units, e.g. "0.015"
}

func (s *Server) walletSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if s.sender == nil {
		return nil, errs.UnsupportedAsset(p.Asset)
	}

	res, err := s.sender.Send(ctx, p.Owner, p.Asset, p.Destination, p.Amount)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ========================================
// Read handlers
// ========================================

// BalancesParams is the request for wallet_balances.
type BalancesParams struct {
	Owner string `json:"owner"`
	Asset string `json:"asset,omitempty"` // optional filter
}

// BalancesResult is the response for wallet_balances.
type BalancesResult struct {
	Success  bool              `json:"success"`
	Balances []balance.Balance `json:"balances"`
}

func (s *Server) walletBalances(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p BalancesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireOwner(p.Owner); err != nil {
		return nil, err
	}
	filter, err := optionalAsset(p.Asset)
	if err != nil {
		return nil, err
	}

	rows, err := s.balances.GetBalances(ctx, p.Owner, filter)
	if err != nil {
		return nil, err
	}
	return &BalancesResult{Success: true, Balances: rows}, nil
}

// HistoryParams is the request for wallet_history.
type HistoryParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset,omitempty"` // optional filter
}

// OwnerHistoryParams is the request for wallet_ownerHistory.
type OwnerHistoryParams struct {
	Owner string `json:"owner"`
	Asset string `json:"asset,omitempty"` // optional filter
}

// HistoryResult is the response for both history methods.
type HistoryResult struct {
	Success      bool                            `json:"success"`
	Transactions []*history.CanonicalTransaction `json:"transactions"`
}

func (s *Server) walletHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p HistoryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	filter, err := optionalAsset(p.Asset)
	if err != nil {
		return nil, err
	}

	txs, err := s.history.FetchHistory(ctx, p.Address, filter)
	if err != nil {
		return nil, err
	}
	return &HistoryResult{Success: true, Transactions: txs}, nil
}

func (s *Server) walletOwnerHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OwnerHistoryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireOwner(p.Owner); err != nil {
		return nil, err
	}
	filter, err := optionalAsset(p.Asset)
	if err != nil {
		return nil, err
	}

	txs, err := s.history.FetchOwnerHistory(ctx, p.Owner, filter)
	if err != nil {
		return nil, err
	}
	return &HistoryResult{Success: true, Transactions: txs}, nil
}
