package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Success      bool   `json:"success"`
	Running      bool   `json:"running"`
	Network      string `json:"network"`
	Version      string `json:"version"`
	Uptime       string `json:"uptime"`
	Transactions int    `json:"transactions"`
	Pending      int    `json:"pending"`
	WSClients    int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &NodeStatusResult{
		Success:   true,
		Running:   true,
		Network:   string(s.network),
		Version:   s.version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		WSClients: s.wsHub.ClientCount(),
	}

	if s.store != nil {
		if n, err := s.store.CountTransactions(); err == nil {
			result.Transactions = n
		}
		if rows, err := s.store.ListPending(1000); err == nil {
			result.Pending = len(rows)
		}
	}

	return result, nil
}

// ========================================
// Param helpers
// ========================================

// decodeParams unmarshals params into v. Empty params leave v untouched.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// requireAsset parses a mandatory asset symbol.
func requireAsset(symbol string) (chain.Asset, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return chain.AssetUnknown, errs.MissingField("asset")
	}
	asset := chain.ParseAsset(symbol)
	if !asset.Known() {
		return chain.AssetUnknown, errs.UnknownAsset(symbol)
	}
	return asset, nil
}

// optionalAsset parses an asset filter. An empty symbol means no filter.
func optionalAsset(symbol string) (chain.Asset, error) {
	if strings.TrimSpace(symbol) == "" {
		return chain.AssetUnknown, nil
	}
	return requireAsset(symbol)
}

func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return errs.MissingField("owner")
	}
	return nil
}
