package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Mempool talks to the mempool.space API. Compatible with esplora and
// self-hosted instances. It serves as a BTC relay and as an alternative
// unspent-output source.
type Mempool struct {
	http httpClient
}

// NewMempool creates a mempool.space client.
func NewMempool(baseURL string, timeout time.Duration) *Mempool {
	if baseURL == "" {
		baseURL = "https://mempool.space/api"
	}
	return &Mempool{http: newHTTPClient(baseURL, timeout)}
}

// Type returns TypeMempool.
func (m *Mempool) Type() Type {
	return TypeMempool
}

// Broadcast posts the raw hex as a text body. The response is the txid.
func (m *Mempool) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	body, err := m.http.post(ctx, "/tx", "text/plain", strings.NewReader(rawTxHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return strings.TrimSpace(string(body)), nil
}

// UnspentOutputs returns unspent outputs for an address.
func (m *Mempool) UnspentOutputs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}

	if err := m.http.get(ctx, "/address/"+url.PathEscape(address)+"/utxo", nil, &result); err != nil {
		return nil, err
	}

	// If we can't get block height, fall back to simple confirmed/unconfirmed
	currentHeight, err := m.BlockHeight(ctx)
	if err != nil {
		currentHeight = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		var confirmations int64
		if u.Status.Confirmed && u.Status.BlockHeight > 0 {
			if currentHeight >= u.Status.BlockHeight {
				confirmations = currentHeight - u.Status.BlockHeight + 1
			} else {
				confirmations = 1
			}
		}
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Address:       address,
			Confirmations: confirmations,
			BlockHeight:   u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// BlockHeight returns the current block height.
func (m *Mempool) BlockHeight(ctx context.Context) (int64, error) {
	var height json.Number
	if err := m.http.get(ctx, "/blocks/tip/height", nil, &height); err != nil {
		return 0, err
	}
	return height.Int64()
}
