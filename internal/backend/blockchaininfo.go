package backend

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// RawAddr is the blockchain.info /rawaddr response.
type RawAddr struct {
	Address       string  `json:"address"`
	NTx           int64   `json:"n_tx"`
	TotalReceived uint64  `json:"total_received"`
	TotalSent     uint64  `json:"total_sent"`
	FinalBalance  uint64  `json:"final_balance"`
	Txs           []RawTx `json:"txs"`
}

// RawTx is a transaction inside a rawaddr window.
type RawTx struct {
	Hash        string      `json:"hash"`
	Time        int64       `json:"time"`
	BlockHeight *int64      `json:"block_height"`
	Fee         uint64      `json:"fee"`
	Inputs      []RawInput  `json:"inputs"`
	Out         []RawOutput `json:"out"`
}

// RawInput is a spent previous output.
type RawInput struct {
	PrevOut *RawOutput `json:"prev_out"`
}

// RawOutput is a transaction output.
type RawOutput struct {
	Addr   string `json:"addr"`
	Value  uint64 `json:"value"`
	Spent  bool   `json:"spent"`
	N      uint32 `json:"n"`
	Script string `json:"script"`
}

// BlockchainInfo is a client for the blockchain.info data API.
type BlockchainInfo struct {
	http httpClient
}

// NewBlockchainInfo creates a client. baseURL defaults to https://blockchain.info.
func NewBlockchainInfo(baseURL string, timeout time.Duration) *BlockchainInfo {
	if baseURL == "" {
		baseURL = "https://blockchain.info"
	}
	return &BlockchainInfo{http: newHTTPClient(baseURL, timeout)}
}

// Type returns TypeBlockchainInfo.
func (b *BlockchainInfo) Type() Type {
	return TypeBlockchainInfo
}

// RawAddr returns the address summary and its most recent transactions.
func (b *BlockchainInfo) RawAddr(ctx context.Context, address string) (*RawAddr, error) {
	var result RawAddr
	if err := b.http.get(ctx, "/rawaddr/"+url.PathEscape(address), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FinalBalance returns the confirmed balance of address in satoshis.
func (b *BlockchainInfo) FinalBalance(ctx context.Context, address string) (uint64, error) {
	raw, err := b.RawAddr(ctx, address)
	if err != nil {
		return 0, err
	}
	return raw.FinalBalance, nil
}

// UnspentOutputs returns the unspent outputs of address. If the /unspent
// endpoint fails, outputs are recovered from the rawaddr window instead.
func (b *BlockchainInfo) UnspentOutputs(ctx context.Context, address string) ([]UTXO, error) {
	utxos, err := b.unspent(ctx, address)
	if err == nil {
		return utxos, nil
	}
	if isNoFreeOutputs(err) {
		return nil, nil
	}

	raw, rawErr := b.RawAddr(ctx, address)
	if rawErr != nil {
		return nil, err
	}
	return unspentFromRaw(raw, address, b.latestHeight(ctx)), nil
}

func (b *BlockchainInfo) unspent(ctx context.Context, address string) ([]UTXO, error) {
	var result struct {
		UnspentOutputs []struct {
			TxHashBigEndian string `json:"tx_hash_big_endian"`
			TxOutputN       uint32 `json:"tx_output_n"`
			Script          string `json:"script"`
			Value           uint64 `json:"value"`
			Confirmations   int64  `json:"confirmations"`
		} `json:"unspent_outputs"`
	}

	q := url.Values{}
	q.Set("active", address)
	if err := b.http.get(ctx, "/unspent", q, &result); err != nil {
		return nil, err
	}

	utxos := make([]UTXO, len(result.UnspentOutputs))
	for i, u := range result.UnspentOutputs {
		utxos[i] = UTXO{
			TxID:          u.TxHashBigEndian,
			Vout:          u.TxOutputN,
			Amount:        u.Value,
			Address:       address,
			ScriptPubKey:  u.Script,
			Confirmations: u.Confirmations,
		}
	}
	return utxos, nil
}

// latestHeight returns the chain tip height, or 0 if unavailable.
func (b *BlockchainInfo) latestHeight(ctx context.Context) int64 {
	var result struct {
		Height int64 `json:"height"`
	}
	if err := b.http.get(ctx, "/latestblock", nil, &result); err != nil {
		return 0
	}
	return result.Height
}

// unspentFromRaw picks the unspent outputs paying address out of a rawaddr
// window.
func unspentFromRaw(raw *RawAddr, address string, tip int64) []UTXO {
	var utxos []UTXO
	for _, tx := range raw.Txs {
		var height, confirmations int64
		if tx.BlockHeight != nil && *tx.BlockHeight > 0 {
			height = *tx.BlockHeight
			if tip >= height {
				confirmations = tip - height + 1
			} else {
				confirmations = 1
			}
		}

		for _, out := range tx.Out {
			if out.Spent || out.Addr != address {
				continue
			}
			utxos = append(utxos, UTXO{
				TxID:          tx.Hash,
				Vout:          out.N,
				Amount:        out.Value,
				Address:       address,
				ScriptPubKey:  out.Script,
				Confirmations: confirmations,
				BlockHeight:   height,
			})
		}
	}
	return utxos
}

// blockchain.info answers 500 "No free outputs to spend" for an empty address.
func isNoFreeOutputs(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && strings.Contains(se.Body, "No free outputs")
}
