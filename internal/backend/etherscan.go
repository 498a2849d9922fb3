package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"
)

// EtherscanTx is one row of a txlist or tokentx response. Numeric fields are
// decimal strings as returned by the API.
type EtherscanTx struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	Nonce           string `json:"nonce"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Gas             string `json:"gas"`
	GasPrice        string `json:"gasPrice"`
	GasUsed         string `json:"gasUsed"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

// etherscanResponse is the common {status, message, result} envelope.
type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Etherscan is a client for an etherscan-compatible account API.
type Etherscan struct {
	http   httpClient
	apiKey string
}

// NewEtherscan creates a client. baseURL is the API endpoint, e.g.
// https://api.etherscan.io/api.
func NewEtherscan(baseURL, apiKey string, timeout time.Duration) *Etherscan {
	return &Etherscan{
		http:   newHTTPClient(baseURL, timeout),
		apiKey: apiKey,
	}
}

// Type returns TypeEtherscan.
func (e *Etherscan) Type() Type {
	return TypeEtherscan
}

// TxList returns the native transactions of address, newest first.
func (e *Etherscan) TxList(ctx context.Context, address string) ([]EtherscanTx, error) {
	q := url.Values{}
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("sort", "desc")
	return e.txs(ctx, q)
}

// TokenTxList returns ERC-20 transfers of contract touching address, newest first.
func (e *Etherscan) TokenTxList(ctx context.Context, address, contract string) ([]EtherscanTx, error) {
	q := url.Values{}
	q.Set("action", "tokentx")
	q.Set("contractaddress", contract)
	q.Set("address", address)
	q.Set("page", "1")
	q.Set("offset", "100")
	q.Set("sort", "desc")
	return e.txs(ctx, q)
}

// Balance returns the native balance of address in wei.
func (e *Etherscan) Balance(ctx context.Context, address string) (*big.Int, error) {
	q := url.Values{}
	q.Set("action", "balance")
	q.Set("address", address)
	q.Set("tag", "latest")
	return e.amount(ctx, q)
}

// TokenBalance returns the token balance of address in base units.
func (e *Etherscan) TokenBalance(ctx context.Context, address, contract string) (*big.Int, error) {
	q := url.Values{}
	q.Set("action", "tokenbalance")
	q.Set("contractaddress", contract)
	q.Set("address", address)
	q.Set("tag", "latest")
	return e.amount(ctx, q)
}

func (e *Etherscan) call(ctx context.Context, q url.Values) (*etherscanResponse, error) {
	q.Set("module", "account")
	if e.apiKey != "" {
		q.Set("apikey", e.apiKey)
	}

	var resp etherscanResponse
	if err := e.http.get(ctx, "", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (e *Etherscan) txs(ctx context.Context, q url.Values) ([]EtherscanTx, error) {
	resp, err := e.call(ctx, q)
	if err != nil {
		return nil, err
	}

	if resp.Status != "1" {
		// An address without history is reported as status 0.
		if strings.HasPrefix(strings.ToLower(resp.Message), "no transactions found") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrExplorerStatus, resp.Message, string(resp.Result))
	}

	var txs []EtherscanTx
	if err := json.Unmarshal(resp.Result, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return txs, nil
}

func (e *Etherscan) amount(ctx context.Context, q url.Values) (*big.Int, error) {
	resp, err := e.call(ctx, q)
	if err != nil {
		return nil, err
	}
	if resp.Status != "1" {
		return nil, fmt.Errorf("%w: %s: %s", ErrExplorerStatus, resp.Message, string(resp.Result))
	}

	var s string
	if err := json.Unmarshal(resp.Result, &s); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}
