package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Relay submits signed raw transactions to the network.
type Relay interface {
	Type() Type
	// Broadcast submits a hex-encoded transaction and returns its id.
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}

// NewRelay creates a relay from configuration.
func NewRelay(cfg *Config) (Relay, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}

	switch cfg.Type {
	case TypeBlockcypher:
		return NewBlockcypherRelay(cfg.URL, cfg.APIKey, timeout), nil
	case TypeMempool:
		return NewMempool(cfg.URL, timeout), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// BlockcypherRelay broadcasts through the blockcypher push endpoint.
type BlockcypherRelay struct {
	http  httpClient
	token string
}

// NewBlockcypherRelay creates a blockcypher relay. baseURL is the chain root,
// e.g. https://api.blockcypher.com/v1/btc/main.
func NewBlockcypherRelay(baseURL, token string, timeout time.Duration) *BlockcypherRelay {
	if baseURL == "" {
		baseURL = "https://api.blockcypher.com/v1/btc/main"
	}
	return &BlockcypherRelay{
		http:  newHTTPClient(baseURL, timeout),
		token: token,
	}
}

// Type returns TypeBlockcypher.
func (b *BlockcypherRelay) Type() Type {
	return TypeBlockcypher
}

// Broadcast posts {"tx": hex} and returns the hash reported by the relay.
func (b *BlockcypherRelay) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	payload, err := json.Marshal(map[string]string{"tx": rawTxHex})
	if err != nil {
		return "", err
	}

	path := "/txs/push"
	if b.token != "" {
		path += "?token=" + b.token
	}

	body, err := b.http.post(ctx, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	var result struct {
		Tx struct {
			Hash string `json:"hash"`
		} `json:"tx"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: invalid response: %v", ErrBroadcastFailed, err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, result.Error)
	}
	return result.Tx.Hash, nil
}

// Ensure relays implement Relay
var (
	_ Relay = (*Mempool)(nil)
	_ Relay = (*BlockcypherRelay)(nil)
)
