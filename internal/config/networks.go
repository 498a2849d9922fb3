package config

import "github.com/klingon-exchange/klingon-custody/internal/chain"

// Endpoints holds the public services used on one network.
type Endpoints struct {
	EVMRPC         string // account-chain JSON-RPC node
	Etherscan      string // etherscan-compatible account API
	BlockchainInfo string // BTC address history and balances
	Blockcypher    string // BTC push relay
	Mempool        string // BTC push relay (esplora API)
	EtherscanTx    string // human-facing account-chain explorer
	BTCTx          string // human-facing BTC explorer
}

// networkEndpoints contains the default endpoints for each network.
var networkEndpoints = map[chain.Network]Endpoints{
	chain.Mainnet: {
		EVMRPC:         "https://eth.llamarpc.com",
		Etherscan:      "https://api.etherscan.io/api",
		BlockchainInfo: "https://blockchain.info",
		Blockcypher:    "https://api.blockcypher.com/v1/btc/main",
		Mempool:        "https://mempool.space/api",
		EtherscanTx:    "https://etherscan.io",
		BTCTx:          "https://www.blockchain.com/btc",
	},
	chain.Testnet: {
		EVMRPC:         "https://rpc.sepolia.org",
		Etherscan:      "https://api-sepolia.etherscan.io/api",
		BlockchainInfo: "https://blockchain.info",
		Blockcypher:    "https://api.blockcypher.com/v1/btc/test3",
		Mempool:        "https://mempool.space/testnet/api",
		EtherscanTx:    "https://sepolia.etherscan.io",
		BTCTx:          "https://www.blockchain.com/btc-testnet",
	},
}

// EndpointsFor returns the default endpoints for network, falling back to
// mainnet for unknown values.
func EndpointsFor(network chain.Network) Endpoints {
	if e, ok := networkEndpoints[network]; ok {
		return e
	}
	return networkEndpoints[chain.Mainnet]
}
