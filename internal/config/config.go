// Package config holds the daemon configuration: network selection,
// explorer and relay endpoints, account-chain gas policy, the INCO token
// definition, BTC selection policy, timeouts and the keystore passphrase
// source. It is read from <data-dir>/config.yaml and written with defaults
// on first run.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// DefaultPassphraseEnv is the environment variable read for the keystore
// passphrase when none is configured.
const DefaultPassphraseEnv = "CUSTODY_PASSPHRASE"

// ErrNoPassphrase is returned when the passphrase variable is unset.
var ErrNoPassphrase = errors.New("keystore passphrase not set")

// Config holds all configuration for the custody daemon.
type Config struct {
	// Network is mainnet or testnet.
	Network chain.Network `yaml:"network"`

	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	RPC       RPCConfig       `yaml:"rpc"`
	Explorers ExplorersConfig `yaml:"explorers"`
	Relay     RelayConfig     `yaml:"relay"`
	EVM       EVMConfig       `yaml:"evm"`
	Token     TokenConfig     `yaml:"token"`
	BTC       BTCConfig       `yaml:"btc"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Links     LinksConfig     `yaml:"links"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is text, json or logfmt.
	Format string `yaml:"format"`
}

// RPCConfig holds API server settings.
type RPCConfig struct {
	Listen string `yaml:"listen"`
}

// ExplorersConfig holds the explorer and relay endpoints.
type ExplorersConfig struct {
	Etherscan      backend.Config `yaml:"etherscan"`
	BlockchainInfo backend.Config `yaml:"blockchain_info"`
	Blockcypher    backend.Config `yaml:"blockcypher"`
	Mempool        backend.Config `yaml:"mempool"`
}

// RelayConfig selects the BTC broadcast relay.
type RelayConfig struct {
	// BTC is blockcypher or mempool.
	BTC backend.Type `yaml:"btc"`
}

// EVMConfig holds account-chain node and gas settings.
type EVMConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	ChainID       uint64 `yaml:"chain_id"`
	GasFloorGwei  uint64 `yaml:"gas_floor_gwei"`
	GasLimit      uint64 `yaml:"gas_limit"`
	TokenGasLimit uint64 `yaml:"token_gas_limit"`
}

// GasFloorWei returns the gas price floor in wei.
func (e EVMConfig) GasFloorWei() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(e.GasFloorGwei), big.NewInt(1_000_000_000))
}

// TokenConfig describes the ERC-20 token.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Contract string `yaml:"contract"`
	Decimals uint8  `yaml:"decimals"`
}

// BTCConfig holds BTC wallet and selection policy.
type BTCConfig struct {
	FeeFloorSat uint64            `yaml:"fee_floor_sat"`
	AddressType chain.AddressType `yaml:"address_type"`
	// Selection is oldest-first or newest-first.
	Selection string `yaml:"selection"`
}

// TimeoutsConfig bounds outbound calls.
type TimeoutsConfig struct {
	Explorer time.Duration `yaml:"explorer"`
	Relay    time.Duration `yaml:"relay"`
	Node     time.Duration `yaml:"node"`
}

// TrackerConfig controls follow-up of broadcast transactions.
type TrackerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
}

// KeystoreConfig names where the keystore passphrase comes from.
type KeystoreConfig struct {
	PassphraseEnv string `yaml:"passphrase_env"`
}

// LinksConfig holds explorer link prefixes for history entries.
type LinksConfig struct {
	EtherscanTx string `yaml:"etherscan_tx"`
	BTCTx       string `yaml:"btc_tx"`
}

// DefaultConfig returns a Config with defaults for network.
func DefaultConfig(network chain.Network) *Config {
	if network != chain.Testnet {
		network = chain.Mainnet
	}
	ep := EndpointsFor(network)
	token := chain.DefaultToken(network)

	return &Config{
		Network: network,
		Storage: StorageConfig{
			DataDir: "~/.klingon-custody",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		RPC: RPCConfig{
			Listen: "127.0.0.1:8080",
		},
		Explorers: ExplorersConfig{
			Etherscan:      backend.Config{Type: backend.TypeEtherscan, URL: ep.Etherscan},
			BlockchainInfo: backend.Config{Type: backend.TypeBlockchainInfo, URL: ep.BlockchainInfo},
			Blockcypher:    backend.Config{Type: backend.TypeBlockcypher, URL: ep.Blockcypher},
			Mempool:        backend.Config{Type: backend.TypeMempool, URL: ep.Mempool},
		},
		Relay: RelayConfig{
			BTC: backend.TypeBlockcypher,
		},
		EVM: EVMConfig{
			RPCURL:        ep.EVMRPC,
			ChainID:       token.ChainID,
			GasFloorGwei:  1,
			GasLimit:      21000,
			TokenGasLimit: 65000,
		},
		Token: TokenConfig{
			Symbol:   token.Symbol,
			Name:     token.Name,
			Decimals: token.Decimals,
		},
		BTC: BTCConfig{
			FeeFloorSat: 12000,
			AddressType: chain.AddressP2SH_P2WPKH,
			Selection:   "oldest-first",
		},
		Timeouts: TimeoutsConfig{
			Explorer: backend.DefaultExplorerTimeout,
			Relay:    backend.DefaultRelayTimeout,
			Node:     10 * time.Second,
		},
		Tracker: TrackerConfig{
			PollInterval:    15 * time.Second,
			MaxAttempts:     240,
			RetentionPeriod: 7 * 24 * time.Hour,
		},
		Keystore: KeystoreConfig{
			PassphraseEnv: DefaultPassphraseEnv,
		},
		Links: LinksConfig{
			EtherscanTx: ep.EtherscanTx,
			BTCTx:       ep.BTCTx,
		},
	}
}

// LoadConfig loads configuration from <dataDir>/config.yaml.
// If the file doesn't exist, it creates one with defaults for network.
func LoadConfig(dataDir string, network chain.Network) (*Config, error) {
	return LoadConfigFile(ConfigPath(dataDir), dataDir, network)
}

// LoadConfigFile loads configuration from path, creating it with defaults
// when missing. Values absent from the file keep their defaults.
func LoadConfigFile(path, dataDir string, network chain.Network) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig(network)
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig(network)
	cfg.Storage.DataDir = dataDir
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.Network != chain.Mainnet && c.Network != chain.Testnet {
		return fmt.Errorf("network %q: want mainnet or testnet", c.Network)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("logging.format %q: want text, json or logfmt", c.Logging.Format)
	}
	switch c.Relay.BTC {
	case backend.TypeBlockcypher, backend.TypeMempool:
	default:
		return fmt.Errorf("relay.btc %q: want blockcypher or mempool", c.Relay.BTC)
	}
	switch c.BTC.AddressType {
	case chain.AddressP2SH_P2WPKH, chain.AddressP2PKH:
	default:
		return fmt.Errorf("btc.address_type %q: want p2sh-p2wpkh or p2pkh", c.BTC.AddressType)
	}
	switch c.BTC.Selection {
	case "oldest-first", "newest-first":
	default:
		return fmt.Errorf("btc.selection %q: want oldest-first or newest-first", c.BTC.Selection)
	}
	if c.Token.Contract != "" && !common.IsHexAddress(c.Token.Contract) {
		return fmt.Errorf("token.contract %q is not a hex address", c.Token.Contract)
	}
	if c.Token.Symbol == "" {
		return errors.New("token.symbol is empty")
	}
	if c.EVM.GasLimit == 0 || c.EVM.TokenGasLimit == 0 {
		return errors.New("evm gas limits must be positive")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon Custody Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == chain.Testnet
}

// TokenInfo returns the configured token for the codec and dispatcher.
func (c *Config) TokenInfo() *chain.TokenInfo {
	return &chain.TokenInfo{
		Symbol:   strings.ToUpper(c.Token.Symbol),
		Name:     c.Token.Name,
		Decimals: c.Token.Decimals,
		Address:  strings.ToLower(c.Token.Contract),
		ChainID:  c.EVM.ChainID,
	}
}

// RelayBackend returns the backend config of the selected BTC relay.
func (c *Config) RelayBackend() *backend.Config {
	cfg := c.Explorers.Blockcypher
	if c.Relay.BTC == backend.TypeMempool {
		cfg = c.Explorers.Mempool
	}
	cfg.Type = c.Relay.BTC
	if cfg.Timeout <= 0 {
		cfg.Timeout = c.Timeouts.Relay
	}
	return &cfg
}

// Passphrase reads the keystore passphrase from the configured variable.
func (c *Config) Passphrase() (string, error) {
	name := c.Keystore.PassphraseEnv
	if name == "" {
		name = DefaultPassphraseEnv
	}
	p := os.Getenv(name)
	if p == "" {
		return "", fmt.Errorf("%w: set %s", ErrNoPassphrase, name)
	}
	return p, nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
