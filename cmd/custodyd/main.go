// Package main provides the custodyd daemon - the custodial wallet engine
// behind a JSON-RPC and WebSocket API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/balance"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/codec"
	"github.com/klingon-exchange/klingon-custody/internal/config"
	"github.com/klingon-exchange/klingon-custody/internal/evm"
	"github.com/klingon-exchange/klingon-custody/internal/history"
	"github.com/klingon-exchange/klingon-custody/internal/rpc"
	"github.com/klingon-exchange/klingon-custody/internal/send"
	"github.com/klingon-exchange/klingon-custody/internal/storage"
	"github.com/klingon-exchange/klingon-custody/internal/utxo"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.klingon-custody", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate data and endpoints)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		logFormat   = flag.String("log-format", "", "Log format (text, json, logfmt), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logger, replaced once the config level is known
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("custodyd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	network := chain.Mainnet
	effectiveDataDir := *dataDir
	if *testnet {
		network = chain.Testnet
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	configPath := config.ConfigPath(effectiveDataDir)
	if *configFile != "" {
		configPath = config.ExpandPath(*configFile)
	}
	cfg, err := config.LoadConfigFile(configPath, effectiveDataDir, network)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	cfg.Network = network
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", configPath, "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Keystore
	passphrase, err := cfg.Passphrase()
	if err != nil {
		log.Fatal("Keystore passphrase unavailable", "error", err)
	}
	wallets, err := wallet.NewStore(&wallet.StoreConfig{
		Storage:        store,
		Network:        cfg.Network,
		Passphrase:     passphrase,
		BTCAddressType: cfg.BTC.AddressType,
		Logger:         log.Component("wallet"),
	})
	if err != nil {
		log.Fatal("Failed to open keystore", "error", err)
	}
	log.Info("Keystore opened", "network", wallets.Network())

	vc := codec.New(cfg.TokenInfo())
	if cfg.Token.Contract == "" {
		log.Warn("Token contract not configured, token sends are disabled", "symbol", cfg.Token.Symbol)
	}

	// Explorers and relay, built once and shared
	etherscan := backend.NewEtherscan(cfg.Explorers.Etherscan.URL, cfg.Explorers.Etherscan.APIKey, cfg.Timeouts.Explorer)
	blockchainInfo := backend.NewBlockchainInfo(cfg.Explorers.BlockchainInfo.URL, cfg.Timeouts.Explorer)
	relay, err := backend.NewRelay(cfg.RelayBackend())
	if err != nil {
		log.Fatal("Failed to create BTC relay", "error", err)
	}
	log.Info("Explorers initialized", "etherscan", cfg.Explorers.Etherscan.URL, "relay", relay.Type())

	// BTC engine
	order, err := utxo.ParseOrder(cfg.BTC.Selection)
	if err != nil {
		log.Fatal("Invalid BTC selection order", "error", err)
	}
	btcEngine := utxo.NewEngine(&utxo.Config{
		Source:   blockchainInfo,
		Relay:    relay,
		Signer:   wallets,
		Codec:    vc,
		Network:  cfg.Network,
		FeeFloor: cfg.BTC.FeeFloorSat,
		Order:    order,
		Logger:   log.Component("btc"),
	})

	// Account-chain dispatcher; optional when the node is unreachable
	var account send.AccountEngine
	var confirmer send.Confirmer
	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.Timeouts.Node)
	node, err := backend.DialEVM(dialCtx, cfg.EVM.RPCURL, cfg.EVM.ChainID)
	dialCancel()
	if err != nil {
		log.Warn("EVM node unavailable, ETH and token sends are disabled", "url", cfg.EVM.RPCURL, "error", err)
	} else {
		defer node.Close()
		dispatcher := evm.NewDispatcher(&evm.Config{
			Node:           node,
			Signer:         wallets,
			Codec:          vc,
			ChainID:        cfg.EVM.ChainID,
			GasFloor:       cfg.EVM.GasFloorWei(),
			GasLimitNative: cfg.EVM.GasLimit,
			GasLimitToken:  cfg.EVM.TokenGasLimit,
			Logger:         log.Component("evm"),
		})
		account, confirmer = dispatcher, dispatcher
		log.Info("EVM node connected", "url", cfg.EVM.RPCURL, "chain_id", dispatcher.ChainID())
	}

	reconciler := history.NewReconciler(&history.Config{
		Storage: store,
		Account: etherscan,
		UTXO:    blockchainInfo,
		Wallets: wallets,
		Codec:   vc,
		Timeout: cfg.Timeouts.Explorer,
		Links:   history.Links{AccountTx: cfg.Links.EtherscanTx, BTCTx: cfg.Links.BTCTx},
		Logger:  log.Component("history"),
	})

	aggregator := balance.NewAggregator(&balance.Config{
		Wallets: wallets,
		Account: etherscan,
		UTXO:    blockchainInfo,
		Codec:   vc,
		Timeout: cfg.Timeouts.Explorer,
		Logger:  log.Component("balance"),
	})

	rpcServer := rpc.NewServer(&rpc.Config{
		Wallets:  wallets,
		Balances: aggregator,
		History:  reconciler,
		Storage:  store,
		Network:  cfg.Network,
		Version:  version,
	})
	hub := rpcServer.WSHub()

	orchestrator := send.NewOrchestrator(&send.Config{
		Wallets:  wallets,
		UTXO:     btcEngine,
		Account:  account,
		Storage:  store,
		Notifier: hub,
		Logger:   log.Component("send"),
	})
	rpcServer.SetSender(orchestrator)

	tracker := send.NewTracker(store, confirmer, reconciler, hub, send.TrackerConfig{
		PollInterval:    cfg.Tracker.PollInterval,
		MaxAttempts:     cfg.Tracker.MaxAttempts,
		CallTimeout:     cfg.Timeouts.Node,
		RetentionPeriod: cfg.Tracker.RetentionPeriod,
	})
	tracker.Start()

	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, dataPath)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, _ := store.ListPending(1000)
				log.Info("Status", "pending", len(pending), "ws_clients", hub.ClientCount())
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	tracker.Stop()

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config, dataPath string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Klingon Custody (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.RPC.Listen)
	log.Infof("  WS:  ws://%s/ws", cfg.RPC.Listen)
	log.Info("")
	log.Infof("  Token: %s %s", cfg.Token.Symbol, cfg.Token.Contract)
	log.Infof("  EVM chain id: %d", cfg.EVM.ChainID)
	log.Infof("  Data dir: %s", dataPath)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
