// Package rpc provides a JSON-RPC 2.0 server for the custody daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-custody/internal/balance"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
	"github.com/klingon-exchange/klingon-custody/internal/history"
	"github.com/klingon-exchange/klingon-custody/internal/send"
	"github.com/klingon-exchange/klingon-custody/internal/storage"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// Wallets is the wallet store surface exposed over RPC.
type Wallets interface {
	CreateWallet(ctx context.Context, owner string, asset chain.Asset) (*wallet.Wallet, error)
	GetWallet(ctx context.Context, owner string, asset chain.Asset) (*wallet.Wallet, error)
	ListWallets(ctx context.Context, owner string) ([]*wallet.Wallet, error)
	ProvisionOwner(ctx context.Context, owner string) ([]*wallet.Wallet, error)
}

// Sender submits transfers.
type Sender interface {
	Send(ctx context.Context, owner, asset, destination, amount string) (*send.Result, error)
}

// Balances reads owner balances.
type Balances interface {
	GetBalances(ctx context.Context, owner string, filter chain.Asset) ([]balance.Balance, error)
}

// History reads reconciled transaction history.
type History interface {
	FetchHistory(ctx context.Context, address string, filter chain.Asset) ([]*history.CanonicalTransaction, error)
	FetchOwnerHistory(ctx context.Context, owner string, filter chain.Asset) ([]*history.CanonicalTransaction, error)
}

// Config holds the dependencies of a Server.
type Config struct {
	Wallets  Wallets
	Sender   Sender
	Balances Balances
	History  History
	Storage  *storage.Storage
	Network  chain.Network
	Version  string
	Logger   *logging.Logger
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	wallets  Wallets
	sender   Sender
	balances Balances
	history  History
	store    *storage.Storage
	network  chain.Network
	version  string
	started  time.Time
	log      *logging.Logger
	wsHub    *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorData is attached to every failed method call.
type ErrorData struct {
	Success bool      `json:"success"`
	Kind    errs.Kind `json:"kind"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// ServerError is used for domain failures such as a missing wallet or a
	// rejected broadcast.
	ServerError = -32000
)

// errInvalidParams marks params that could not be decoded.
var errInvalidParams = errors.New("invalid params")

// NewServer creates a new JSON-RPC server.
func NewServer(cfg *Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("rpc")
	}
	version := cfg.Version
	if version == "" {
		version = Version
	}

	s := &Server{
		wallets:  cfg.Wallets,
		sender:   cfg.Sender,
		balances: cfg.Balances,
		history:  cfg.History,
		store:    cfg.Storage,
		network:  cfg.Network,
		version:  version,
		started:  time.Now(),
		log:      log,
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_status"] = s.nodeStatus

	// Wallet methods
	s.handlers["wallet_create"] = s.walletCreate
	s.handlers["wallet_get"] = s.walletGet
	s.handlers["wallet_list"] = s.walletList
	s.handlers["wallet_provision"] = s.walletProvision
	s.handlers["wallet_send"] = s.walletSend
	s.handlers["wallet_balances"] = s.walletBalances
	s.handlers["wallet_history"] = s.walletHistory
	s.handlers["wallet_ownerHistory"] = s.walletOwnerHistory
}

// SetSender sets the transfer entry point. It must be called before Start.
func (s *Server) SetSender(sender Sender) {
	s.sender = sender
}

// Handler returns the HTTP handler serving JSON-RPC and WebSocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server and the WebSocket hub.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server and the WebSocket hub.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, kind := classify(err)
		if code == InternalError {
			s.log.Error("Method failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), &ErrorData{Kind: kind})
		return
	}

	s.writeResult(w, req.ID, result)
}

// classify maps an error to its JSON-RPC code and error kind.
func classify(err error) (int, errs.Kind) {
	if errors.Is(err, errInvalidParams) {
		return InvalidParams, errs.KindMissingField
	}
	kind := errs.KindOf(err)
	switch kind {
	case errs.KindMissingField, errs.KindUnknownAsset, errs.KindInvalidAmount,
		errs.KindInvalidDestination, errs.KindSameAddress:
		return InvalidParams, kind
	case errs.KindInternal:
		return InternalError, kind
	default:
		return ServerError, kind
	}
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
