package backend

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMNode is the subset of an Ethereum JSON-RPC node used to submit and
// follow transactions.
type EVMNode interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DialEVM connects to an EVM node and checks that it serves chainID.
// chainID 0 skips the check.
func DialEVM(ctx context.Context, rpcURL string, chainID uint64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	if chainID == 0 {
		return client, nil
	}

	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if got.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("node chain id %s, want %d", got, chainID)
	}
	return client, nil
}

// Ensure ethclient.Client implements EVMNode
var _ EVMNode = (*ethclient.Client)(nil)
