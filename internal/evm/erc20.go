package evm

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABI is the subset of the ERC-20 interface used by the dispatcher.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parseErr   error
)

func tokenABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(erc20ABI))
	})
	return parsedABI, parseErr
}

// EncodeTransfer packs transfer(to, amount) call data.
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	parsed, err := tokenABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}
	data, err := parsed.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return data, nil
}

// DecodeTransfer unpacks transfer call data into recipient and amount.
func DecodeTransfer(data []byte) (common.Address, *big.Int, error) {
	parsed, err := tokenABI()
	if err != nil {
		return common.Address{}, nil, err
	}
	if len(data) < 4 {
		return common.Address{}, nil, fmt.Errorf("call data too short")
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return common.Address{}, nil, err
	}
	if method.Name != "transfer" {
		return common.Address{}, nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unexpected recipient type %T", args[0])
	}
	amount, ok := args[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unexpected amount type %T", args[1])
	}
	return to, amount, nil
}
