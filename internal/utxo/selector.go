// Package utxo builds, signs and broadcasts transactions for UTXO-based
// assets (BTC): it selects unspent outputs to cover amount plus fee, creates
// destination and change outputs, signs each input through the wallet store
// and hands the serialized transaction to a relay.
package utxo

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
)

// Order is the order in which unspent outputs are consumed.
type Order string

const (
	// OldestFirst consumes the most-confirmed outputs first.
	OldestFirst Order = "oldest-first"
	// NewestFirst consumes the least-confirmed outputs first.
	NewestFirst Order = "newest-first"
)

// ParseOrder returns the order named by s, defaulting to OldestFirst.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", OldestFirst:
		return OldestFirst, nil
	case NewestFirst:
		return NewestFirst, nil
	default:
		return "", fmt.Errorf("unknown selection order %q", s)
	}
}

// Select accumulates outputs in the given order until their sum reaches
// required and stops there. It returns the chosen outputs and their sum, or
// an InsufficientFunds error when every output together falls short.
func Select(utxos []backend.UTXO, required uint64, order Order) ([]backend.UTXO, uint64, error) {
	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sortOutputs(sorted, order)

	var selected []backend.UTXO
	var total uint64
	for _, u := range sorted {
		if total >= required {
			break
		}
		selected = append(selected, u)
		total += u.Amount
	}

	if total < required {
		return nil, total, errs.InsufficientFunds(
			strconv.FormatUint(required, 10)+" sat",
			strconv.FormatUint(total, 10)+" sat",
		)
	}
	return selected, total, nil
}

// sortOutputs orders outputs oldest first (most confirmations, then lowest
// block height). Ties fall back to outpoint for a stable result.
func sortOutputs(utxos []backend.UTXO, order Order) {
	older := func(a, b backend.UTXO) bool {
		if a.Confirmations != b.Confirmations {
			return a.Confirmations > b.Confirmations
		}
		if a.BlockHeight != b.BlockHeight {
			// Unconfirmed outputs carry height 0 and sort last.
			if a.BlockHeight == 0 || b.BlockHeight == 0 {
				return b.BlockHeight == 0
			}
			return a.BlockHeight < b.BlockHeight
		}
		if a.TxID != b.TxID {
			return a.TxID < b.TxID
		}
		return a.Vout < b.Vout
	}

	sort.SliceStable(utxos, func(i, j int) bool {
		if order == NewestFirst {
			return older(utxos[j], utxos[i])
		}
		return older(utxos[i], utxos[j])
	})
}
