package history

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/storage"
)

// fromEtherscan converts txlist (native) or tokentx (token) rows. Native rows
// carry no contract even when the call targeted one; the token leg records
// the transfer under the token contract so both rows coexist. Native rows
// that failed on chain moved nothing and are dropped.
func (r *Reconciler) fromEtherscan(rows []backend.EtherscanTx, token bool) []*storage.TxRecord {
	out := make([]*storage.TxRecord, 0, len(rows))
	for _, row := range rows {
		if row.Hash == "" {
			continue
		}
		if !token && (row.IsError == "1" || row.TxReceiptStatus == "0") {
			r.log.Debug("Skipping failed transaction", "hash", row.Hash)
			continue
		}

		var contract string
		if token {
			contract = strings.ToLower(row.ContractAddress)
		}
		symbol := r.codec.SymbolFromRecord(contract)
		if !r.codec.IsKnownContract(contract) {
			r.log.Debug("Unknown contract recorded as ETH", "hash", row.Hash, "contract", contract)
		}

		gasUsed := row.GasUsed
		if gasUsed == "" {
			gasUsed = row.Gas
		}

		ts, _ := strconv.ParseInt(row.TimeStamp, 10, 64)
		out = append(out, &storage.TxRecord{
			Hash:        row.Hash,
			Contract:    contract,
			From:        row.From,
			To:          row.To,
			Value:       intString(row.Value),
			BlockNumber: row.BlockNumber,
			Fee:         mulStrings(gasUsed, row.GasPrice),
			FeePrice:    intString(row.GasPrice),
			Symbol:      symbol.String(),
			Timestamp:   ts,
		})
	}
	return out
}

// fromRawAddr converts a blockchain.info window into records relative to
// address. An outgoing transaction (address funds an input) reports what
// moved to the counterparties; an incoming one reports what reached address.
func fromRawAddr(raw *backend.RawAddr, address string) []*storage.TxRecord {
	if raw == nil {
		return nil
	}

	out := make([]*storage.TxRecord, 0, len(raw.Txs))
	for _, tx := range raw.Txs {
		if tx.Hash == "" {
			continue
		}

		var totalIn, totalOut, spentByAddr, toAddr, toOthers uint64
		var sender, recipient string

		for _, in := range tx.Inputs {
			if in.PrevOut == nil {
				continue
			}
			totalIn += in.PrevOut.Value
			if in.PrevOut.Addr == address {
				spentByAddr += in.PrevOut.Value
			} else if sender == "" {
				sender = in.PrevOut.Addr
			}
		}
		for _, o := range tx.Out {
			totalOut += o.Value
			if o.Addr == address {
				toAddr += o.Value
			} else {
				toOthers += o.Value
				if recipient == "" {
					recipient = o.Addr
				}
			}
		}

		var fee uint64
		if totalIn > totalOut {
			fee = totalIn - totalOut
		}

		rec := &storage.TxRecord{
			Hash:      tx.Hash,
			Fee:       strconv.FormatUint(fee, 10),
			Symbol:    chain.AssetBTC.String(),
			Timestamp: tx.Time,
		}
		if tx.BlockHeight != nil {
			rec.BlockNumber = strconv.FormatInt(*tx.BlockHeight, 10)
		}

		if spentByAddr > 0 {
			rec.From = address
			rec.To = recipient
			rec.Value = strconv.FormatUint(toOthers, 10)
			if recipient == "" {
				// Consolidation back to the same address.
				rec.To = address
				rec.Value = strconv.FormatUint(toAddr, 10)
			}
		} else {
			rec.From = sender
			rec.To = address
			rec.Value = strconv.FormatUint(toAddr, 10)
		}
		out = append(out, rec)
	}
	return out
}

// mulStrings multiplies two decimal integer strings. Malformed input yields "0".
func mulStrings(a, b string) string {
	x, ok := new(big.Int).SetString(strings.TrimSpace(a), 10)
	if !ok {
		return "0"
	}
	y, ok := new(big.Int).SetString(strings.TrimSpace(b), 10)
	if !ok {
		return "0"
	}
	return x.Mul(x, y).String()
}

func intString(s string) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return "0"
	}
	return n.String()
}
