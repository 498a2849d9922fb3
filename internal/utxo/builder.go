package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-custody/internal/backend"
	"github.com/klingon-exchange/klingon-custody/internal/wallet"
)

// DustLimit is the smallest change output, in satoshis, worth creating.
// Smaller change is left to the miner.
const DustLimit = 546

// Output is a transaction output in human terms.
type Output struct {
	Address string `json:"address"`
	Value   uint64 `json:"value"` // satoshis
	Change  bool   `json:"change,omitempty"`
}

// unsignedTx is a built but not yet signed transaction.
type unsignedTx struct {
	tx       *wire.MsgTx
	inputs   []backend.UTXO
	outputs  []Output
	fee      uint64 // inputs minus outputs
	prevOuts *txscript.MultiPrevOutFetcher
}

// buildTx creates one input per selected output, the destination output and,
// when at least DustLimit is left after the fee, a change output back to
// source. Change below DustLimit is added to the fee.
func buildTx(selected []backend.UTXO, total uint64, source, dest btcutil.Address, amount, fee uint64) (*unsignedTx, error) {
	if total < amount+fee {
		return nil, fmt.Errorf("inputs %d do not cover amount %d plus fee %d", total, amount, fee)
	}

	sourceScript, err := txscript.PayToAddrScript(source)
	if err != nil {
		return nil, fmt.Errorf("invalid source address: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)

	for _, u := range selected {
		txHash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", u.TxID, err)
		}
		outpoint := wire.NewOutPoint(txHash, u.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		prevOuts.AddPrevOut(*outpoint, wire.NewTxOut(int64(u.Amount), sourceScript))
	}

	outputs := []Output{{Address: dest.EncodeAddress(), Value: amount}}
	tx.AddTxOut(wire.NewTxOut(int64(amount), destScript))

	if change := total - amount - fee; change >= DustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(change), sourceScript))
		outputs = append(outputs, Output{Address: source.EncodeAddress(), Value: change, Change: true})
	} else {
		fee += change
	}

	return &unsignedTx{
		tx:       tx,
		inputs:   selected,
		outputs:  outputs,
		fee:      fee,
		prevOuts: prevOuts,
	}, nil
}

// Signer produces signatures with a wallet's private key.
type Signer interface {
	Sign(ctx context.Context, w *wallet.Wallet, payload []byte) ([]byte, error)
}

// signInputs signs every input of u through signer. The source address type
// decides the spend path: nested P2WPKH (BIP143) or legacy P2PKH.
func signInputs(ctx context.Context, u *unsignedTx, w *wallet.Wallet, source btcutil.Address, pubKey *btcec.PublicKey, net *chaincfg.Params, signer Signer) error {
	sigHashes := txscript.NewTxSigHashes(u.tx, u.prevOuts)
	pubBytes := pubKey.SerializeCompressed()

	switch source.(type) {
	case *btcutil.AddressScriptHash:
		redeemScript, err := wallet.P2WPKHRedeemScript(pubKey, net)
		if err != nil {
			return err
		}
		sigScript, err := txscript.NewScriptBuilder().AddData(redeemScript).Script()
		if err != nil {
			return err
		}

		for i, in := range u.inputs {
			hash, err := txscript.CalcWitnessSigHash(redeemScript, sigHashes, txscript.SigHashAll, u.tx, i, int64(in.Amount))
			if err != nil {
				return fmt.Errorf("failed to compute sighash for input %d: %w", i, err)
			}
			sig, err := signer.Sign(ctx, w, hash)
			if err != nil {
				return fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			u.tx.TxIn[i].Witness = wire.TxWitness{append(sig, byte(txscript.SigHashAll)), pubBytes}
			u.tx.TxIn[i].SignatureScript = sigScript
		}

	case *btcutil.AddressPubKeyHash:
		pkScript, err := txscript.PayToAddrScript(source)
		if err != nil {
			return err
		}

		for i := range u.inputs {
			hash, err := txscript.CalcSignatureHash(pkScript, txscript.SigHashAll, u.tx, i)
			if err != nil {
				return fmt.Errorf("failed to compute sighash for input %d: %w", i, err)
			}
			sig, err := signer.Sign(ctx, w, hash)
			if err != nil {
				return fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			sigScript, err := txscript.NewScriptBuilder().
				AddData(append(sig, byte(txscript.SigHashAll))).
				AddData(pubBytes).
				Script()
			if err != nil {
				return err
			}
			u.tx.TxIn[i].SignatureScript = sigScript
		}

	default:
		return fmt.Errorf("unsupported source address type %T", source)
	}

	return nil
}

// serialize returns the raw transaction hex.
func serialize(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
