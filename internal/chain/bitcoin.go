package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register("BTC", Mainnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		// BIP49 for nested SegWit (3...)
		CoinType:       0,
		DefaultPurpose: 49,

		DefaultAddressType: AddressP2SH_P2WPKH,
		Net:                &chaincfg.MainNetParams,
	})

	// Testnet uses coin type 1 for all coins
	Register("BTC", Testnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin Testnet",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 49,

		DefaultAddressType: AddressP2SH_P2WPKH,
		Net:                &chaincfg.TestNet3Params,
	})
}
