package chain

func init() {
	// Ethereum Mainnet (chainID 1)
	Register("ETH", Mainnet, &Params{
		Symbol:   "ETH",
		Name:     "Ethereum",
		Type:     ChainTypeEVM,
		Decimals: 18,

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 1,

		DefaultAddressType: AddressEVM,
	})

	// Ethereum Sepolia Testnet (chainID 11155111)
	Register("ETH", Testnet, &Params{
		Symbol:   "ETH",
		Name:     "Ethereum Sepolia",
		Type:     ChainTypeEVM,
		Decimals: 18,

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 11155111,

		DefaultAddressType: AddressEVM,
	})
}
