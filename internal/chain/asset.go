package chain

import "strings"

// Asset is the closed set of assets the custody engine can hold.
// AssetUnknown is the explicit failure case; it is never dispatched.
type Asset uint8

const (
	AssetUnknown Asset = iota
	AssetETH
	AssetINCO
	AssetBTC
)

// Family is the ledger model an asset lives on.
type Family string

const (
	FamilyUnknown Family = ""
	FamilyAccount Family = "ACCOUNT_BASED"
	FamilyUTXO    Family = "UTXO_BASED"
)

var assetSymbols = map[Asset]string{
	AssetETH:  "ETH",
	AssetINCO: "INCO",
	AssetBTC:  "BTC",
}

// Assets returns every known asset in a stable order.
func Assets() []Asset {
	return []Asset{AssetETH, AssetINCO, AssetBTC}
}

// ParseAsset maps a symbol (case-insensitive) to an Asset.
// Anything outside the known set yields AssetUnknown.
func ParseAsset(symbol string) Asset {
	switch strings.ToUpper(strings.TrimSpace(symbol)) {
	case "ETH":
		return AssetETH
	case "INCO":
		return AssetINCO
	case "BTC":
		return AssetBTC
	default:
		return AssetUnknown
	}
}

// String returns the asset symbol, or "UNKNOWN".
func (a Asset) String() string {
	if s, ok := assetSymbols[a]; ok {
		return s
	}
	return "UNKNOWN"
}

// MarshalText encodes the asset as its symbol.
func (a Asset) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a symbol. Unknown symbols decode to AssetUnknown.
func (a *Asset) UnmarshalText(text []byte) error {
	*a = ParseAsset(string(text))
	return nil
}

// Known reports whether a is one of the supported assets.
func (a Asset) Known() bool {
	_, ok := assetSymbols[a]
	return ok
}

// Family returns the ledger family for a.
func (a Asset) Family() Family {
	switch a {
	case AssetETH, AssetINCO:
		return FamilyAccount
	case AssetBTC:
		return FamilyUTXO
	default:
		return FamilyUnknown
	}
}

// IsToken reports whether a is a contract token rather than a native coin.
func (a Asset) IsToken() bool {
	return a == AssetINCO
}

// ChainSymbol returns the symbol of the chain the asset settles on.
func (a Asset) ChainSymbol() string {
	switch a.Family() {
	case FamilyAccount:
		return "ETH"
	case FamilyUTXO:
		return "BTC"
	default:
		return ""
	}
}
