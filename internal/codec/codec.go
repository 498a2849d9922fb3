// Package codec converts amounts between human-readable decimals and integer
// base units (wei, token units, satoshi) and classifies assets by ledger
// family. All arithmetic is arbitrary precision; floats are never used.
package codec

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/errs"
)

// Native decimal counts.
const (
	WeiDecimals     = 18
	SatoshiDecimals = 8
)

// Codec encodes values for the known assets. The token's decimals and
// contract come from configuration.
type Codec struct {
	token *chain.TokenInfo
}

// New creates a codec for the given token. A nil token means the INCO
// defaults with no contract address.
func New(token *chain.TokenInfo) *Codec {
	if token == nil {
		token = &chain.TokenInfo{Symbol: "INCO", Decimals: 18}
	}
	return &Codec{token: token}
}

// Token returns the configured token.
func (c *Codec) Token() *chain.TokenInfo {
	return c.token
}

// Decimals returns the base-unit exponent for an asset.
func (c *Codec) Decimals(asset chain.Asset) (int32, error) {
	switch asset {
	case chain.AssetETH:
		return WeiDecimals, nil
	case chain.AssetINCO:
		return int32(c.token.Decimals), nil
	case chain.AssetBTC:
		return SatoshiDecimals, nil
	default:
		return 0, errs.UnknownAsset(asset.String())
	}
}

// ToBaseUnits converts a human amount such as "1.5" into an integer string
// of base units. Amounts with more fractional digits than the asset carries
// are rejected rather than rounded.
func (c *Codec) ToBaseUnits(asset chain.Asset, human string) (string, error) {
	n, err := c.ToBaseInt(asset, human)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// ToBaseInt is ToBaseUnits returning a big.Int.
func (c *Codec) ToBaseInt(asset chain.Asset, human string) (*big.Int, error) {
	dec, err := c.Decimals(asset)
	if err != nil {
		return nil, err
	}

	s := strings.TrimSpace(human)
	if s == "" {
		return nil, errs.InvalidAmount(human, "empty")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errs.InvalidAmount(human, "not a decimal number")
	}
	if d.IsNegative() {
		return nil, errs.InvalidAmount(human, "negative")
	}

	scaled := d.Shift(dec)
	if !scaled.IsInteger() {
		return nil, errs.InvalidAmount(human, "more than "+strconv.Itoa(int(dec))+" fractional digits for "+asset.String())
	}

	return scaled.BigInt(), nil
}

// ToHumanUnits converts an integer string of base units into a decimal
// string with trailing zeros removed. It is the exact inverse of ToBaseUnits.
func (c *Codec) ToHumanUnits(asset chain.Asset, base string) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(base), 10)
	if !ok {
		return "", errs.InvalidAmount(base, "not an integer")
	}
	if n.Sign() < 0 {
		return "", errs.InvalidAmount(base, "negative")
	}
	return c.HumanFromInt(asset, n)
}

// HumanFromInt formats base units held in a big.Int.
func (c *Codec) HumanFromInt(asset chain.Asset, n *big.Int) (string, error) {
	dec, err := c.Decimals(asset)
	if err != nil {
		return "", err
	}
	if n == nil {
		n = new(big.Int)
	}
	return decimal.NewFromBigInt(n, -dec).String(), nil
}

// Classify returns the ledger family of an asset.
func Classify(asset chain.Asset) (chain.Family, error) {
	f := asset.Family()
	if f == chain.FamilyUnknown {
		return f, errs.UnknownAsset(asset.String())
	}
	return f, nil
}

// SymbolFromRecord derives the asset of an account-chain record from its
// contract field. An empty contract is the native coin. A contract that is
// not the configured token also reports ETH; callers that care can check
// IsKnownContract.
func (c *Codec) SymbolFromRecord(contract string) chain.Asset {
	if contract == "" {
		return chain.AssetETH
	}
	if c.token.MatchesContract(contract) {
		return chain.AssetINCO
	}
	return chain.AssetETH
}

// IsKnownContract reports whether contract is empty or the configured token.
func (c *Codec) IsKnownContract(contract string) bool {
	return contract == "" || c.token.MatchesContract(contract)
}

// ContractFor returns the contract address recorded for an asset's
// transactions: the token contract for INCO, empty otherwise.
func (c *Codec) ContractFor(asset chain.Asset) string {
	if asset == chain.AssetINCO {
		return strings.ToLower(c.token.Address)
	}
	return ""
}
