package chain

import "strings"

// TokenInfo describes the fixed ERC-20 token carried on the account chain.
type TokenInfo struct {
	Symbol   string
	Name     string
	Decimals uint8
	Address  string // contract address on the account chain
	ChainID  uint64
}

// DefaultToken returns the INCO token with its decimals and no contract.
// The contract address is deployment specific and comes from configuration.
func DefaultToken(network Network) *TokenInfo {
	return &TokenInfo{
		Symbol:   "INCO",
		Name:     "Incodium",
		Decimals: 18,
		ChainID:  MustGet("ETH", network).ChainID,
	}
}

// MatchesContract reports whether addr is this token's contract.
func (t *TokenInfo) MatchesContract(addr string) bool {
	if t == nil || t.Address == "" || addr == "" {
		return false
	}
	return strings.EqualFold(t.Address, addr)
}
