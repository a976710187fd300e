package model

import (
	"strings"
)

// NativeDecimals is used when a token does not report its own decimals.
const NativeDecimals = 18

// TokenInfo identifies a token a wallet holds. A nil Address denotes the
// chain's native coin. Identity is (Address, ChainID).
type TokenInfo struct {
	Address   *string `json:"address" yaml:"address"`
	Symbol    string  `json:"symbol" yaml:"symbol"`
	Name      string  `json:"name" yaml:"name"`
	Decimals  int     `json:"decimals" yaml:"decimals"`
	ChainID   ChainID `json:"chainId" yaml:"chainId"`
	ChainName string  `json:"chainName" yaml:"chainName"`
}

// NativeToken builds the TokenInfo of a chain's native coin.
func NativeToken(chainID ChainID) TokenInfo {
	return TokenInfo{
		Symbol:    chainID.NativeSymbol(),
		Name:      chainID.Name() + " " + chainID.NativeSymbol(),
		Decimals:  NativeDecimals,
		ChainID:   chainID,
		ChainName: chainID.Name(),
	}
}

func (t TokenInfo) IsNative() bool {
	return t.Address == nil
}

// EffectiveDecimals returns the token decimals, falling back to 18.
func (t TokenInfo) EffectiveDecimals() int {
	if t.Decimals <= 0 {
		return NativeDecimals
	}
	return t.Decimals
}

// Ref returns the identity of the token.
func (t TokenInfo) Ref() TokenRef {
	return TokenRef{Address: t.Address, ChainID: t.ChainID}
}

// TokenRef is the (address, chain) identity shared by tokens and snapshots.
type TokenRef struct {
	Address *string
	ChainID ChainID
}

// Matches reports whether two references denote the same token. Addresses
// compare case-insensitively; nil only matches nil.
func (r TokenRef) Matches(address *string, chainID ChainID) bool {
	if r.ChainID != chainID {
		return false
	}
	if r.Address == nil || address == nil {
		return r.Address == nil && address == nil
	}
	return strings.EqualFold(*r.Address, *address)
}

// Key renders the reference as "<chain>:<address|native>".
func (r TokenRef) Key() string {
	addr := "native"
	if r.Address != nil {
		addr = strings.ToLower(*r.Address)
	}
	return r.ChainID.String() + ":" + addr
}

// StringPtr is a convenience for building token addresses.
func StringPtr(s string) *string {
	return &s
}
