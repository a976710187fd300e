package model

import "strconv"

// ChainID is an EVM chain identifier (EIP-155).
type ChainID int64

const (
	ChainEthereum ChainID = 1
	ChainBSC      ChainID = 56
	ChainPolygon  ChainID = 137
	ChainBase     ChainID = 8453
	ChainArbitrum ChainID = 42161
)

// DefaultChainID is the default chain used when none is configured.
const DefaultChainID = ChainEthereum

var chainNames = map[ChainID]string{
	ChainEthereum: "Ethereum",
	ChainBSC:      "BNB Smart Chain",
	ChainPolygon:  "Polygon",
	ChainBase:     "Base",
	ChainArbitrum: "Arbitrum",
}

var nativeSymbols = map[ChainID]string{
	ChainEthereum: "ETH",
	ChainBSC:      "BNB",
	ChainPolygon:  "POL",
	ChainBase:     "ETH",
	ChainArbitrum: "ETH",
}

// Name returns the human readable chain name, or "chain-<id>" if unknown.
func (c ChainID) Name() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return "chain-" + strconv.FormatInt(int64(c), 10)
}

// NativeSymbol returns the symbol of the chain's native coin.
func (c ChainID) NativeSymbol() string {
	if sym, ok := nativeSymbols[c]; ok {
		return sym
	}
	return "ETH"
}

func (c ChainID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// KnownChains returns every chain with a registered name, in ascending id order.
func KnownChains() []ChainID {
	return []ChainID{ChainEthereum, ChainBSC, ChainPolygon, ChainBase, ChainArbitrum}
}
