package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainIDName(t *testing.T) {
	assert.Equal(t, "Ethereum", ChainEthereum.Name())
	assert.Equal(t, "Polygon", ChainPolygon.Name())
	assert.Equal(t, "chain-999", ChainID(999).Name())
}

func TestChainIDNativeSymbol(t *testing.T) {
	assert.Equal(t, "BNB", ChainBSC.NativeSymbol())
	assert.Equal(t, "ETH", ChainArbitrum.NativeSymbol())
	assert.Equal(t, "ETH", ChainID(999).NativeSymbol())
}

func TestChainIDString(t *testing.T) {
	assert.Equal(t, "8453", ChainBase.String())
}
