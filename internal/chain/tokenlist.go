package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"gopkg.in/yaml.v3"
)

type tokenListFile struct {
	Tokens []model.TokenInfo `yaml:"tokens"`
}

// LoadTokenList reads the candidate ERC-20 tokens PortfolioSource probes.
// Entries without a chainId are assigned defaultChain.
func LoadTokenList(path string, defaultChain model.ChainID) ([]model.TokenInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token list: %w", err)
	}
	tokens, err := ParseTokenList(data, defaultChain)
	if err != nil {
		return nil, fmt.Errorf("parse token list %s: %w", path, err)
	}
	return tokens, nil
}

// ParseTokenList decodes a YAML token list. Entries without a chainId
// belong to defaultChain (model.DefaultChainID when zero); duplicates (same
// address and chain) keep the first occurrence.
func ParseTokenList(data []byte, defaultChain model.ChainID) ([]model.TokenInfo, error) {
	if defaultChain == 0 {
		defaultChain = model.DefaultChainID
	}
	var file tokenListFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(file.Tokens))
	out := make([]model.TokenInfo, 0, len(file.Tokens))
	for i, t := range file.Tokens {
		if t.Address == nil || strings.TrimSpace(*t.Address) == "" {
			return nil, fmt.Errorf("token %d (%s): address is required", i, t.Symbol)
		}
		if t.Symbol == "" {
			return nil, fmt.Errorf("token %d: symbol is required", i)
		}
		addr := strings.TrimSpace(*t.Address)
		t.Address = &addr
		if t.ChainID == 0 {
			t.ChainID = defaultChain
		}
		if t.ChainName == "" {
			t.ChainName = t.ChainID.Name()
		}
		if t.Name == "" {
			t.Name = t.Symbol
		}

		key := t.Ref().Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}
