package model

import "time"

// BalanceSnapshot is the last recorded balance of a token, used as the
// baseline for change detection. At most one exists per token identity.
type BalanceSnapshot struct {
	TokenAddress *string   `json:"tokenAddress"`
	ChainID      ChainID   `json:"chainId"`
	Balance      string    `json:"balance"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s BalanceSnapshot) Ref() TokenRef {
	return TokenRef{Address: s.TokenAddress, ChainID: s.ChainID}
}

type ChangeType string

const (
	ChangeIncrease ChangeType = "increase"
	ChangeDecrease ChangeType = "decrease"
)

// BalanceChange is a detected delta between a snapshot and a live balance.
type BalanceChange struct {
	Token      TokenInfo  `json:"token"`
	OldBalance string     `json:"oldBalance"`
	NewBalance string     `json:"newBalance"`
	Difference float64    `json:"difference"`
	Timestamp  time.Time  `json:"timestamp"`
	Type       ChangeType `json:"type"`
}

// TokenBalance is a token with its normalized decimal balance.
type TokenBalance struct {
	TokenInfo
	Balance string `json:"balance"`
}

// WalletBalance is the full holding of a wallet as reported by a balance
// source. Tokens may include native coins of secondary chains (nil Address).
type WalletBalance struct {
	NativeToken TokenBalance   `json:"nativeToken"`
	Tokens      []TokenBalance `json:"tokens"`
	FetchedAt   time.Time      `json:"fetchedAt"`
}
