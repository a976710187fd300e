package model

import "time"

// Transaction is a wallet transaction as shown in history views.
type Transaction struct {
	Hash        string     `json:"hash"`
	ChainID     ChainID    `json:"chainId"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Value       string     `json:"value"`
	BlockNumber int64      `json:"blockNumber"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Pending     bool       `json:"pending"`
	Failed      bool       `json:"failed"`
}

// TransactionPage is one page of a wallet's transaction list. NextCursor is
// empty when there are no further pages.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"nextCursor,omitempty"`
}

// TokenPrice is a cached fiat price.
type TokenPrice struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
}

// Wallet is the user's active wallet.
type Wallet struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}
