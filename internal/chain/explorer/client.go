// Package explorer lists wallet transactions from an Etherscan-compatible
// block explorer API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/chain/evm"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/retry"
)

const (
	DefaultBaseURL  = "https://api.etherscan.io/v2/api"
	DefaultPageSize = 25
	maxBodyBytes    = 4 << 20
)

// ErrInvalidCursor is returned when a page cursor is not a positive integer.
var ErrInvalidCursor = errors.New("invalid cursor")

type Config struct {
	BaseURL  string
	APIKey   string
	ChainID  model.ChainID
	PageSize int
	Timeout  time.Duration
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	chainID    model.ChainID
	pageSize   int
	policy     retry.Policy
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = model.DefaultChainID
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		chainID:    cfg.ChainID,
		pageSize:   cfg.PageSize,
		policy:     retry.DefaultPolicy,
		logger:     logger.With("component", "explorer"),
	}
}

type txListResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type txListItem struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	IsError     string `json:"isError"`
}

// ListTransactions returns one page of wallet's transactions, newest
// first. cursor is the page number; "" means the first page.
func (c *Client) ListTransactions(ctx context.Context, wallet, cursor string) (model.TransactionPage, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return model.TransactionPage{}, fmt.Errorf("%w %q", ErrInvalidCursor, cursor)
		}
		page = n
	}

	q := url.Values{}
	q.Set("chainid", c.chainID.String())
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", wallet)
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(c.pageSize))
	q.Set("sort", "desc")
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	var items []txListItem
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var resp txListResponse
		if err := c.get(ctx, c.baseURL+"?"+q.Encode(), &resp); err != nil {
			return err
		}
		decoded, err := decodeResult(resp)
		if err != nil {
			return err
		}
		items = decoded
		return nil
	})
	if err != nil {
		return model.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}

	out := model.TransactionPage{Transactions: make([]model.Transaction, 0, len(items))}
	for _, it := range items {
		out.Transactions = append(out.Transactions, c.toTransaction(it))
	}
	if len(items) == c.pageSize {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	return out, nil
}

// decodeResult handles the API's habit of putting an error string in
// "result" when status is "0".
func decodeResult(resp txListResponse) ([]txListItem, error) {
	var items []txListItem
	if err := json.Unmarshal(resp.Result, &items); err == nil {
		if resp.Status == "0" && len(items) == 0 && !strings.Contains(strings.ToLower(resp.Message), "no transactions") {
			return nil, fmt.Errorf("explorer error: %s", resp.Message)
		}
		return items, nil
	}

	var msg string
	_ = json.Unmarshal(resp.Result, &msg)
	err := fmt.Errorf("explorer error: %s: %s", resp.Message, msg)
	if strings.Contains(strings.ToLower(msg), "rate limit") {
		return nil, retry.Transient(err)
	}
	return nil, err
}

func (c *Client) toTransaction(it txListItem) model.Transaction {
	tx := model.Transaction{
		Hash:    it.Hash,
		ChainID: c.chainID,
		From:    it.From,
		To:      it.To,
		Value:   "0",
		Failed:  it.IsError == "1",
	}
	if n, err := strconv.ParseInt(it.BlockNumber, 10, 64); err == nil {
		tx.BlockNumber = n
	} else {
		tx.Pending = true
	}
	if sec, err := strconv.ParseInt(it.TimeStamp, 10, 64); err == nil {
		ts := time.Unix(sec, 0).UTC()
		tx.Timestamp = &ts
	}
	if wei, ok := new(big.Int).SetString(it.Value, 10); ok {
		tx.Value = evm.FormatUnits(wei, model.NativeDecimals)
	}
	return tx
}

func (c *Client) get(ctx context.Context, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
