// Package pricing resolves USD token prices through the price cache,
// fetching only the misses from a CoinGecko-compatible API.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/cache"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/retry"
)

const (
	DefaultBaseURL   = "https://api.coingecko.com/api/v3"
	DefaultBatchSize = 20
	maxBodyBytes     = 1 << 20
)

// platforms maps chains to CoinGecko asset platform ids.
var platforms = map[model.ChainID]string{
	model.ChainEthereum: "ethereum",
	model.ChainBSC:      "binance-smart-chain",
	model.ChainPolygon:  "polygon-pos",
	model.ChainBase:     "base",
	model.ChainArbitrum: "arbitrum-one",
}

// nativeCoins maps chains to the CoinGecko coin id of their native coin.
var nativeCoins = map[model.ChainID]string{
	model.ChainEthereum: "ethereum",
	model.ChainBSC:      "binancecoin",
	model.ChainPolygon:  "polygon-ecosystem-token",
	model.ChainBase:     "ethereum",
	model.ChainArbitrum: "ethereum",
}

type Config struct {
	BaseURL   string
	APIKey    string
	BatchSize int
	Timeout   time.Duration
}

type Service struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	batchSize  int
	cache      *cache.PriceCache
	policy     retry.Policy
	logger     *slog.Logger
	nowFn      func() time.Time
}

func New(cfg Config, prices *cache.PriceCache, logger *slog.Logger) *Service {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Service{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		batchSize:  cfg.BatchSize,
		cache:      prices,
		policy:     retry.DefaultPolicy,
		logger:     logger.With("component", "pricing"),
		nowFn:      time.Now,
	}
}

type request struct {
	path  string
	param string
	ids   []string
	// keys maps a lowercased response id to the cache keys it prices.
	keys map[string][]string
	sym  map[string]string
}

// Prices returns the USD price of each token it can resolve, keyed by
// model.TokenRef.Key(). Tokens without a known price are absent from the
// result. Failed batches are logged; an error is returned only when nothing
// could be fetched and nothing was cached.
func (s *Service) Prices(ctx context.Context, tokens []model.TokenInfo) (map[string]model.TokenPrice, error) {
	keys := make([]string, 0, len(tokens))
	byKey := make(map[string]model.TokenInfo, len(tokens))
	for _, t := range tokens {
		k := t.Ref().Key()
		keys = append(keys, k)
		byKey[k] = t
	}

	missing := s.cache.Missing(keys)
	var fetchErr error
	if len(missing) > 0 {
		fetchErr = s.fetch(ctx, missing, byKey)
	}

	out := make(map[string]model.TokenPrice, len(keys))
	for _, k := range keys {
		if p, ok := s.cache.Get(k); ok {
			out[k] = p
		}
	}
	if len(out) == 0 && fetchErr != nil {
		return nil, fetchErr
	}
	return out, nil
}

func (s *Service) fetch(ctx context.Context, missing []string, byKey map[string]model.TokenInfo) error {
	var requests []*request

	natives := &request{path: "/simple/price", param: "ids", keys: map[string][]string{}, sym: map[string]string{}}
	contracts := map[model.ChainID][]string{}
	for _, k := range missing {
		t, ok := byKey[k]
		if !ok {
			continue
		}
		if t.IsNative() {
			coin, ok := nativeCoins[t.ChainID]
			if !ok {
				continue
			}
			if _, seen := natives.keys[coin]; !seen {
				natives.ids = append(natives.ids, coin)
			}
			natives.keys[coin] = append(natives.keys[coin], k)
			natives.sym[coin] = t.Symbol
			continue
		}
		if _, ok := platforms[t.ChainID]; ok {
			contracts[t.ChainID] = append(contracts[t.ChainID], k)
		}
	}
	if len(natives.ids) > 0 {
		requests = append(requests, natives)
	}

	for chainID, ks := range contracts {
		for start := 0; start < len(ks); start += s.batchSize {
			end := min(start+s.batchSize, len(ks))
			req := &request{
				path:  "/simple/token_price/" + platforms[chainID],
				param: "contract_addresses",
				keys:  map[string][]string{},
				sym:   map[string]string{},
			}
			for _, k := range ks[start:end] {
				t := byKey[k]
				addr := strings.ToLower(*t.Address)
				req.ids = append(req.ids, addr)
				req.keys[addr] = append(req.keys[addr], k)
				req.sym[addr] = t.Symbol
			}
			requests = append(requests, req)
		}
	}

	var lastErr error
	failed := 0
	for _, req := range requests {
		if err := s.fetchBatch(ctx, req); err != nil {
			failed++
			lastErr = err
			s.logger.Warn("price batch failed", "path", req.path, "size", len(req.ids), "error", err)
		}
	}
	if failed > 0 && failed == len(requests) {
		return fmt.Errorf("fetch prices: %w", lastErr)
	}
	return nil
}

func (s *Service) fetchBatch(ctx context.Context, req *request) error {
	q := url.Values{}
	q.Set(req.param, strings.Join(req.ids, ","))
	q.Set("vs_currencies", "usd")

	var resp map[string]map[string]float64
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.get(ctx, s.baseURL+req.path+"?"+q.Encode(), &resp)
	})
	if err != nil {
		return err
	}

	now := s.nowFn()
	prices := make(map[string]model.TokenPrice)
	for id, quote := range resp {
		usd, ok := quote["usd"]
		if !ok {
			continue
		}
		id = strings.ToLower(id)
		for _, k := range req.keys[id] {
			prices[k] = model.TokenPrice{Price: usd, Timestamp: now, Symbol: req.sym[id]}
		}
	}
	s.cache.SetMany(prices)
	return nil
}

func (s *Service) get(ctx context.Context, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
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
