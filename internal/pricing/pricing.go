// Package pricing converts native token amounts to USD. Conversions never
// fail: a live source is consulted first, then the TTL cache, then a fixed
// per-chain fallback table.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	httppkg "github.com/taskmesh/taskmesh-backend/pkg/http"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/metrics"
)

// weiPerToken is the wei-to-token divisor for 18-decimal chains.
var weiPerToken = new(big.Float).SetFloat64(1e18)

// DefaultCacheTTL bounds how long a fetched price is considered fresh.
const DefaultCacheTTL = 5 * time.Minute

// DefaultFallbackPriceUSD is applied to chains missing from the fallback
// table. Conservative so stake admission is not blocked by a pricing gap.
const DefaultFallbackPriceUSD = 1000.0

// defaultFallbackPrices holds last-resort native token prices per chain.
var defaultFallbackPrices = map[int64]float64{
	1:        3000, // Ethereum mainnet
	10:       3000, // OP mainnet
	137:      0.80, // Polygon PoS
	8453:     3000, // Base
	42161:    3000, // Arbitrum One
	11155111: 3000, // Sepolia
	84532:    3000, // Base Sepolia
	421614:   3000, // Arbitrum Sepolia
}

// Source fetches a live native token price for a chain.
type Source interface {
	FetchPriceUSD(ctx context.Context, chainID int64) (float64, error)
}

type cacheEntry struct {
	price     float64
	fetchedAt time.Time
}

// Service resolves prices and converts wei amounts to USD.
type Service struct {
	source   Source // nil when no live source is configured
	ttl      time.Duration
	logger   logging.Logger
	coordMet *metrics.CoordinatorMetrics // nil disables counters

	mu    sync.RWMutex
	cache map[int64]cacheEntry
}

func NewService(source Source, ttl time.Duration, logger logging.Logger, coordMet *metrics.CoordinatorMetrics) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		source:   source,
		ttl:      ttl,
		logger:   logger,
		coordMet: coordMet,
		cache:    make(map[int64]cacheEntry),
	}
}

// NativeTokenPriceUSD resolves the native token price for a chain. Fresh
// cache entries are served directly; otherwise the live source is asked,
// then a stale cache entry, then the fallback table. Never returns an error.
func (s *Service) NativeTokenPriceUSD(ctx context.Context, chainID int64) float64 {
	s.mu.RLock()
	entry, cached := s.cache[chainID]
	s.mu.RUnlock()

	if cached && time.Since(entry.fetchedAt) < s.ttl {
		return entry.price
	}

	if s.source != nil {
		price, err := s.source.FetchPriceUSD(ctx, chainID)
		if err == nil && price > 0 {
			s.mu.Lock()
			s.cache[chainID] = cacheEntry{price: price, fetchedAt: time.Now()}
			s.mu.Unlock()
			return price
		}
		if err != nil {
			s.logger.Warnf("Price fetch failed for chain %d: %v", chainID, err)
		}
	}

	// Expired cache beats the static table.
	if cached {
		s.logger.Debugf("Serving stale price for chain %d", chainID)
		return entry.price
	}

	if s.coordMet != nil {
		s.coordMet.PriceFallbacks.Inc()
	}
	if price, ok := defaultFallbackPrices[chainID]; ok {
		return price
	}
	s.logger.Warnf("No fallback price for chain %d, using default", chainID)
	return DefaultFallbackPriceUSD
}

// refreshChain force-fetches a price into the cache, bypassing TTL checks.
func (s *Service) refreshChain(ctx context.Context, chainID int64) {
	if s.source == nil {
		return
	}
	price, err := s.source.FetchPriceUSD(ctx, chainID)
	if err != nil {
		s.logger.Warnf("Scheduled price refresh failed for chain %d: %v", chainID, err)
		return
	}
	if price <= 0 {
		return
	}
	s.mu.Lock()
	s.cache[chainID] = cacheEntry{price: price, fetchedAt: time.Now()}
	s.mu.Unlock()
}

// ConvertToUSD converts a wei amount on the given chain to USD. Nil or
// negative amounts convert to zero. Never returns an error.
func (s *Service) ConvertToUSD(ctx context.Context, chainID int64, wei *big.Int) float64 {
	if wei == nil || wei.Sign() <= 0 {
		return 0
	}

	price := s.NativeTokenPriceUSD(ctx, chainID)

	tokens := new(big.Float).SetInt(wei)
	tokens.Quo(tokens, weiPerToken)
	tokens.Mul(tokens, new(big.Float).SetFloat64(price))

	usd, _ := tokens.Float64()
	return usd
}

// HTTPSource fetches prices from a JSON endpoint using the retrying
// HTTP client.
type HTTPSource struct {
	client  *httppkg.HTTPClient
	baseURL string
}

func NewHTTPSource(client *httppkg.HTTPClient, baseURL string) *HTTPSource {
	return &HTTPSource{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type priceResponse struct {
	ChainID  int64   `json:"chain_id"`
	PriceUSD float64 `json:"price_usd"`
}

func (s *HTTPSource) FetchPriceUSD(ctx context.Context, chainID int64) (float64, error) {
	url := fmt.Sprintf("%s/v1/price?chain_id=%d", s.baseURL, chainID)
	resp, err := s.client.Get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}
	if out.PriceUSD <= 0 {
		return 0, fmt.Errorf("price endpoint returned non-positive price %f for chain %d", out.PriceUSD, chainID)
	}
	return out.PriceUSD, nil
}
