package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceOracle converts lamport-denominated fees into ledger dollars.
type PriceOracle interface {
	SolPriceUSD(ctx context.Context) (decimal.Decimal, error)
}

const (
	coinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"
	priceCacheWindow  = 5 * time.Minute
)

// CoinGeckoOracle fetches the spot SOL price with a short cache and a static
// fallback so a quote outage never blocks settlement accounting.
type CoinGeckoOracle struct {
	httpClient *http.Client
	fallback   decimal.Decimal
	logger     *zap.Logger

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time
}

// NewCoinGeckoOracle constructs the oracle. fallback is used whenever the
// quote service is unreachable.
func NewCoinGeckoOracle(fallback decimal.Decimal, logger *zap.Logger) *CoinGeckoOracle {
	if logger == nil {
		logger = noOpLogger
	}
	return &CoinGeckoOracle{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fallback:   fallback,
		logger:     logger,
	}
}

// SolPriceUSD returns the cached or freshly fetched spot price. Fetch failures
// degrade to the last known price, then to the configured fallback.
func (o *CoinGeckoOracle) SolPriceUSD(ctx context.Context) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.cached.IsZero() && time.Since(o.fetchedAt) < priceCacheWindow {
		return o.cached, nil
	}

	price, err := o.fetch(ctx)
	if err != nil {
		o.logger.Warn("sol price fetch failed", zap.Error(err))
		if !o.cached.IsZero() {
			return o.cached, nil
		}
		return o.fallback, nil
	}

	o.cached = price
	o.fetchedAt = time.Now()
	return price, nil
}

func (o *CoinGeckoOracle) fetch(ctx context.Context) (decimal.Decimal, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, coinGeckoEndpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	response, err := o.httpClient.Do(request)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("quote service returned %d", response.StatusCode)
	}

	var payload struct {
		Solana struct {
			USD float64 `json:"usd"`
		} `json:"solana"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, err
	}
	if payload.Solana.USD <= 0 {
		return decimal.Decimal{}, fmt.Errorf("quote service returned non-positive price %f", payload.Solana.USD)
	}
	return decimal.NewFromFloat(payload.Solana.USD), nil
}

// StaticOracle returns a fixed price, for tests and offline runs.
type StaticOracle struct {
	Price decimal.Decimal
}

// SolPriceUSD returns the configured price.
func (o StaticOracle) SolPriceUSD(ctx context.Context) (decimal.Decimal, error) {
	return o.Price, nil
}
