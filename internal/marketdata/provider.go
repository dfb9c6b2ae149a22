package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/xtrntr/brokercall/internal/models"
)

// HTTPProvider fetches quotes from the upstream market data API. Outbound
// requests pass through a client-side rate limiter; the provider enforces
// its own limits upstream and 429s are treated as transient by the cache.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPProvider creates a provider client. rps caps outbound requests per
// second; timeout bounds each request.
func NewHTTPProvider(baseURL, apiKey string, rps float64, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type quoteResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type indexResponse struct {
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

type summaryResponse struct {
	SP500  indexResponse `json:"sp500"`
	Dow    indexResponse `json:"dow"`
	Nasdaq indexResponse `json:"nasdaq"`
}

// FetchQuote returns the latest price for a ticker.
func (p *HTTPProvider) FetchQuote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	var out quoteResponse
	endpoint := fmt.Sprintf("%s/v1/quotes/%s", p.baseURL, url.PathEscape(ticker))
	if err := p.get(ctx, endpoint, &out); err != nil {
		return decimal.Zero, err
	}
	if out.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("provider returned non-positive price for %s", ticker)
	}
	return out.Price, nil
}

// FetchSummary returns the index-level market aggregate.
func (p *HTTPProvider) FetchSummary(ctx context.Context) (*models.MarketSummary, error) {
	var out summaryResponse
	if err := p.get(ctx, p.baseURL+"/v1/market/summary", &out); err != nil {
		return nil, err
	}
	return &models.MarketSummary{
		SP500:  models.IndexQuote{Price: out.SP500.Price, ChangePercent: out.SP500.ChangePercent},
		Dow:    models.IndexQuote{Price: out.Dow.Price, ChangePercent: out.Dow.ChangePercent},
		Nasdaq: models.IndexQuote{Price: out.Nasdaq.Price, ChangePercent: out.Nasdaq.ChangePercent},
	}, nil
}

func (p *HTTPProvider) get(ctx context.Context, endpoint string, out interface{}) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("market data request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("market data provider returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode market data response: %w", err)
	}
	return nil
}
