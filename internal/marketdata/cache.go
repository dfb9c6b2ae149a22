// Package marketdata caches quotes and the market summary in front of an
// unreliable, rate-limited upstream provider.
//
// Cache entries expire after a staleness window. Refreshes are retried with
// exponential backoff and coalesced per key, so N concurrent callers for the
// same ticker produce one upstream fetch. When every attempt fails and an
// expired value exists, it is returned tagged stale_fallback instead of
// failing the caller.
package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/xtrntr/brokercall/internal/models"
)

// Freshness controls whether a cached quote may satisfy a request.
type Freshness int

const (
	// AllowCached returns a non-expired cache entry without a network call.
	AllowCached Freshness = iota
	// ForceFresh always goes upstream (coalesced with in-flight fetches).
	ForceFresh
)

// summaryKey is the cache/coalescing key for the index-level summary.
const summaryKey = "!summary"

// Provider is the upstream market data source.
type Provider interface {
	FetchQuote(ctx context.Context, ticker string) (decimal.Decimal, error)
	FetchSummary(ctx context.Context) (*models.MarketSummary, error)
}

// Service is the quote cache and refresh service.
type Service struct {
	provider  Provider
	ttl       time.Duration
	retries   int
	baseDelay time.Duration
	log       *logrus.Logger

	group singleflight.Group

	mu      sync.RWMutex
	quotes  map[string]models.Quote
	summary *models.MarketSummary
}

// NewService creates a cache over the given provider. ttl is the staleness
// window; retries and baseDelay shape the upstream backoff.
func NewService(provider Provider, ttl time.Duration, retries int, baseDelay time.Duration, log *logrus.Logger) *Service {
	return &Service{
		provider:  provider,
		ttl:       ttl,
		retries:   retries,
		baseDelay: baseDelay,
		log:       log,
		quotes:    make(map[string]models.Quote),
	}
}

// GetQuote returns a price for the ticker, from cache when freshness allows.
// On total upstream failure an expired entry is returned tagged
// stale_fallback; with no prior value the error is models.ErrQuoteUnavailable.
func (s *Service) GetQuote(ctx context.Context, ticker string, freshness Freshness) (models.Quote, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	if freshness == AllowCached {
		if q, ok := s.freshQuote(ticker); ok {
			return q, nil
		}
	}

	v, err, _ := s.group.Do(ticker, func() (interface{}, error) {
		// A coalesced waiter may arrive just after the fetch that was in
		// flight when it called; the cache check keeps AllowCached callers
		// from triggering a second round.
		if freshness == AllowCached {
			if q, ok := s.freshQuote(ticker); ok {
				return q, nil
			}
		}
		return s.refreshQuote(ctx, ticker)
	})
	if err != nil {
		return models.Quote{}, err
	}
	return v.(models.Quote), nil
}

// GetSummary returns the index-level market summary under the same
// cache/retry/fallback contract as single quotes.
func (s *Service) GetSummary(ctx context.Context, freshness Freshness) (*models.MarketSummary, error) {
	if freshness == AllowCached {
		if sum, ok := s.freshSummary(); ok {
			return sum, nil
		}
	}

	v, err, _ := s.group.Do(summaryKey, func() (interface{}, error) {
		if freshness == AllowCached {
			if sum, ok := s.freshSummary(); ok {
				return sum, nil
			}
		}
		return s.refreshSummary(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.MarketSummary), nil
}

func (s *Service) freshQuote(ticker string) (models.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[ticker]
	if !ok || time.Since(q.FetchedAt) >= s.ttl {
		return models.Quote{}, false
	}
	return q, true
}

func (s *Service) freshSummary() (*models.MarketSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.summary == nil || time.Since(s.summary.FetchedAt) >= s.ttl {
		return nil, false
	}
	return s.summary, true
}

func (s *Service) refreshQuote(ctx context.Context, ticker string) (models.Quote, error) {
	var price decimal.Decimal
	err := s.withBackoff(ctx, func(ctx context.Context) error {
		p, err := s.provider.FetchQuote(ctx, ticker)
		if err != nil {
			s.log.WithField("ticker", ticker).WithError(err).Warn("quote fetch failed")
			return retry.RetryableError(err)
		}
		price = p
		return nil
	})
	if err != nil {
		s.mu.RLock()
		prev, ok := s.quotes[ticker]
		s.mu.RUnlock()
		if ok {
			prev.Source = models.SourceStaleFallback
			s.log.WithFields(logrus.Fields{
				"ticker": ticker,
				"age":    time.Since(prev.FetchedAt),
			}).Warn("serving stale quote after failed refresh")
			return prev, nil
		}
		return models.Quote{}, models.ErrQuoteUnavailable
	}

	q := models.Quote{
		Ticker:    ticker,
		Price:     price,
		FetchedAt: time.Now(),
		Source:    models.SourceLive,
	}
	s.mu.Lock()
	s.quotes[ticker] = q
	s.mu.Unlock()
	return q, nil
}

func (s *Service) refreshSummary(ctx context.Context) (*models.MarketSummary, error) {
	var fetched *models.MarketSummary
	err := s.withBackoff(ctx, func(ctx context.Context) error {
		sum, err := s.provider.FetchSummary(ctx)
		if err != nil {
			s.log.WithError(err).Warn("market summary fetch failed")
			return retry.RetryableError(err)
		}
		fetched = sum
		return nil
	})
	if err != nil {
		s.mu.RLock()
		prev := s.summary
		s.mu.RUnlock()
		if prev != nil {
			stale := *prev
			stale.Source = models.SourceStaleFallback
			return &stale, nil
		}
		return nil, models.ErrQuoteUnavailable
	}

	fetched.FetchedAt = time.Now()
	fetched.Source = models.SourceLive
	s.mu.Lock()
	s.summary = fetched
	s.mu.Unlock()
	return fetched, nil
}

func (s *Service) withBackoff(ctx context.Context, fn retry.RetryFunc) error {
	b := retry.WithMaxRetries(uint64(s.retries), retry.NewExponential(s.baseDelay))
	return retry.Do(ctx, b, fn)
}
