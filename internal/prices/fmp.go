// Package prices fetches current quotes from Financial Modeling Prep.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "stockly/internal/errors"
	"stockly/internal/logging"
	"stockly/internal/models"
	"stockly/internal/resilience"
	"stockly/pkg/utils"
)

// Source returns the latest price per symbol. Symbols the provider cannot
// resolve are simply absent from the result.
type Source interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// FMPConfig configures the FMP client.
type FMPConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	BatchSize int
	Retry     utils.RetryConfig
	Breaker   resilience.CircuitBreakerConfig
}

// FMPClient fetches quotes over the FMP REST API.
type FMPClient struct {
	baseURL   string
	apiKey    string
	batchSize int
	retry     utils.RetryConfig
	client    *http.Client
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger
}

// quote is the subset of the FMP quote payload we read.
type quote struct {
	Symbol string   `json:"symbol"`
	Price  *float64 `json:"price"`
}

// statusError carries a non-2xx upstream response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("fmp returned status %d: %s", e.code, e.body)
}

// NewFMPClient creates a new FMP client.
func NewFMPClient(cfg FMPConfig, logger zerolog.Logger) *FMPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = utils.DefaultRetryConfig()
	}
	cfg.Retry.ShouldRetry = retryable
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig()
	}

	return &FMPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		batchSize: cfg.BatchSize,
		retry:     cfg.Retry,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: resilience.NewCircuitBreaker("fmp", cfg.Breaker),
		logger:  logger,
	}
}

// Breaker exposes the circuit breaker so callers can observe transitions.
func (c *FMPClient) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// GetPrices fetches quotes for the distinct, upper-cased symbols in batches.
// A batch that fails is logged and its symbols left out; the call only fails
// when every batch fails.
func (c *FMPClient) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	unique := DistinctSymbols(symbols)
	prices := make(map[string]float64, len(unique))
	if len(unique) == 0 {
		return prices, nil
	}

	var lastErr error
	failed := 0
	batches := 0

	for start := 0; start < len(unique); start += c.batchSize {
		end := start + c.batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]
		batches++

		quotes, err := resilience.ExecuteWithResult(c.breaker, ctx, func(ctx context.Context) ([]quote, error) {
			return utils.RetryWithResult(ctx, c.retry, func() ([]quote, error) {
				return c.fetchBatch(ctx, batch)
			})
		})
		if err != nil {
			failed++
			lastErr = err
			c.logger.Warn().Err(err).Strs("symbols", batch).Msg("Quote batch failed")
			continue
		}

		for _, q := range quotes {
			if q.Price == nil {
				continue
			}
			prices[models.NormalizeSymbol(q.Symbol)] = *q.Price
		}
	}

	if failed == batches {
		return nil, apperrors.NewPriceError(unique, "all quote batches failed",
			fmt.Errorf("%w: %w", apperrors.ErrPriceSourceUnavailable, lastErr))
	}
	return prices, nil
}

func (c *FMPClient) fetchBatch(ctx context.Context, symbols []string) ([]quote, error) {
	escaped := make([]string, len(symbols))
	for i, s := range symbols {
		escaped[i] = url.PathEscape(s)
	}
	endpoint := fmt.Sprintf("%s/quote/%s?apikey=%s",
		c.baseURL,
		strings.Join(escaped, ","),
		url.QueryEscape(c.apiKey),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// The request URL carries the API key.
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = logging.RedactURL(ue.URL)
		}
	}
	logging.LogAPICall(c.logger, http.MethodGet, "/quote", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("fetching quotes: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading quotes: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(body), 200)}
	}

	var quotes []quote
	if err := json.Unmarshal(body, &quotes); err != nil {
		// FMP reports some errors as a 200 with an object body.
		return nil, fmt.Errorf("decoding quotes: %w", err)
	}
	return quotes, nil
}

// retryable treats client errors other than 429 as final.
func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// DistinctSymbols normalises symbols, drops blanks and duplicates, and sorts.
func DistinctSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := models.NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
