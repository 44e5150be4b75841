package prices

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stockly/internal/errors"
	"stockly/internal/resilience"
	"stockly/pkg/utils"
)

func newClient(url string, batch int) *FMPClient {
	return NewFMPClient(FMPConfig{
		BaseURL:   url,
		APIKey:    "test-key",
		Timeout:   2 * time.Second,
		BatchSize: batch,
		Retry:     utils.RetryConfig{MaxAttempts: 2, Delays: []time.Duration{time.Millisecond}},
		Breaker:   resilience.CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Minute},
	}, zerolog.Nop())
}

func TestGetPricesBatchesDistinctSymbols(t *testing.T) {
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		path := strings.TrimPrefix(r.URL.Path, "/quote/")
		requests = append(requests, path)

		var items []string
		for _, sym := range strings.Split(path, ",") {
			items = append(items, fmt.Sprintf(`{"symbol":%q,"price":%d}`, sym, len(sym)*10))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(items, ","))
	}))
	defer srv.Close()

	c := newClient(srv.URL, 2)
	got, err := c.GetPrices(context.Background(), []string{"msft", "AAPL", "aapl", " tsla ", ""})
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL,MSFT", "TSLA"}, requests)
	assert.Equal(t, map[string]float64{"AAPL": 40, "MSFT": 40, "TSLA": 40}, got)
}

func TestGetPricesSkipsNullPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"symbol":"AAPL","price":187.5},{"symbol":"DELISTED","price":null}]`)
	}))
	defer srv.Close()

	got, err := newClient(srv.URL, 10).GetPrices(context.Background(), []string{"AAPL", "DELISTED", "UNKNOWN"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"AAPL": 187.5}, got)
}

func TestGetPricesRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[{"symbol":"AAPL","price":100}]`)
	}))
	defer srv.Close()

	got, err := newClient(srv.URL, 10).GetPrices(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, got["AAPL"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetPricesDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"Error Message":"Invalid API KEY."}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 10).GetPrices(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPriceSourceUnavailable)

	var pe *apperrors.PriceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"AAPL"}, pe.Symbols)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetPricesPartialFailureKeepsGoodBatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "BAD") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `[{"symbol":"AAPL","price":1}]`)
	}))
	defer srv.Close()

	got, err := newClient(srv.URL, 1).GetPrices(context.Background(), []string{"AAPL", "BAD"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"AAPL": 1}, got)
}

func TestGetPricesCircuitOpensOnRepeatedFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewFMPClient(FMPConfig{
		BaseURL: srv.URL,
		Retry:   utils.RetryConfig{MaxAttempts: 1},
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour},
	}, zerolog.Nop())

	_, err := c.GetPrices(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	_, err = c.GetPrices(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, resilience.CircuitOpen, c.Breaker().State())
}

func TestGetPricesEmptyInput(t *testing.T) {
	got, err := newClient("http://127.0.0.1:0", 10).GetPrices(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDistinctSymbols(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, DistinctSymbols([]string{"b", "a", "B", " ", "a"}))
}

func TestGetPricesTransportErrorHidesAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := NewFMPClient(FMPConfig{
		BaseURL: addr,
		APIKey:  "super-secret-key",
		Retry:   utils.RetryConfig{MaxAttempts: 1},
	}, zerolog.Nop())

	_, err := c.GetPrices(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "super-secret-key")
	assert.Contains(t, err.Error(), "apikey=REDACTED")
}
