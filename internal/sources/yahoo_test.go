package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmdata/market-data-api/internal/quote"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) NotifyError(title string, err error, context map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func TestProviderSymbol(t *testing.T) {
	assert.Equal(t, "AAPL", providerSymbol("AAPL"))
	assert.Equal(t, "7203.T", providerSymbol("7203"))
	assert.Equal(t, "7203.T", providerSymbol("7203.T"))
	assert.Equal(t, "0131103C.T", providerSymbol("0131103C"))
}

func TestYahooAPIBatch(t *testing.T) {
	var gotKey, gotSymbols string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-RapidAPI-Key")
		gotSymbols = r.URL.Query().Get("symbols")
		fmt.Fprint(w, `{"quoteResponse":{"result":[
			{"symbol":"AAPL","regularMarketPrice":195.5,"regularMarketChange":2.5,"regularMarketChangePercent":1.3,"currency":"USD","shortName":"Apple Inc."},
			{"symbol":"7203.T","regularMarketPrice":2850,"regularMarketChange":-15,"regularMarketChangePercent":-0.52,"currency":"JPY","longName":"Toyota Motor Corporation"}
		]}}`)
	}))
	defer srv.Close()

	c := NewYahooAPIClient(YahooAPIOptions{APIKey: "test-key", APIHost: "example.test", BaseURL: srv.URL})
	quotes, err := c.FetchBatch(context.Background(), []string{"AAPL", "7203"})
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "AAPL,7203.T", gotSymbols)

	require.Len(t, quotes, 2)
	assert.Equal(t, 195.5, quotes["AAPL"].Price)
	assert.Equal(t, "Apple Inc.", quotes["AAPL"].Name)
	assert.True(t, quotes["AAPL"].IsStock)

	// Upstream .T form keys back to the normalized ticker.
	jp, ok := quotes["7203"]
	require.True(t, ok)
	assert.Equal(t, 2850.0, jp.Price)
	assert.Equal(t, "JPY", jp.Currency)
	assert.Equal(t, quote.SourceYahooAPI, jp.Source)
}

func TestYahooAPIPaging(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Query().Get("symbols"))
		fmt.Fprint(w, `{"quoteResponse":{"result":[]}}`)
	}))
	defer srv.Close()

	c := NewYahooAPIClient(YahooAPIOptions{APIKey: "k", APIHost: "example.test", BaseURL: srv.URL, PageSize: 2, RateLimitPerMinute: 6000})
	symbols := []string{"A", "B", "C", "D", "E"}
	_, err := c.FetchBatch(context.Background(), symbols)
	require.NoError(t, err)

	require.Len(t, calls, 3)
	assert.Equal(t, "A,B", calls[0])
	assert.Equal(t, "C,D", calls[1])
	assert.Equal(t, "E", calls[2])
}

func TestYahooAPIKeyErrorAlerts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := &recordingNotifier{}
	c := NewYahooAPIClient(YahooAPIOptions{APIKey: "bad", APIHost: "example.test", BaseURL: srv.URL, Notifier: n})
	_, err := c.FetchOne(context.Background(), "AAPL")
	require.Error(t, err)

	var fe *quote.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, quote.ErrPermission, fe.Kind)
	assert.False(t, fe.Retryable)
	require.Len(t, n.titles, 1)
	assert.Equal(t, "API Key Error", n.titles[0])
}

func TestYahooFreeChart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/v8/finance/chart/"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		fmt.Fprint(w, `{"chart":{"result":[{"meta":{
			"symbol":"MSFT","currency":"USD","regularMarketPrice":420.0,
			"chartPreviousClose":400.0,"shortName":"Microsoft Corporation"
		}}],"error":null}}`)
	}))
	defer srv.Close()

	c := NewYahooFreeClientAt(srv.URL, 5*time.Second)
	q, err := c.FetchOne(context.Background(), "MSFT")
	require.NoError(t, err)

	assert.Equal(t, "MSFT", q.Ticker)
	assert.Equal(t, 420.0, q.Price)
	assert.InDelta(t, 20.0, q.Change, 1e-9)
	assert.InDelta(t, 5.0, q.ChangePercent, 1e-9)
	assert.Equal(t, quote.SourceYahooFree, q.Source)
}

func TestYahooFreeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`)
	}))
	defer srv.Close()

	c := NewYahooFreeClientAt(srv.URL, 5*time.Second)
	_, err := c.FetchOne(context.Background(), "NOPE")
	require.Error(t, err)

	var fe *quote.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, quote.ErrNotFound, fe.Kind)
}

func TestYahooFreeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewYahooFreeClientAt(srv.URL, 5*time.Second)
	_, err := c.FetchOne(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, quote.IsRetryable(err))
}
