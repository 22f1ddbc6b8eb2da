package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pmdata/market-data-api/internal/alerts"
	"github.com/pmdata/market-data-api/internal/observ"
	"github.com/pmdata/market-data-api/internal/quote"
)

// providerSymbol maps our ticker form onto Yahoo's: Japanese instruments
// carry a .T suffix upstream.
func providerSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if (quote.IsJapaneseStock(s) || quote.IsMutualFund(s)) && !strings.HasSuffix(s, ".T") {
		return s + ".T"
	}
	return s
}

// YahooAPIClient talks to the paid Yahoo Finance API behind RapidAPI.
// A 401/403 means the key is bad or the subscription lapsed; that raises
// an operator alert because every request will fail the same way until a
// human fixes the key.
type YahooAPIClient struct {
	baseURL  string
	apiKey   string
	apiHost  string
	pageSize int
	pageWait time.Duration
	http     *http.Client
	limiter  *rate.Limiter
	notifier alerts.Notifier
}

type YahooAPIOptions struct {
	APIKey             string
	APIHost            string
	Timeout            time.Duration
	PageSize           int
	PageDelay          time.Duration
	RateLimitPerMinute int
	Notifier           alerts.Notifier
	// BaseURL overrides the RapidAPI host URL, for tests.
	BaseURL string
}

func NewYahooAPIClient(opts YahooAPIOptions) *YahooAPIClient {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.PageSize == 0 {
		opts.PageSize = 20
	}
	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = 60
	}
	if opts.Notifier == nil {
		opts.Notifier = alerts.LogNotifier{}
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://" + opts.APIHost
	}
	return &YahooAPIClient{
		baseURL:  base,
		apiKey:   opts.APIKey,
		apiHost:  opts.APIHost,
		pageSize: opts.PageSize,
		pageWait: opts.PageDelay,
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(float64(opts.RateLimitPerMinute)/60.0), opts.RateLimitPerMinute),
		notifier: opts.Notifier,
	}
}

func (c *YahooAPIClient) Name() string { return quote.SourceYahooAPI }

// Configured reports whether an API key is present. Without a key the
// client is skipped rather than produce guaranteed 401s.
func (c *YahooAPIClient) Configured() bool { return c.apiKey != "" }

type yahooQuoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol                     string  `json:"symbol"`
			RegularMarketPrice         float64 `json:"regularMarketPrice"`
			RegularMarketChange        float64 `json:"regularMarketChange"`
			RegularMarketChangePercent float64 `json:"regularMarketChangePercent"`
			Currency                   string  `json:"currency"`
			ShortName                  string  `json:"shortName"`
			LongName                   string  `json:"longName"`
		} `json:"result"`
	} `json:"quoteResponse"`
}

func (c *YahooAPIClient) FetchOne(ctx context.Context, symbol string) (quote.Quote, error) {
	quotes, err := c.FetchBatch(ctx, []string{symbol})
	if err != nil {
		return quote.Quote{}, err
	}
	q, ok := quotes[quote.NormalizeTicker(symbol)]
	if !ok {
		return quote.Quote{}, quote.NewNotFoundError(symbol, "no quote in API response")
	}
	return q, nil
}

func (c *YahooAPIClient) FetchBatch(ctx context.Context, symbols []string) (map[string]quote.Quote, error) {
	out := make(map[string]quote.Quote, len(symbols))
	for i := 0; i < len(symbols); i += c.pageSize {
		end := i + c.pageSize
		if end > len(symbols) {
			end = len(symbols)
		}
		if i > 0 && c.pageWait > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(c.pageWait):
			}
		}
		if err := c.fetchPage(ctx, symbols[i:end], out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *YahooAPIClient) fetchPage(ctx context.Context, symbols []string, out map[string]quote.Quote) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	upstream := make([]string, len(symbols))
	for i, s := range symbols {
		upstream[i] = providerSymbol(s)
	}

	u := fmt.Sprintf("%s/market/v2/get-quotes?region=US&symbols=%s", c.baseURL, url.QueryEscape(strings.Join(upstream, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-RapidAPI-Key", c.apiKey)
	req.Header.Set("X-RapidAPI-Host", c.apiHost)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(strings.Join(symbols, ","), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		ferr := quote.ClassifyHTTPStatus(strings.Join(symbols, ","), resp.StatusCode)
		c.notifier.NotifyError("API Key Error", ferr, map[string]any{
			"source": c.Name(),
			"status": resp.StatusCode,
		})
		return ferr
	}
	if resp.StatusCode != http.StatusOK {
		return quote.ClassifyHTTPStatus(strings.Join(symbols, ","), resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return quote.NewNetworkError(strings.Join(symbols, ","), err)
	}
	var parsed yahooQuoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return quote.NewValidationError(strings.Join(symbols, ","), "malformed API response")
	}

	for _, r := range parsed.QuoteResponse.Result {
		if r.RegularMarketPrice <= 0 {
			continue
		}
		norm := quote.NormalizeTicker(r.Symbol)
		dt := quote.TypeOf(norm)
		name := r.LongName
		if name == "" {
			name = r.ShortName
		}
		if name == "" {
			name = norm
		}
		currency := r.Currency
		if currency == "" {
			currency = quote.CurrencyOf(dt)
		}
		out[norm] = quote.Quote{
			Ticker:        norm,
			Price:         r.RegularMarketPrice,
			Change:        r.RegularMarketChange,
			ChangePercent: r.RegularMarketChangePercent,
			Name:          name,
			Currency:      currency,
			LastUpdated:   quote.Now(),
			Source:        c.Name(),
			IsStock:       dt != quote.TypeMutualFund,
			IsMutualFund:  dt == quote.TypeMutualFund,
		}
	}
	return nil
}

// YahooFreeClient uses the unauthenticated chart endpoint. It serves as
// the fallback when the paid API is unavailable and as the primary source
// when no API key is configured.
type YahooFreeClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewYahooFreeClient(timeout time.Duration, ratePerMinute int) *YahooFreeClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if ratePerMinute == 0 {
		ratePerMinute = 60
	}
	return &YahooFreeClient{
		baseURL: "https://query1.finance.yahoo.com",
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute),
	}
}

// NewYahooFreeClientAt points the client at an alternate base URL, for tests.
func NewYahooFreeClientAt(baseURL string, timeout time.Duration) *YahooFreeClient {
	c := NewYahooFreeClient(timeout, 0)
	c.baseURL = baseURL
	return c
}

func (c *YahooFreeClient) Name() string { return quote.SourceYahooFree }

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"chartPreviousClose"`
				ShortName          string  `json:"shortName"`
				LongName           string  `json:"longName"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (c *YahooFreeClient) FetchOne(ctx context.Context, symbol string) (quote.Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return quote.Quote{}, err
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s", c.baseURL, url.PathEscape(providerSymbol(symbol)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return quote.Quote{}, err
	}
	req.Header.Set("User-Agent", randomUserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return quote.Quote{}, classifyTransportError(symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return quote.Quote{}, quote.ClassifyHTTPStatus(symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return quote.Quote{}, quote.NewNetworkError(symbol, err)
	}
	var parsed yahooChartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return quote.Quote{}, quote.NewValidationError(symbol, "malformed chart response")
	}
	if parsed.Chart.Error != nil {
		return quote.Quote{}, quote.NewNotFoundError(symbol, parsed.Chart.Error.Description)
	}
	if len(parsed.Chart.Result) == 0 {
		return quote.Quote{}, quote.NewNotFoundError(symbol, "empty chart result")
	}

	meta := parsed.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return quote.Quote{}, quote.NewNotFoundError(symbol, "no market price in chart")
	}

	norm := quote.NormalizeTicker(symbol)
	dt := quote.TypeOf(norm)
	change := 0.0
	changePct := 0.0
	if meta.PreviousClose > 0 {
		change = meta.RegularMarketPrice - meta.PreviousClose
		changePct = change / meta.PreviousClose * 100
	}
	name := meta.LongName
	if name == "" {
		name = meta.ShortName
	}
	if name == "" {
		name = norm
	}
	currency := meta.Currency
	if currency == "" {
		currency = quote.CurrencyOf(dt)
	}

	observ.IncCounter("yahoo_free_fetches_total", map[string]string{"data_type": dt})
	return quote.Quote{
		Ticker:        norm,
		Price:         meta.RegularMarketPrice,
		Change:        change,
		ChangePercent: changePct,
		Name:          name,
		Currency:      currency,
		LastUpdated:   quote.Now(),
		Source:        c.Name(),
		IsStock:       dt != quote.TypeMutualFund,
		IsMutualFund:  dt == quote.TypeMutualFund,
	}, nil
}

// classifyTransportError turns net/http client errors into FetchErrors.
func classifyTransportError(symbol string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout") {
		return quote.NewTimeoutError(symbol, err)
	}
	return quote.NewNetworkError(symbol, err)
}
