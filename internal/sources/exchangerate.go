package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pmdata/market-data-api/internal/metrics"
	"github.com/pmdata/market-data-api/internal/observ"
	"github.com/pmdata/market-data-api/internal/quote"
)

// DefaultUSDJPYRate is the last-resort USD/JPY rate served when every
// provider and the built-in table fail.
const DefaultUSDJPYRate = 149.5

// RateProvider fetches one currency pair from one upstream provider.
type RateProvider interface {
	Name() string
	FetchRate(ctx context.Context, base, target string) (quote.ExchangeRate, error)
}

// ExchangerateAPIClient reads the free exchangerate-api.com v4 endpoint,
// which returns every rate for a base currency in one response.
type ExchangerateAPIClient struct {
	baseURL string
	http    *http.Client
}

func NewExchangerateAPIClient(timeout time.Duration) *ExchangerateAPIClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ExchangerateAPIClient{
		baseURL: "https://api.exchangerate-api.com",
		http:    &http.Client{Timeout: timeout},
	}
}

func NewExchangerateAPIClientAt(baseURL string, timeout time.Duration) *ExchangerateAPIClient {
	c := NewExchangerateAPIClient(timeout)
	c.baseURL = baseURL
	return c
}

func (c *ExchangerateAPIClient) Name() string { return quote.SourceExchangerateAPI }

func (c *ExchangerateAPIClient) FetchRate(ctx context.Context, base, target string) (quote.ExchangeRate, error) {
	pair := base + "-" + target
	u := fmt.Sprintf("%s/v4/latest/%s", c.baseURL, base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return quote.ExchangeRate{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return quote.ExchangeRate{}, classifyTransportError(pair, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return quote.ExchangeRate{}, quote.ClassifyHTTPStatus(pair, resp.StatusCode)
	}

	var parsed struct {
		Base  string             `json:"base"`
		Rates map[string]float64 `json:"rates"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return quote.ExchangeRate{}, quote.NewNetworkError(pair, err)
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return quote.ExchangeRate{}, quote.NewValidationError(pair, "malformed rates response")
	}
	rate, ok := parsed.Rates[target]
	if !ok || rate <= 0 {
		return quote.ExchangeRate{}, quote.NewNotFoundError(pair, "target currency not in response")
	}
	return quote.ExchangeRate{
		Pair: pair, Base: base, Target: target, Rate: rate,
		Source: c.Name(), LastUpdated: quote.Now(),
	}, nil
}

// FrankfurterClient reads the ECB-backed frankfurter.app API.
type FrankfurterClient struct {
	baseURL string
	http    *http.Client
}

func NewFrankfurterClient(timeout time.Duration) *FrankfurterClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &FrankfurterClient{
		baseURL: "https://api.frankfurter.app",
		http:    &http.Client{Timeout: timeout},
	}
}

func NewFrankfurterClientAt(baseURL string, timeout time.Duration) *FrankfurterClient {
	c := NewFrankfurterClient(timeout)
	c.baseURL = baseURL
	return c
}

func (c *FrankfurterClient) Name() string { return quote.SourceFrankfurter }

func (c *FrankfurterClient) FetchRate(ctx context.Context, base, target string) (quote.ExchangeRate, error) {
	pair := base + "-" + target
	u := fmt.Sprintf("%s/latest?from=%s&to=%s", c.baseURL, base, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return quote.ExchangeRate{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return quote.ExchangeRate{}, classifyTransportError(pair, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return quote.ExchangeRate{}, quote.ClassifyHTTPStatus(pair, resp.StatusCode)
	}

	var parsed struct {
		Rates map[string]float64 `json:"rates"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return quote.ExchangeRate{}, quote.NewNetworkError(pair, err)
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return quote.ExchangeRate{}, quote.NewValidationError(pair, "malformed rates response")
	}
	rate, ok := parsed.Rates[target]
	if !ok || rate <= 0 {
		return quote.ExchangeRate{}, quote.NewNotFoundError(pair, "target currency not in response")
	}
	return quote.ExchangeRate{
		Pair: pair, Base: base, Target: target, Rate: rate,
		Source: c.Name(), LastUpdated: quote.Now(),
	}, nil
}

// HardcodedRates serves a built-in table of approximate rates. It sits
// last in the waterfall so a total network outage still yields usable
// numbers, clearly labeled as defaults.
type HardcodedRates struct{}

var hardcodedTable = map[string]float64{
	"USD-JPY": DefaultUSDJPYRate,
	"JPY-USD": 1 / DefaultUSDJPYRate,
	"EUR-JPY": 160.2,
	"EUR-USD": 1.08,
	"GBP-USD": 1.27,
	"GBP-JPY": 189.8,
}

func (HardcodedRates) Name() string { return quote.SourceHardcodedRates }

func (HardcodedRates) FetchRate(_ context.Context, base, target string) (quote.ExchangeRate, error) {
	pair := base + "-" + target
	rate, ok := hardcodedTable[pair]
	if !ok {
		if inv, ok := hardcodedTable[target+"-"+base]; ok && inv > 0 {
			rate = 1 / inv
		} else {
			return quote.ExchangeRate{}, quote.NewNotFoundError(pair, "pair not in built-in table")
		}
	}
	return quote.ExchangeRate{
		Pair: pair, Base: base, Target: target, Rate: rate,
		Source: quote.SourceHardcodedRates, LastUpdated: quote.Now(), IsDefault: true,
	}, nil
}

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// ExchangeRateService runs the provider waterfall for currency pairs and
// guarantees a result: same-currency pairs short-circuit, JPY-based pairs
// are fetched inverted, and when everything fails an emergency default is
// served with the error attached.
type ExchangeRateService struct {
	providers map[string]RateProvider
	recorder  *metrics.Recorder
	timeout   time.Duration
}

func NewExchangeRateService(recorder *metrics.Recorder, timeout time.Duration, providers ...RateProvider) *ExchangeRateService {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	byName := make(map[string]RateProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &ExchangeRateService{providers: byName, recorder: recorder, timeout: timeout}
}

// GetRate resolves one pair. It always returns a usable ExchangeRate.
func (s *ExchangeRateService) GetRate(ctx context.Context, base, target string) quote.ExchangeRate {
	base = strings.ToUpper(strings.TrimSpace(base))
	target = strings.ToUpper(strings.TrimSpace(target))
	pair := base + "-" + target

	if !currencyCode.MatchString(base) || !currencyCode.MatchString(target) {
		return quote.ExchangeRate{
			Pair: pair, Base: base, Target: target, Rate: 1,
			Source: quote.SourceEmergencyFallback, LastUpdated: quote.Now(),
			IsDefault: true, Error: "invalid currency code",
		}
	}
	if base == target {
		return quote.ExchangeRate{
			Pair: pair, Base: base, Target: target, Rate: 1,
			Source: quote.SourceSameCurrency, LastUpdated: quote.Now(),
		}
	}

	// Several free providers cannot serve JPY as a base, so JPY pairs are
	// fetched the other way round and inverted.
	fetchBase, fetchTarget, invert := base, target, false
	if base == "JPY" {
		fetchBase, fetchTarget, invert = target, base, true
	}

	var lastErr error
	for _, name := range s.recorder.SourcePriority(quote.TypeExchangeRate) {
		p, ok := s.providers[name]
		if !ok {
			continue
		}
		fctx, cancel := context.WithTimeout(ctx, s.timeout)
		start := time.Now()
		r, err := p.FetchRate(fctx, fetchBase, fetchTarget)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			lastErr = err
			s.recorder.RecordDataSourceResult(name, false, elapsed, quote.TypeExchangeRate, pair, err.Error())
			observ.Log("exchange_rate_provider_failed", map[string]any{"provider": name, "pair": pair, "error": err.Error()})
			continue
		}
		s.recorder.RecordDataSourceResult(name, true, elapsed, quote.TypeExchangeRate, pair, "")

		if invert {
			// Change and ChangePercent stay as reported for the
			// canonical direction.
			r = quote.ExchangeRate{
				Pair: pair, Base: base, Target: target,
				Rate:          1 / r.Rate,
				Change:        r.Change,
				ChangePercent: r.ChangePercent,
				Source:        r.Source,
				LastUpdated:   r.LastUpdated,
				IsDefault:     r.IsDefault,
			}
		}
		return r
	}

	// Emergency fallback: every provider failed, including the built-in
	// table for an unknown pair.
	rate := 1.0
	if v, ok := hardcodedTable[pair]; ok {
		rate = v
	} else if inv, ok := hardcodedTable[target+"-"+base]; ok && inv > 0 {
		rate = 1 / inv
	}
	errMsg := "all exchange rate providers failed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	observ.IncCounter("exchange_rate_emergency_fallback_total", map[string]string{"pair": pair})
	return quote.ExchangeRate{
		Pair: pair, Base: base, Target: target, Rate: rate,
		Source: quote.SourceEmergencyFallback, LastUpdated: quote.Now(),
		IsDefault: true, Error: errMsg,
	}
}
