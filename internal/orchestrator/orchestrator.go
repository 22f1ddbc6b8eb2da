// Package orchestrator runs the source waterfall. It owns the guarantee
// the rest of the system is built on: asking for a quote always yields a
// quote. Live data when a source answers, a last-known or synthesized
// fallback when none does, a labeled placeholder when the symbol is
// blacklisted. Errors are absorbed into degraded results, never returned
// to the single-quote caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pmdata/market-data-api/internal/alerts"
	"github.com/pmdata/market-data-api/internal/blacklist"
	"github.com/pmdata/market-data-api/internal/metrics"
	"github.com/pmdata/market-data-api/internal/observ"
	"github.com/pmdata/market-data-api/internal/quote"
	"github.com/pmdata/market-data-api/internal/sources"
	"github.com/pmdata/market-data-api/internal/store"
)

// ErrNoSymbols is returned by batch operations on nil or empty input.
var ErrNoSymbols = errors.New("no symbols provided")

const lastKnownPrefix = "lastknown:"

// Observer receives fetch lifecycle events. The zero value of NopObserver
// is used when the caller does not care.
type Observer interface {
	FetchStarted(symbol, source string)
	FetchFinished(symbol, source string, duration time.Duration, err error)
}

type NopObserver struct{}

func (NopObserver) FetchStarted(string, string)                              {}
func (NopObserver) FetchFinished(string, string, time.Duration, error)       {}

// Options collects everything the orchestrator needs. Clients are keyed
// by their Name(); the priority table decides which of them run and in
// what order.
type Options struct {
	Clients   []sources.Client
	Rates     *sources.ExchangeRateService
	Blacklist *blacklist.List
	Recorder  *metrics.Recorder
	Store     store.Store
	Notifier  alerts.Notifier
	// Retry controls per-source retries. nil means DefaultRetryPolicy;
	// pass &RetryPolicy{} to disable retries entirely.
	Retry    *RetryPolicy
	Observer Observer

	BatchDelay         time.Duration
	ErrorRateThreshold float64
	AlertThreshold     float64
	// CacheTTL bounds how long a stored quote may be served without a
	// fresh fetch. Zero disables serving from cache.
	CacheTTL time.Duration
}

type Orchestrator struct {
	clients   map[string]sources.Client
	rates     *sources.ExchangeRateService
	blacklist *blacklist.List
	recorder  *metrics.Recorder
	store     store.Store
	notifier  alerts.Notifier
	retry     RetryPolicy
	observer  Observer

	batchDelay         time.Duration
	errorRateThreshold float64
	alertThreshold     float64
	cacheTTL           time.Duration

	// injectable for tests
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func New(opts Options) *Orchestrator {
	clients := make(map[string]sources.Client, len(opts.Clients))
	for _, c := range opts.Clients {
		clients[c.Name()] = c
	}
	if opts.Notifier == nil {
		opts.Notifier = alerts.LogNotifier{}
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Retry == nil {
		def := DefaultRetryPolicy()
		opts.Retry = &def
	}
	if opts.ErrorRateThreshold == 0 {
		opts.ErrorRateThreshold = 0.5
	}
	if opts.AlertThreshold == 0 {
		opts.AlertThreshold = 0.1
	}
	return &Orchestrator{
		clients:            clients,
		rates:              opts.Rates,
		blacklist:          opts.Blacklist,
		recorder:           opts.Recorder,
		store:              opts.Store,
		notifier:           opts.Notifier,
		retry:              *opts.Retry,
		observer:           opts.Observer,
		batchDelay:         opts.BatchDelay,
		errorRateThreshold: opts.ErrorRateThreshold,
		alertThreshold:     opts.AlertThreshold,
		cacheTTL:           opts.CacheTTL,
		randFloat:          rand.Float64,
		sleep:              sleepCtx,
		now:                time.Now,
	}
}

// GetQuote resolves one symbol through the waterfall. It never fails.
func (o *Orchestrator) GetQuote(ctx context.Context, symbol string) quote.Quote {
	norm := quote.NormalizeTicker(symbol)
	dataType := quote.TypeOf(norm)
	market := quote.MarketOf(dataType)

	if o.blacklist.IsBlacklisted(norm, market) {
		q := o.fallbackQuote(norm)
		q.Source = quote.SourceBlacklistedFallback
		q.IsBlacklisted = true
		observ.IncCounter("quotes_served_total", map[string]string{"outcome": "blacklisted"})
		return q
	}

	var lastErr error
	for _, name := range o.recorder.SourcePriority(dataType) {
		client, ok := o.clients[name]
		if !ok {
			continue
		}

		o.observer.FetchStarted(norm, name)
		start := time.Now()
		var q quote.Quote
		err := o.retry.Do(ctx, func(ctx context.Context) error {
			var ferr error
			q, ferr = client.FetchOne(ctx, norm)
			return ferr
		})
		elapsed := time.Since(start)
		o.observer.FetchFinished(norm, name, elapsed, err)

		if err != nil {
			lastErr = err
			o.recorder.RecordDataSourceResult(name, false, elapsed, dataType, norm, err.Error())
			observ.Log("source_failed", map[string]any{"symbol": norm, "source": name, "error": err.Error()})
			continue
		}

		o.recorder.RecordDataSourceResult(name, true, elapsed, dataType, norm, "")
		o.blacklist.RecordSuccess(norm)
		o.rememberQuote(q)
		observ.IncCounter("quotes_served_total", map[string]string{"outcome": "live"})
		return q
	}

	// Every source failed. Record the failure streak and degrade.
	reason := "all sources failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	o.blacklist.RecordFailure(norm, market, reason)
	o.maybeAlertTotalFailure(dataType, norm, lastErr)

	q := o.fallbackQuote(norm)
	if lastErr != nil {
		q.Error = lastErr.Error()
	}
	observ.IncCounter("quotes_served_total", map[string]string{"outcome": "fallback"})
	observ.IncCounter("quotes_fallback_total", map[string]string{"data_type": dataType})
	return q
}

// GetQuotesBatch resolves many symbols sequentially with a spacing delay
// so a burst of symbols does not hammer the upstreams. Blacklisted
// symbols are resolved in a single pre-pass and never consume a delay
// slot; an all-blacklisted batch returns without sleeping at all. A
// panic while resolving one symbol is contained to that symbol.
func (o *Orchestrator) GetQuotesBatch(ctx context.Context, symbols []string) ([]quote.Quote, error) {
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}

	out := make([]quote.Quote, len(symbols))
	var live []int
	for i, sym := range symbols {
		norm := quote.NormalizeTicker(sym)
		if o.blacklist.IsBlacklisted(norm, quote.MarketOf(quote.TypeOf(norm))) {
			q := o.fallbackQuote(norm)
			q.Source = quote.SourceBlacklistedFallback
			q.IsBlacklisted = true
			observ.IncCounter("quotes_served_total", map[string]string{"outcome": "blacklisted"})
			out[i] = q
			continue
		}
		live = append(live, i)
	}

	for n, i := range live {
		if n > 0 && o.batchDelay > 0 {
			if err := o.sleep(ctx, o.batchDelay); err != nil {
				return out, err
			}
		}
		out[i] = o.getQuoteSafe(ctx, symbols[i])
	}

	failures := 0
	sourceCounts := map[string]int{}
	for _, q := range out {
		if q.Source == quote.SourceError || q.Error != "" {
			failures++
		}
		sourceCounts[q.Source]++
	}

	rate := float64(failures) / float64(len(symbols))
	if rate > o.errorRateThreshold {
		o.notifier.NotifyError(
			"High Error Rate",
			fmt.Errorf("%d of %d symbols degraded in batch", failures, len(symbols)),
			map[string]any{"errorRate": rate, "symbols": len(symbols)},
		)
	}
	observ.Log("batch_complete", map[string]any{
		"symbols":  len(symbols),
		"failures": failures,
		"sources":  sourceCounts,
	})
	return out, nil
}

// GetQuotes is the request-path entry point. Unless refresh is set,
// symbols whose stored quote is younger than the cache TTL are served
// from the store without touching any source; everything else goes
// through the waterfall.
func (o *Orchestrator) GetQuotes(ctx context.Context, symbols []string, refresh bool) ([]quote.Quote, error) {
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	if refresh || o.cacheTTL <= 0 {
		return o.GetQuotesBatch(ctx, symbols)
	}

	out := make([]quote.Quote, len(symbols))
	var misses []string
	missIdx := map[string][]int{}
	for i, sym := range symbols {
		norm := quote.NormalizeTicker(sym)
		if q, ok := o.cachedQuote(norm); ok {
			out[i] = q
			continue
		}
		misses = append(misses, sym)
		missIdx[norm] = append(missIdx[norm], i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := o.GetQuotesBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, q := range fetched {
		for _, i := range missIdx[q.Ticker] {
			out[i] = q
		}
	}
	return out, nil
}

func (o *Orchestrator) cachedQuote(norm string) (quote.Quote, bool) {
	if o.store == nil {
		return quote.Quote{}, false
	}
	var q quote.Quote
	found, err := o.store.Get(lastKnownPrefix+norm, &q)
	if err != nil || !found {
		return quote.Quote{}, false
	}
	ts, err := time.Parse(time.RFC3339, q.LastUpdated)
	if err != nil || o.now().Sub(ts) > o.cacheTTL {
		return quote.Quote{}, false
	}
	observ.IncCounter("quotes_cache_hits_total", nil)
	return q, true
}

func (o *Orchestrator) getQuoteSafe(ctx context.Context, symbol string) (q quote.Quote) {
	defer func() {
		if r := recover(); r != nil {
			observ.Log("quote_panic", map[string]any{"symbol": symbol, "panic": fmt.Sprint(r)})
			q = quote.Synthesize(symbol, nil)
			q.Source = quote.SourceError
			q.Error = fmt.Sprintf("internal error: %v", r)
		}
	}()
	return o.GetQuote(ctx, symbol)
}

// GetExchangeRate resolves one currency pair. Like GetQuote it never fails.
func (o *Orchestrator) GetExchangeRate(ctx context.Context, base, target string) quote.ExchangeRate {
	return o.rates.GetRate(ctx, base, target)
}

// GetExchangeRates resolves pairs concurrently. Order follows the input.
func (o *Orchestrator) GetExchangeRates(ctx context.Context, pairs [][2]string) []quote.ExchangeRate {
	out := make([]quote.ExchangeRate, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pairs {
		g.Go(func() error {
			out[i] = o.rates.GetRate(gctx, p[0], p[1])
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; every slot gets a result
	return out
}

// Blacklist exposes the current blacklist entries for the API layer.
func (o *Orchestrator) Blacklist() []blacklist.Entry {
	return o.blacklist.Entries()
}

// Metrics exposes the per-source records for the API layer.
func (o *Orchestrator) Metrics() []metrics.SourceMetrics {
	return o.recorder.AllMetrics()
}

func (o *Orchestrator) fallbackQuote(norm string) quote.Quote {
	var last quote.Quote
	if o.store != nil {
		if found, err := o.store.Get(lastKnownPrefix+norm, &last); err == nil && found {
			return quote.Synthesize(norm, &last)
		}
	}
	return quote.Synthesize(norm, nil)
}

func (o *Orchestrator) rememberQuote(q quote.Quote) {
	if o.store == nil {
		return
	}
	if err := o.store.Put(lastKnownPrefix+q.Ticker, q); err != nil {
		observ.Log("lastknown_write_error", map[string]any{"symbol": q.Ticker, "error": err.Error()})
	}
}

// maybeAlertTotalFailure fires a sampled alert when every source for a
// data type failed. Sampling keeps a wide outage from flooding the
// channel with one alert per symbol.
func (o *Orchestrator) maybeAlertTotalFailure(dataType, symbol string, lastErr error) {
	if o.randFloat() >= o.alertThreshold {
		return
	}
	titles := map[string]string{
		quote.TypeUSStock:    "All US Stock Data Sources Failed",
		quote.TypeJPStock:    "All Japanese Stock Data Sources Failed",
		quote.TypeMutualFund: "All Mutual Fund Data Sources Failed",
	}
	title, ok := titles[dataType]
	if !ok {
		title = "All Data Sources Failed"
	}
	if lastErr == nil {
		lastErr = errors.New("no data source produced a quote")
	}
	o.notifier.NotifyError(title, lastErr, map[string]any{"symbol": symbol, "dataType": dataType})
}
