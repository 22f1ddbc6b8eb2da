package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pmdata/market-data-api/internal/quote"
)

// ScrapeClient extracts a quote from a provider's HTML page with ordered
// regular expressions. Patterns are tried in order and the first match
// wins; only the price is mandatory. Page markup drifts, so every
// constructor carries several alternative patterns per field.
type ScrapeClient struct {
	name    string
	urlFor  func(symbol string) string
	price   []*regexp.Regexp
	change  []*regexp.Regexp
	percent []*regexp.Regexp
	nameRe  []*regexp.Regexp

	priceLabel string
	http       *http.Client
	limiter    *rate.Limiter
}

func (c *ScrapeClient) Name() string { return c.name }

func (c *ScrapeClient) FetchOne(ctx context.Context, symbol string) (quote.Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return quote.Quote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.urlFor(symbol), nil)
	if err != nil {
		return quote.Quote{}, err
	}
	req.Header.Set("User-Agent", randomUserAgent())
	req.Header.Set("Accept-Language", "ja,en;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return quote.Quote{}, classifyTransportError(symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return quote.Quote{}, quote.ClassifyHTTPStatus(symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return quote.Quote{}, quote.NewNetworkError(symbol, err)
	}
	page := string(body)

	priceText, ok := firstMatch(c.price, page)
	if !ok {
		return quote.Quote{}, quote.NewNotFoundError(symbol, "price not found in page")
	}
	price, err := quote.ParseNumber(priceText)
	if err != nil || price <= 0 {
		return quote.Quote{}, quote.NewValidationError(symbol, "unparseable price: "+priceText)
	}

	norm := quote.NormalizeTicker(symbol)
	dt := quote.TypeOf(norm)
	q := quote.Quote{
		Ticker:       norm,
		Price:        price,
		Name:         norm,
		Currency:     "JPY",
		LastUpdated:  quote.Now(),
		Source:       c.name,
		IsStock:      dt != quote.TypeMutualFund,
		IsMutualFund: dt == quote.TypeMutualFund,
		PriceLabel:   c.priceLabel,
	}
	if s, ok := firstMatch(c.change, page); ok {
		q.Change = quote.ParseNumberOr(s, 0)
	}
	if s, ok := firstMatch(c.percent, page); ok {
		q.ChangePercent = quote.ParseNumberOr(s, 0)
	}
	if s, ok := firstMatch(c.nameRe, page); ok {
		if n := strings.TrimSpace(htmlUnescape(s)); n != "" {
			q.Name = n
		}
	}
	return q, nil
}

func firstMatch(patterns []*regexp.Regexp, page string) (string, bool) {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(page); len(m) > 1 {
			return m[1], true
		}
	}
	return "", false
}

var htmlEntities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&nbsp;", " ",
)

func htmlUnescape(s string) string { return htmlEntities.Replace(s) }

// NewYahooJapanClient scrapes finance.yahoo.co.jp quote pages. It covers
// both Japanese equities and fund codes; equities get the .T suffix in
// the page URL.
func NewYahooJapanClient(timeout time.Duration) *ScrapeClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ScrapeClient{
		name: quote.SourceYahooJapan,
		urlFor: func(symbol string) string {
			return "https://finance.yahoo.co.jp/quote/" + providerSymbol(symbol)
		},
		price: []*regexp.Regexp{
			regexp.MustCompile(`"regularMarketPrice"\s*:\s*\{[^}]*"raw"\s*:\s*([\d.]+)`),
			regexp.MustCompile(`<span[^>]*class="[^"]*StyledNumber__value[^"]*"[^>]*>([\d,\.]+)</span>`),
		},
		change: []*regexp.Regexp{
			regexp.MustCompile(`"regularMarketChange"\s*:\s*\{[^}]*"raw"\s*:\s*(-?[\d.]+)`),
		},
		percent: []*regexp.Regexp{
			regexp.MustCompile(`"regularMarketChangePercent"\s*:\s*\{[^}]*"raw"\s*:\s*(-?[\d.]+)`),
		},
		nameRe: []*regexp.Regexp{
			regexp.MustCompile(`"shortName"\s*:\s*"([^"]+)"`),
			regexp.MustCompile(`<title>([^<【]+)`),
		},
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(0.5), 2),
	}
}

// NewToushinLibClient scrapes the investment trust association's fund
// pages, the primary source for mutual fund NAVs.
func NewToushinLibClient(timeout time.Duration) *ScrapeClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ScrapeClient{
		name: quote.SourceToushinLib,
		urlFor: func(symbol string) string {
			code := strings.TrimSuffix(quote.NormalizeTicker(symbol), ".T")
			return fmt.Sprintf("https://toushin-lib.fwg.ne.jp/FdsWeb/FDST030000?isinCd=%s", code)
		},
		price: []*regexp.Regexp{
			regexp.MustCompile(`基準価額[^0-9]*([\d,]+)\s*円`),
			regexp.MustCompile(`class="[^"]*standard-price[^"]*"[^>]*>([\d,]+)`),
		},
		change: []*regexp.Regexp{
			regexp.MustCompile(`前日比[^0-9+\-]*([+\-]?[\d,]+)\s*円`),
		},
		nameRe: []*regexp.Regexp{
			regexp.MustCompile(`<h3[^>]*class="[^"]*fund-name[^"]*"[^>]*>([^<]+)</h3>`),
			regexp.MustCompile(`<title>([^<|]+)`),
		},
		priceLabel: quote.PriceLabelFund,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(0.5), 2),
	}
}

// at overrides the URL builder for tests.
func (c *ScrapeClient) at(base string) *ScrapeClient {
	c.urlFor = func(symbol string) string { return base + "/" + providerSymbol(symbol) }
	return c
}
