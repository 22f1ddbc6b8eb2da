package quote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	cases := []struct {
		ticker string
		want   string
	}{
		{"AAPL", TypeUSStock},
		{"BRK.B", TypeUSStock},
		{"7203", TypeJPStock},
		{"7203.T", TypeJPStock},
		{"9984.t", TypeJPStock},
		{"0131103C", TypeMutualFund},
		{"0131103c", TypeMutualFund},
		{"0131103C.T", TypeMutualFund},
		{"64311081", TypeUSStock}, // 8 digits but no fund letter
		{"123", TypeUSStock},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TypeOf(c.ticker), "ticker %q", c.ticker)
	}
}

func TestNormalizeTicker(t *testing.T) {
	assert.Equal(t, "7203", NormalizeTicker("7203.T"))
	assert.Equal(t, "7203", NormalizeTicker(" 7203 "))
	assert.Equal(t, "AAPL", NormalizeTicker("aapl"))
	assert.Equal(t, "0131103C", NormalizeTicker("0131103c.t"))
}

func TestMarketAndCurrency(t *testing.T) {
	assert.Equal(t, MarketJP, MarketOf(TypeJPStock))
	assert.Equal(t, MarketFund, MarketOf(TypeMutualFund))
	assert.Equal(t, MarketUS, MarketOf(TypeUSStock))
	assert.Equal(t, "USD", CurrencyOf(TypeUSStock))
	assert.Equal(t, "JPY", CurrencyOf(TypeJPStock))
	assert.Equal(t, "JPY", CurrencyOf(TypeMutualFund))
}

func TestParseNumber(t *testing.T) {
	cases := map[string]float64{
		"2,850":    2850,
		"+120":     120,
		"-15.5":    -15.5,
		"21,530円":  21530,
		"1.5%":     1.5,
		"$195.50":  195.5,
		" 100 ":    100,
	}
	for in, want := range cases {
		got, err := ParseNumber(in)
		assert.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	_, err := ParseNumber("-")
	assert.Error(t, err)
	_, err = ParseNumber("N/A")
	assert.Error(t, err)
	assert.Equal(t, 42.0, ParseNumberOr("junk", 42))
}

func TestSynthesizePlaceholders(t *testing.T) {
	fund := Synthesize("0131103C", nil)
	assert.Equal(t, DefaultFundPrice, fund.Price)
	assert.Equal(t, "JPY", fund.Currency)
	assert.True(t, fund.IsMutualFund)
	assert.Equal(t, PriceLabelFund, fund.PriceLabel)
	assert.True(t, fund.IsDefault)
	assert.Equal(t, SourceFallback, fund.Source)

	jp := Synthesize("7203.T", nil)
	assert.Equal(t, "7203", jp.Ticker)
	assert.Equal(t, DefaultJPStockPrice, jp.Price)
	assert.True(t, jp.IsStock)

	us := Synthesize("AAPL", nil)
	assert.Equal(t, DefaultUSStockPrice, us.Price)
	assert.Equal(t, "USD", us.Currency)
}

func TestSynthesizePrefersLastKnown(t *testing.T) {
	last := &Quote{Ticker: "AAPL", Price: 191.2, Name: "Apple Inc.", Currency: "USD", Source: SourceYahooAPI}
	q := Synthesize("AAPL", last)
	assert.Equal(t, 191.2, q.Price)
	assert.Equal(t, "Apple Inc.", q.Name)
	assert.Equal(t, SourceFallback, q.Source)
	assert.True(t, q.IsDefault)

	// A worthless last-known quote falls back to the placeholder.
	zero := &Quote{Ticker: "AAPL", Price: 0}
	q = Synthesize("AAPL", zero)
	assert.Equal(t, DefaultUSStockPrice, q.Price)
}

func TestKindOfMessage(t *testing.T) {
	cases := map[string]ErrorKind{
		"request timed out":              ErrTimeout,
		"context deadline exceeded":      ErrTimeout,
		"rate limit exceeded":            ErrRateLimit,
		"connection refused":             ErrNetwork,
		"invalid API key":                ErrPermission,
		"no data found for symbol":       ErrNotFound,
		"malformed response body":        ErrValidation,
		"something completely different": ErrOther,
	}
	for msg, want := range cases {
		assert.Equal(t, want, KindOfMessage(msg), "message %q", msg)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTimeoutError("A", nil)))
	assert.True(t, IsRetryable(NewRateLimitError("A", 429)))
	assert.True(t, IsRetryable(NewNetworkError("A", nil)))
	assert.False(t, IsRetryable(NewPermissionError("A", 401)))
	assert.False(t, IsRetryable(NewNotFoundError("A", "gone")))
	assert.False(t, IsRetryable(NewValidationError("A", "bad")))

	assert.True(t, IsRetryable(assertErr("dial tcp: connection reset by peer")))
	assert.False(t, IsRetryable(assertErr("totally unknown condition")))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, ErrPermission, ClassifyHTTPStatus("A", 401).Kind)
	assert.Equal(t, ErrPermission, ClassifyHTTPStatus("A", 403).Kind)
	assert.Equal(t, ErrNotFound, ClassifyHTTPStatus("A", 404).Kind)
	assert.Equal(t, ErrRateLimit, ClassifyHTTPStatus("A", 429).Kind)

	e := ClassifyHTTPStatus("A", 503)
	assert.Equal(t, ErrNetwork, e.Kind)
	assert.True(t, e.Retryable)

	assert.Equal(t, ErrOther, ClassifyHTTPStatus("A", 418).Kind)
}
