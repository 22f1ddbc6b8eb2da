package quote

import (
	"regexp"
	"strings"
	"time"
)

// Data types key the metrics and source-priority tables.
const (
	TypeUSStock      = "us-stock"
	TypeJPStock      = "jp-stock"
	TypeMutualFund   = "mutual-fund"
	TypeExchangeRate = "exchange-rate"
)

// Market classes key the blacklist.
const (
	MarketUS   = "us"
	MarketJP   = "jp"
	MarketFund = "fund"
)

// Source names carried in Quote.Source so consumers can tell live data
// from degraded data.
const (
	SourceYahooAPI            = "Yahoo Finance API"
	SourceYahooFree           = "Yahoo Finance (Free)"
	SourceYahooJapan          = "Yahoo Finance Japan"
	SourceJPXCSV              = "JPX CSV"
	SourceToushinLib          = "投資信託協会"
	SourceExchangerateAPI     = "exchangerate-api"
	SourceFrankfurter         = "frankfurter-api"
	SourceHardcodedRates      = "hardcoded-values"
	SourceSameCurrency        = "Internal (same currencies)"
	SourceFallback            = "Fallback"
	SourceEmergencyFallback   = "Emergency Fallback"
	SourceBlacklistedFallback = "Blacklisted Fallback"
	SourceError               = "Error"
)

// Quote is the canonical normalized market-data record for one instrument
// at one point in time. Every resolution path produces exactly one Quote.
type Quote struct {
	Ticker        string  `json:"ticker"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Name          string  `json:"name"`
	Currency      string  `json:"currency"`
	LastUpdated   string  `json:"lastUpdated"` // RFC3339
	Source        string  `json:"source"`
	IsStock       bool    `json:"isStock"`
	IsMutualFund  bool    `json:"isMutualFund"`
	PriceLabel    string  `json:"priceLabel,omitempty"`
	IsBlacklisted bool    `json:"isBlacklisted,omitempty"`
	IsDefault     bool    `json:"isDefault,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// ExchangeRate is the canonical record for one currency pair.
type ExchangeRate struct {
	Pair          string  `json:"pair"`
	Base          string  `json:"base"`
	Target        string  `json:"target"`
	Rate          float64 `json:"rate"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Source        string  `json:"source"`
	LastUpdated   string  `json:"lastUpdated"`
	IsDefault     bool    `json:"isDefault,omitempty"`
	Error         string  `json:"error,omitempty"`
}

var (
	// Fund codes are 7-8 digits followed by a letter, e.g. 0131103C.
	mutualFundPattern = regexp.MustCompile(`(?i)^\d{7,8}C(\.T)?$`)
	// Japanese equities are 4-digit numeric codes, optionally .T-suffixed.
	jpStockPattern = regexp.MustCompile(`^\d{4}(\.T)?$`)
)

// IsMutualFund reports whether ticker looks like a Japanese fund code.
func IsMutualFund(ticker string) bool {
	return mutualFundPattern.MatchString(strings.TrimSpace(ticker))
}

// IsJapaneseStock reports whether ticker looks like a Japanese equity code.
func IsJapaneseStock(ticker string) bool {
	t := strings.TrimSpace(ticker)
	return jpStockPattern.MatchString(t) || strings.HasSuffix(strings.ToUpper(t), ".T")
}

// NormalizeTicker strips whitespace and the .T suffix and upper-cases the
// symbol. Blacklist and metrics keys are always normalized so 7203 and
// 7203.T share one entry.
func NormalizeTicker(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	return strings.TrimSuffix(t, ".T")
}

// TypeOf classifies a ticker into a data type. Anything that is neither a
// fund code nor a Japanese equity is treated as a US-listed equity.
func TypeOf(ticker string) string {
	switch {
	case IsMutualFund(ticker):
		return TypeMutualFund
	case IsJapaneseStock(ticker):
		return TypeJPStock
	default:
		return TypeUSStock
	}
}

// MarketOf maps a data type onto its blacklist market class.
func MarketOf(dataType string) string {
	switch dataType {
	case TypeJPStock:
		return MarketJP
	case TypeMutualFund:
		return MarketFund
	default:
		return MarketUS
	}
}

// CurrencyOf returns the currency implied by the instrument class.
func CurrencyOf(dataType string) string {
	if dataType == TypeUSStock {
		return "USD"
	}
	return "JPY"
}

// Now returns the canonical timestamp format used in LastUpdated fields.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
