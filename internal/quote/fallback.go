package quote

// Placeholder prices used when no live data and no last-known quote exist.
const (
	DefaultFundPrice    = 10000.0
	DefaultJPStockPrice = 2500.0
	DefaultUSStockPrice = 100.0
)

// PriceLabelFund is the display label for fund reference prices.
const PriceLabelFund = "基準価額"

// Synthesize produces a deterministic placeholder Quote for a symbol whose
// live retrieval failed. When a last-known quote is supplied it wins over
// the class constants: the caller gets the last observed price re-stamped
// with a fresh timestamp. Synthesize never fails and performs no I/O.
func Synthesize(ticker string, lastKnown *Quote) Quote {
	clean := NormalizeTicker(ticker)

	if lastKnown != nil && lastKnown.Price > 0 {
		q := *lastKnown
		q.Ticker = clean
		q.LastUpdated = Now()
		q.Source = SourceFallback
		q.IsDefault = true
		return q
	}

	switch TypeOf(ticker) {
	case TypeMutualFund:
		return Quote{
			Ticker:       clean,
			Price:        DefaultFundPrice,
			Name:         "投資信託 " + clean,
			Currency:     "JPY",
			LastUpdated:  Now(),
			Source:       SourceFallback,
			IsStock:      false,
			IsMutualFund: true,
			PriceLabel:   PriceLabelFund,
			IsDefault:    true,
		}
	case TypeJPStock:
		return Quote{
			Ticker:       clean,
			Price:        DefaultJPStockPrice,
			Name:         "日本株 " + clean,
			Currency:     "JPY",
			LastUpdated:  Now(),
			Source:       SourceFallback,
			IsStock:      true,
			IsMutualFund: false,
			IsDefault:    true,
		}
	default:
		return Quote{
			Ticker:       clean,
			Price:        DefaultUSStockPrice,
			Name:         clean,
			Currency:     "USD",
			LastUpdated:  Now(),
			Source:       SourceFallback,
			IsStock:      true,
			IsMutualFund: false,
			IsDefault:    true,
		}
	}
}
