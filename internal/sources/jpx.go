package sources

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/pmdata/market-data-api/internal/observ"
	"github.com/pmdata/market-data-api/internal/quote"
)

// JPXClient reads the Tokyo Stock Exchange daily statistics CSV. The file
// is published once per business day, Shift_JIS encoded, and covers every
// listed equity, so one download answers a whole batch. The parsed file is
// cached per publication date.
type JPXClient struct {
	baseURL string
	http    *http.Client

	mu        sync.Mutex
	cacheDate string
	cache     map[string]jpxRow

	now func() time.Time
}

type jpxRow struct {
	name          string
	close         float64
	change        float64
	changePercent float64
}

func NewJPXClient(timeout time.Duration) *JPXClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &JPXClient{
		baseURL: "https://www.jpx.co.jp",
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// NewJPXClientAt points the client at an alternate base URL, for tests.
func NewJPXClientAt(baseURL string, timeout time.Duration) *JPXClient {
	c := NewJPXClient(timeout)
	c.baseURL = baseURL
	return c
}

func (c *JPXClient) Name() string { return quote.SourceJPXCSV }

// previousBusinessDay steps back from t to the most recent weekday before
// it. Exchange holidays are not modeled; a holiday gap surfaces as a 404
// and the waterfall moves on.
func previousBusinessDay(t time.Time) time.Time {
	d := t.AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func (c *JPXClient) FetchOne(ctx context.Context, symbol string) (quote.Quote, error) {
	quotes, err := c.FetchBatch(ctx, []string{symbol})
	if err != nil {
		return quote.Quote{}, err
	}
	q, ok := quotes[quote.NormalizeTicker(symbol)]
	if !ok {
		return quote.Quote{}, quote.NewNotFoundError(symbol, "code not in JPX daily file")
	}
	return q, nil
}

func (c *JPXClient) FetchBatch(ctx context.Context, symbols []string) (map[string]quote.Quote, error) {
	date := previousBusinessDay(c.now()).Format("20060102")
	rows, err := c.load(ctx, date)
	if err != nil {
		return nil, err
	}

	out := make(map[string]quote.Quote, len(symbols))
	ts := quote.Now()
	for _, s := range symbols {
		norm := quote.NormalizeTicker(s)
		row, ok := rows[norm]
		if !ok {
			continue
		}
		out[norm] = quote.Quote{
			Ticker:        norm,
			Price:         row.close,
			Change:        row.change,
			ChangePercent: row.changePercent,
			Name:          row.name,
			Currency:      "JPY",
			LastUpdated:   ts,
			Source:        c.Name(),
			IsStock:       true,
		}
	}
	return out, nil
}

func (c *JPXClient) load(ctx context.Context, date string) (map[string]jpxRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cacheDate == date && c.cache != nil {
		return c.cache, nil
	}

	u := fmt.Sprintf("%s/markets/statistics-equities/daily/%s/stocks_%s.csv", c.baseURL, date, date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", randomUserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError("jpx-daily", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, quote.ClassifyHTTPStatus("jpx-daily", resp.StatusCode)
	}

	rows, err := parseJPXCSV(transform.NewReader(resp.Body, japanese.ShiftJIS.NewDecoder()))
	if err != nil {
		return nil, quote.NewValidationError("jpx-daily", err.Error())
	}

	c.cacheDate = date
	c.cache = rows
	observ.Log("jpx_csv_loaded", map[string]any{"date": date, "rows": len(rows)})
	return rows, nil
}

// parseJPXCSV reads the daily statistics file. Column positions are
// resolved from the header row by name; Japanese headers are the norm but
// English exports exist.
func parseJPXCSV(r io.Reader) (map[string]jpxRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("malformed CSV: missing header")
	}
	col := func(names ...string) int {
		for i, h := range header {
			h = strings.TrimSpace(h)
			for _, n := range names {
				if h == n {
					return i
				}
			}
		}
		return -1
	}
	codeCol := col("コード", "Code")
	nameCol := col("銘柄名", "Name")
	closeCol := col("終値", "Close")
	changeCol := col("前日比", "Change")
	pctCol := col("前日比%", "前日比％", "Change %")
	if codeCol < 0 || closeCol < 0 {
		return nil, fmt.Errorf("malformed CSV: code or close column missing")
	}

	rows := make(map[string]jpxRow)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tolerate ragged trailing rows rather than losing the file.
			continue
		}
		if codeCol >= len(rec) || closeCol >= len(rec) {
			continue
		}
		code := quote.NormalizeTicker(rec[codeCol])
		price, err := quote.ParseNumber(rec[closeCol])
		if err != nil || price <= 0 {
			continue
		}
		row := jpxRow{close: price}
		if nameCol >= 0 && nameCol < len(rec) {
			row.name = strings.TrimSpace(rec[nameCol])
		}
		if row.name == "" {
			row.name = code
		}
		if changeCol >= 0 && changeCol < len(rec) {
			row.change = quote.ParseNumberOr(rec[changeCol], 0)
		}
		if pctCol >= 0 && pctCol < len(rec) {
			row.changePercent = quote.ParseNumberOr(rec[pctCol], 0)
		}
		rows[code] = row
	}
	return rows, nil
}
