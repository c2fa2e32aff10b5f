package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
)

// DefaultChartURL is the chart endpoint the application reads quotes from.
const DefaultChartURL = "https://query1.finance.yahoo.com/v8/finance/chart/"

// closePath selects the intraday close series of the first result.
const closePath = "$.chart.result[0].indicators.quote[0].close"

// Chart reads the last intraday close from a JSON chart endpoint of the form
// {base}{symbol}?range=1d&interval=1m.
type Chart struct {
	BaseURL string
	Client  *http.Client

	// Aliases maps engine symbols to feed symbols (e.g. US_BOND → ^TNX).
	Aliases map[string]string
}

// NewChart creates a chart oracle. An empty baseURL uses DefaultChartURL.
func NewChart(baseURL string, timeout time.Duration, aliases map[string]string) *Chart {
	if baseURL == "" {
		baseURL = DefaultChartURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Chart{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
		Aliases: aliases,
	}
}

func (c *Chart) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	feed := symbol
	if alias, ok := c.Aliases[symbol]; ok {
		feed = alias
	}
	addr := c.BaseURL + url.PathEscape(feed) + "?range=1d&interval=1m"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: read %s: %w", symbol, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	if resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("oracle: fetch %s: status %s", symbol, resp.Status)
	}

	return lastClose(symbol, body)
}

// lastClose extracts the newest non-null close. Numbers are decoded as
// json.Number so the price reaches decimal without a float64 round trip.
func lastClose(symbol string, body []byte) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var jobj any
	if err := dec.Decode(&jobj); err != nil {
		return decimal.Zero, fmt.Errorf("oracle: decode %s: %w", symbol, err)
	}

	jval, err := jsonpath.Get(closePath, jobj)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w for %s: %v", ErrNoPrice, symbol, err)
	}
	closes, ok := jval.([]any)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w for %s: close series is %T", ErrNoPrice, symbol, jval)
	}

	// The newest minutes are often null while the bar is still open.
	for i := len(closes) - 1; i >= 0; i-- {
		n, ok := closes[i].(json.Number)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("oracle: parse %s close %q: %w", symbol, n, err)
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
}
