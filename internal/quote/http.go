package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPSource fetches quotes from a Yahoo-style v7 quote endpoint:
//
//	GET {baseURL}?symbols=AAPL
//	{"quoteResponse":{"result":[{"symbol":"AAPL","regularMarketPrice":175.5,...}]}}
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a client for baseURL. A nil client gets a 3s timeout.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPSource{baseURL: baseURL, client: client}
}

type yahooResponse struct {
	QuoteResponse struct {
		Result []yahooQuote `json:"result"`
		Error  any          `json:"error"`
	} `json:"quoteResponse"`
}

type yahooQuote struct {
	Symbol                     string   `json:"symbol"`
	ShortName                  string   `json:"shortName"`
	LongName                   string   `json:"longName"`
	RegularMarketPrice         *float64 `json:"regularMarketPrice"`
	RegularMarketChange        float64  `json:"regularMarketChange"`
	RegularMarketChangePercent float64  `json:"regularMarketChangePercent"`
	RegularMarketVolume        int64    `json:"regularMarketVolume"`
	RegularMarketTime          int64    `json:"regularMarketTime"`
	Currency                   string   `json:"currency"`
}

func (s *HTTPSource) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	addr := s.baseURL + "?symbols=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; portfolio-engine)")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: GET %s%s: %s", ErrUnavailable, resp.Request.URL.Host, resp.Request.URL.Path, resp.Status)
	}

	var body yahooResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, symbol, err)
	}
	if len(body.QuoteResponse.Result) == 0 {
		return Quote{}, fmt.Errorf("%w: no result for %s", ErrUnavailable, symbol)
	}

	r := body.QuoteResponse.Result[0]
	if r.RegularMarketPrice == nil || *r.RegularMarketPrice <= 0 {
		return Quote{}, fmt.Errorf("%w: no price for %s", ErrUnavailable, symbol)
	}

	name := r.ShortName
	if name == "" {
		name = r.LongName
	}
	if name == "" {
		name = symbol
	}
	currency := r.Currency
	if currency == "" {
		currency = "USD"
	}
	updated := time.Now().UTC()
	if r.RegularMarketTime > 0 {
		updated = time.Unix(r.RegularMarketTime, 0).UTC()
	}
	sym := r.Symbol
	if sym == "" {
		sym = symbol
	}

	return Quote{
		Symbol:        sym,
		DisplayName:   name,
		Price:         decimal.NewFromFloat(*r.RegularMarketPrice).Round(2),
		Change:        decimal.NewFromFloat(r.RegularMarketChange).Round(2),
		ChangePercent: decimal.NewFromFloat(r.RegularMarketChangePercent).Round(2),
		Currency:      currency,
		Volume:        r.RegularMarketVolume,
		UpdatedAt:     updated,
	}, nil
}
