package quote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stocksim/portfolio-engine/internal/quote"
)

func TestHTTPSource_GetPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbols"); got != "AAPL" {
			t.Errorf("expected symbols=AAPL, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quoteResponse":{"result":[{
			"symbol":"AAPL","shortName":"Apple Inc.","regularMarketPrice":189.987,
			"regularMarketChange":1.5,"regularMarketChangePercent":0.8,
			"regularMarketVolume":123456,"regularMarketTime":1700000000,"currency":"USD"}],"error":null}}`))
	}))
	defer srv.Close()

	src := quote.NewHTTPSource(srv.URL, srv.Client())
	q, err := src.GetPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("189.99")) {
		t.Errorf("expected price rounded to 189.99, got %s", q.Price)
	}
	if q.DisplayName != "Apple Inc." || q.Volume != 123456 {
		t.Errorf("unexpected quote %+v", q)
	}
	if !q.UpdatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected timestamp %v", q.UpdatedAt)
	}
}

func TestHTTPSource_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `oops`},
		{"empty result", http.StatusOK, `{"quoteResponse":{"result":[]}}`},
		{"missing price", http.StatusOK, `{"quoteResponse":{"result":[{"symbol":"AAPL"}]}}`},
		{"bad json", http.StatusOK, `{"quoteResponse":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := quote.NewHTTPSource(srv.URL, srv.Client()).GetPrice(context.Background(), "AAPL")
			if !errors.Is(err, quote.ErrUnavailable) {
				t.Errorf("expected ErrUnavailable, got %v", err)
			}
		})
	}
}

func TestFallback(t *testing.T) {
	failing := quote.SourceFunc(func(ctx context.Context, symbol string) (quote.Quote, error) {
		return quote.Quote{}, quote.ErrUnavailable
	})
	sim := quote.NewSimulator(1, testListings)

	q, err := (&quote.Fallback{Primary: failing, Secondary: sim}).GetPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("expected fallback to succeed: %v", err)
	}
	if q.Symbol != "AAPL" {
		t.Errorf("unexpected quote %+v", q)
	}

	_, err = (&quote.Fallback{Primary: failing, Secondary: failing}).GetPrice(context.Background(), "AAPL")
	if !errors.Is(err, quote.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable when both fail, got %v", err)
	}

	var calls atomic.Int32
	counting := quote.SourceFunc(func(ctx context.Context, symbol string) (quote.Quote, error) {
		calls.Add(1)
		return sim.GetPrice(ctx, symbol)
	})
	if _, err := (&quote.Fallback{Primary: sim, Secondary: counting}).GetPrice(context.Background(), "AAPL"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Error("secondary should not be asked when primary succeeds")
	}
}

func TestCachedSource(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_URL")
	if addr == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	ctx := context.Background()
	rdb.Del(ctx, "quote:AAPL")

	var calls atomic.Int32
	sim := quote.NewSimulator(1, testListings)
	counting := quote.SourceFunc(func(ctx context.Context, symbol string) (quote.Quote, error) {
		calls.Add(1)
		return sim.GetPrice(ctx, symbol)
	})
	cached := quote.NewCachedSource(counting, rdb, time.Minute)

	first, err := cached.GetPrice(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	second, err := cached.GetPrice(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one upstream call, got %d", calls.Load())
	}
	if !first.Price.Equal(second.Price) {
		t.Errorf("cached price differs: %s vs %s", first.Price, second.Price)
	}
}
