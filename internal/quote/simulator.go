package quote

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Listing is one entry in the simulated market.
type Listing struct {
	Symbol     string
	Name       string
	BasePrice  float64
	Volatility float64
}

// DefaultListings is the simulated market used when no catalog is supplied.
var DefaultListings = []Listing{
	{"AAPL", "Apple Inc.", 175.50, 0.025},
	{"GOOGL", "Alphabet Inc. Class A", 142.80, 0.030},
	{"GOOG", "Alphabet Inc. Class C", 144.30, 0.030},
	{"MSFT", "Microsoft Corporation", 338.25, 0.022},
	{"AMZN", "Amazon.com Inc.", 154.75, 0.035},
	{"TSLA", "Tesla Inc.", 238.50, 0.050},
	{"META", "Meta Platforms Inc.", 325.20, 0.040},
	{"NFLX", "Netflix Inc.", 445.80, 0.038},
	{"NVDA", "NVIDIA Corporation", 485.60, 0.045},
	{"CRM", "Salesforce Inc.", 245.30, 0.032},
	{"ADBE", "Adobe Inc.", 562.80, 0.028},
	{"ORCL", "Oracle Corporation", 118.45, 0.025},
	{"SAP", "SAP SE", 145.20, 0.028},
	{"NOW", "ServiceNow Inc.", 678.90, 0.035},
	{"SNOW", "Snowflake Inc.", 186.75, 0.045},
	{"PLTR", "Palantir Technologies Inc.", 16.84, 0.055},
	{"IBM", "International Business Machines Corp.", 165.30, 0.025},
	{"INTC", "Intel Corporation", 43.85, 0.035},
	{"AMD", "Advanced Micro Devices Inc.", 118.60, 0.040},
	{"PYPL", "PayPal Holdings Inc.", 62.45, 0.038},
	{"SQ", "Block Inc.", 78.90, 0.045},
	{"SHOP", "Shopify Inc.", 65.20, 0.050},
	{"UBER", "Uber Technologies Inc.", 58.30, 0.042},
	{"LYFT", "Lyft Inc.", 14.75, 0.048},
	{"JPM", "JPMorgan Chase & Co.", 168.45, 0.025},
	{"BAC", "Bank of America Corp.", 34.85, 0.030},
	{"WFC", "Wells Fargo & Co.", 48.75, 0.028},
	{"GS", "Goldman Sachs Group Inc.", 385.20, 0.035},
	{"MS", "Morgan Stanley", 88.65, 0.032},
	{"C", "Citigroup Inc.", 48.90, 0.035},
	{"USB", "U.S. Bancorp", 42.30, 0.028},
	{"PNC", "PNC Financial Services Group Inc.", 155.60, 0.030},
	{"V", "Visa Inc.", 258.70, 0.022},
	{"MA", "Mastercard Incorporated", 418.50, 0.024},
	{"AXP", "American Express Company", 178.40, 0.028},
	{"JNJ", "Johnson & Johnson", 162.85, 0.020},
	{"PFE", "Pfizer Inc.", 29.45, 0.028},
	{"UNH", "UnitedHealth Group Inc.", 548.90, 0.022},
	{"ABBV", "AbbVie Inc.", 154.20, 0.025},
	{"MRK", "Merck & Co. Inc.", 108.75, 0.024},
	{"BMY", "Bristol-Myers Squibb Company", 52.30, 0.026},
	{"LLY", "Eli Lilly and Company", 598.40, 0.028},
	{"KO", "Coca-Cola Company", 59.85, 0.018},
	{"PEP", "PepsiCo Inc.", 174.60, 0.020},
	{"WMT", "Walmart Inc.", 165.20, 0.022},
	{"TGT", "Target Corporation", 128.45, 0.030},
	{"COST", "Costco Wholesale Corporation", 785.60, 0.025},
	{"HD", "Home Depot Inc.", 378.90, 0.024},
	{"LOW", "Lowe's Companies Inc.", 235.40, 0.026},
	{"DIS", "Walt Disney Company", 96.75, 0.035},
	{"CMCSA", "Comcast Corporation", 43.20, 0.025},
	{"VZ", "Verizon Communications Inc.", 40.85, 0.022},
	{"T", "AT&T Inc.", 15.95, 0.028},
	{"XOM", "Exxon Mobil Corporation", 105.80, 0.035},
	{"CVX", "Chevron Corporation", 158.40, 0.032},
	{"COP", "ConocoPhillips", 116.30, 0.038},
	{"BA", "Boeing Company", 218.50, 0.042},
	{"CAT", "Caterpillar Inc.", 298.75, 0.030},
	{"GE", "General Electric Company", 125.40, 0.035},
	{"F", "Ford Motor Company", 12.85, 0.040},
	{"GM", "General Motors Company", 37.20, 0.038},
	{"RIVN", "Rivian Automotive Inc.", 18.45, 0.065},
	{"LCID", "Lucid Group Inc.", 3.68, 0.070},
	{"COIN", "Coinbase Global Inc.", 158.70, 0.060},
	{"MSTR", "MicroStrategy Incorporated", 1485.30, 0.080},
	{"GME", "GameStop Corp.", 18.95, 0.085},
	{"AMC", "AMC Entertainment Holdings Inc.", 4.82, 0.090},
	{"^GSPC", "S&P 500", 4785.60, 0.015},
	{"^DJI", "Dow Jones Industrial Average", 37640.20, 0.018},
	{"^IXIC", "NASDAQ Composite", 14850.80, 0.020},
	{"^VIX", "CBOE Volatility Index", 18.45, 0.150},
}

// unknownVolatility applies to symbols pinned with SetPrice.
const unknownVolatility = 0.05

type simStock struct {
	listing Listing
	base    decimal.Decimal
	price   decimal.Decimal
	volume  int64
	updated time.Time
}

// Simulator is a seeded random-walk price source. Reads are stable between
// ticks; Tick moves every price by a small volatility-scaled step.
type Simulator struct {
	mu      sync.Mutex
	seed    uint64
	rng     *rand.Rand
	stocks  map[string]*simStock
	symbols []string // sorted, so a seed reproduces the same walk
	unknown bool
	now     func() time.Time
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithUnknownSymbols makes the simulator price symbols outside its catalog
// instead of returning ErrUnavailable. The price is derived from the seed and
// the symbol, so it is stable, and the symbol never joins the catalog.
func WithUnknownSymbols() SimulatorOption {
	return func(s *Simulator) { s.unknown = true }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator creates a simulator over listings (DefaultListings when nil).
func NewSimulator(seed uint64, listings []Listing, opts ...SimulatorOption) *Simulator {
	if listings == nil {
		listings = DefaultListings
	}
	s := &Simulator{
		seed:   seed,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		stocks: make(map[string]*simStock, len(listings)),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	for _, l := range listings {
		s.add(l)
	}
	return s
}

// add registers a listing. Caller holds mu or is the constructor.
func (s *Simulator) add(l Listing) *simStock {
	base := decimal.NewFromFloat(l.BasePrice).Round(2)
	st := &simStock{
		listing: l,
		base:    base,
		price:   base,
		volume:  s.volume(),
		updated: s.now().UTC(),
	}
	s.stocks[l.Symbol] = st
	i := sort.SearchStrings(s.symbols, l.Symbol)
	s.symbols = append(s.symbols, "")
	copy(s.symbols[i+1:], s.symbols[i:])
	s.symbols[i] = l.Symbol
	return st
}

func (s *Simulator) volume() int64 {
	return 1_000_000 + s.rng.Int64N(10_000_000)
}

// GetPrice returns the current simulated quote for symbol.
func (s *Simulator) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stocks[symbol]; ok {
		return st.quote(), nil
	}
	if !s.unknown {
		return Quote{}, fmt.Errorf("%w: unknown symbol %s", ErrUnavailable, symbol)
	}
	price := s.unlistedPrice(symbol)
	return Quote{
		Symbol:      symbol,
		DisplayName: symbol,
		Price:       price,
		Currency:    "USD",
		UpdatedAt:   s.now().UTC(),
	}, nil
}

// unlistedPrice maps (seed, symbol) onto [50.00, 250.00).
func (s *Simulator) unlistedPrice(symbol string) decimal.Decimal {
	h := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], s.seed)
	h.Write(b[:])
	h.Write([]byte(symbol))
	cents := 5_000 + int64(h.Sum64()%20_000)
	return decimal.New(cents, -2)
}

// SetPrice pins the price of a symbol, adding it to the catalog if needed.
func (s *Simulator) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stocks[symbol]
	if !ok {
		st = s.add(Listing{Symbol: symbol, Name: symbol + " Company", BasePrice: price.InexactFloat64(), Volatility: unknownVolatility})
	}
	st.price = price.Round(2)
	st.updated = s.now().UTC()
}

// Tick advances every price one random-walk step and returns the new quotes
// in symbol order.
func (s *Simulator) Tick() []Quote {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	out := make([]Quote, 0, len(s.symbols))
	for _, sym := range s.symbols {
		st := s.stocks[sym]
		step := (s.rng.Float64() - 0.5) * st.listing.Volatility * 0.1
		next := st.price.Mul(decimal.NewFromFloat(1 + step)).Round(2)
		if next.LessThan(minPrice) {
			next = minPrice
		}
		st.price = next
		st.volume = s.volume()
		st.updated = now
		out = append(out, st.quote())
	}
	return out
}

var minPrice = decimal.New(1, -2)

// Run ticks every interval until ctx is done, passing each batch to fn.
func (s *Simulator) Run(ctx context.Context, interval time.Duration, fn func([]Quote)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			quotes := s.Tick()
			if fn != nil {
				fn(quotes)
			}
		}
	}
}

// Overview returns a quote for every listed symbol in symbol order.
func (s *Simulator) Overview() []Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Quote, 0, len(s.symbols))
	for _, sym := range s.symbols {
		out = append(out, s.stocks[sym].quote())
	}
	return out
}

// Match is a search hit.
type Match struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Search finds listings whose symbol or name contains query
// (case-insensitive). Exact symbol matches come first, then symbol prefixes,
// then name prefixes, then the rest alphabetically by symbol.
func (s *Simulator) Search(query string, limit int) []Match {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	s.mu.Lock()
	type hit struct {
		Match
		rank int
	}
	var hits []hit
	for _, sym := range s.symbols {
		name := s.stocks[sym].listing.Name
		upperName := strings.ToUpper(name)
		rank := -1
		switch {
		case sym == q:
			rank = 0
		case strings.HasPrefix(sym, q):
			rank = 1
		case strings.HasPrefix(upperName, q):
			rank = 2
		case strings.Contains(sym, q) || strings.Contains(upperName, q):
			rank = 3
		}
		if rank >= 0 {
			hits = append(hits, hit{Match{Symbol: sym, Name: name}, rank})
		}
	}
	s.mu.Unlock()

	// symbols is sorted, so a stable sort by rank keeps ties alphabetical.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].rank < hits[j].rank })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = h.Match
	}
	return out
}

func (st *simStock) quote() Quote {
	change := st.price.Sub(st.base)
	pct := decimal.Zero
	if !st.base.IsZero() {
		pct = change.Div(st.base).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return Quote{
		Symbol:        st.listing.Symbol,
		DisplayName:   st.listing.Name,
		Price:         st.price,
		Change:        change,
		ChangePercent: pct,
		Currency:      "USD",
		Volume:        st.volume,
		UpdatedAt:     st.updated,
	}
}
