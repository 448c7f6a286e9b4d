package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/stocksim/portfolio-engine/internal/ledger"
	"github.com/stocksim/portfolio-engine/internal/model"
	"github.com/stocksim/portfolio-engine/internal/store"
)

var propSymbols = []string{"AAPL", "MSFT", "TSLA"}

// TestProperty_LedgerConsistency drives random buy/sell/deposit sequences and
// checks after every step that:
//   - initial cash + deposits - buys + sells == current cash
//   - every holding has quantity > 0 and totalInvested == quantity*averageCost
//     within a cent
//   - buy totals minus removed cost basis reconcile with totalInvested
func TestProperty_LedgerConsistency(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		s := store.NewMemoryStore()
		initial := decimal.New(rapid.Int64Range(0, 5_000_000).Draw(rt, "initialCents"), -2)
		if err := s.CreateUser(ctx, &model.User{ID: "u", Username: "u", Email: "u@example.com", CashBalance: initial}); err != nil {
			rt.Fatalf("seed: %v", err)
		}
		p := newPrices()
		engine := ledger.New(s, p)

		cash := initial
		basis := make(map[string]decimal.Decimal) // buys minus removed basis, per symbol

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			sym := rapid.SampledFrom(propSymbols).Draw(rt, fmt.Sprintf("symbol-%d", i))
			price := decimal.New(rapid.Int64Range(1, 100_000).Draw(rt, fmt.Sprintf("priceCents-%d", i)), -2)
			p.set(sym, price.String())

			switch rapid.IntRange(0, 2).Draw(rt, fmt.Sprintf("op-%d", i)) {
			case 0:
				qty := rapid.Int64Range(1, 200).Draw(rt, fmt.Sprintf("buyQty-%d", i))
				res, err := engine.Buy(ctx, "u", sym, qty)
				if errors.Is(err, ledger.ErrInsufficientFunds) {
					if !price.Mul(decimal.NewFromInt(qty)).GreaterThan(cash) {
						rt.Fatalf("rejected affordable buy: %d @ %s with %s", qty, price, cash)
					}
					continue
				}
				if err != nil {
					rt.Fatalf("buy: %v", err)
				}
				cash = cash.Sub(res.Transaction.TotalAmount)
				basis[sym] = basis[sym].Add(res.Transaction.TotalAmount)
				if !res.RemainingCash.Equal(cash) {
					rt.Fatalf("buy reported cash %s, expected %s", res.RemainingCash, cash)
				}

			case 1:
				hs, _ := s.ListHoldings(ctx, "u")
				if len(hs) == 0 {
					continue
				}
				h := hs[rapid.IntRange(0, len(hs)-1).Draw(rt, fmt.Sprintf("holding-%d", i))]
				p.set(h.Symbol, price.String())
				qty := rapid.Int64Range(1, h.Quantity+5).Draw(rt, fmt.Sprintf("sellQty-%d", i))
				res, err := engine.Sell(ctx, "u", h.ID, qty)
				if qty > h.Quantity {
					if !errors.Is(err, ledger.ErrInsufficientShares) {
						rt.Fatalf("oversell: expected ErrInsufficientShares, got %v", err)
					}
					continue
				}
				if err != nil {
					rt.Fatalf("sell: %v", err)
				}
				cash = cash.Add(res.SaleAmount)
				basis[h.Symbol] = basis[h.Symbol].Sub(res.CostBasisRemoved)
				if res.RemainingShares != h.Quantity-qty {
					rt.Fatalf("remaining shares %d, expected %d", res.RemainingShares, h.Quantity-qty)
				}

			case 2:
				amount := decimal.New(rapid.Int64Range(1, 1_000_000).Draw(rt, fmt.Sprintf("depositCents-%d", i)), -2)
				if _, err := engine.DepositCash(ctx, "u", amount); err != nil {
					rt.Fatalf("deposit: %v", err)
				}
				cash = cash.Add(amount)
			}

			checkConsistency(rt, s, initial, cash, basis)
		}
	})
}

func checkConsistency(rt *rapid.T, s *store.MemoryStore, initial, cash decimal.Decimal, basis map[string]decimal.Decimal) {
	ctx := context.Background()

	u, _ := s.GetUser(ctx, "u")
	if !u.CashBalance.Equal(cash) {
		rt.Fatalf("stored cash %s, expected %s", u.CashBalance, cash)
	}
	if u.CashBalance.IsNegative() {
		rt.Fatalf("negative cash %s", u.CashBalance)
	}

	// Cash conservation over the transaction log.
	txs, _ := s.ListTransactions(ctx, "u", model.TxFilter{Limit: store.MaxHistoryLimit})
	flow := decimal.Zero
	for _, t := range txs {
		switch t.Type {
		case model.TxBuy:
			flow = flow.Sub(t.TotalAmount)
		case model.TxSell, model.TxDeposit:
			flow = flow.Add(t.TotalAmount)
		}
	}
	if !initial.Add(flow).Equal(u.CashBalance) {
		rt.Fatalf("cash not conserved: initial %s + flow %s != %s", initial, flow, u.CashBalance)
	}

	hs, _ := s.ListHoldings(ctx, "u")
	open := make(map[string]bool)
	cent := decimal.New(1, -2)
	for _, h := range hs {
		open[h.Symbol] = true
		if h.Quantity <= 0 {
			rt.Fatalf("holding %s with quantity %d", h.Symbol, h.Quantity)
		}
		implied := h.AverageCost.Mul(decimal.NewFromInt(h.Quantity))
		if implied.Sub(h.TotalInvested).Abs().GreaterThan(cent) {
			rt.Fatalf("%s: totalInvested %s vs quantity*averageCost %s", h.Symbol, h.TotalInvested, implied)
		}
		if !basis[h.Symbol].Equal(h.TotalInvested) {
			rt.Fatalf("%s: basis ledger %s vs totalInvested %s", h.Symbol, basis[h.Symbol], h.TotalInvested)
		}
	}
	for sym, b := range basis {
		if !open[sym] && !b.IsZero() {
			rt.Fatalf("%s: closed position left basis %s", sym, b)
		}
	}
}
